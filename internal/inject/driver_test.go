package inject

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AlessioNetti/finj-go/internal/protocol"
	"github.com/AlessioNetti/finj-go/internal/task"
	"github.com/AlessioNetti/finj-go/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWorkload(t *testing.T, dir string, tasks []task.Task) string {
	t.Helper()
	path := filepath.Join(dir, "workload.csv")
	sink, err := task.CreateCSVSink(path)
	if err != nil {
		t.Fatalf("CreateCSVSink: %v", err)
	}
	for _, tk := range tasks {
		if err := sink.WriteTask(tk); err != nil {
			t.Fatalf("WriteTask: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("sink.Close: %v", err)
	}
	return path
}

// fakeEngine drives one Server connection the way a real engine would,
// for exactly the sequence this test needs.
func fakeEngine(t *testing.T, srv *transport.Server, seqNum int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := srv.Pop(ctx)
	if err != nil {
		t.Errorf("fakeEngine: pop session: %v", err)
		return
	}
	if in.Msg.Type != protocol.TypeCommandStartSession {
		t.Errorf("fakeEngine: expected start-session, got %v", in.Msg.Type)
		return
	}
	srv.Send(in.Addr, protocol.Ack(in.Msg.Timestamp, true, nil))

	in, err = srv.Pop(ctx)
	if err != nil {
		t.Errorf("fakeEngine: pop set-time: %v", err)
		return
	}
	if in.Msg.Type != protocol.TypeCommandSetTime {
		t.Errorf("fakeEngine: expected set-time, got %v", in.Msg.Type)
		return
	}

	in, err = srv.Pop(ctx)
	if err != nil {
		t.Errorf("fakeEngine: pop command_start: %v", err)
		return
	}
	if in.Msg.Type != protocol.TypeCommandStart || in.Msg.SeqNum != seqNum {
		t.Errorf("fakeEngine: expected command_start seq %d, got %v/%d", seqNum, in.Msg.Type, in.Msg.SeqNum)
		return
	}
	srv.Send(in.Addr, protocol.StatusStart(protocol.TaskLike{SeqNum: seqNum}))
	srv.Send(in.Addr, protocol.StatusEnd(protocol.TaskLike{SeqNum: seqNum}, "ok"))

	in, err = srv.Pop(ctx)
	if err != nil {
		t.Errorf("fakeEngine: pop end-session: %v", err)
		return
	}
	if in.Msg.Type != protocol.TypeCommandEndSession {
		t.Errorf("fakeEngine: expected end-session, got %v", in.Msg.Type)
		return
	}
	srv.Send(in.Addr, protocol.Ack(in.Msg.Timestamp, true, nil))
}

func TestDriver_InjectHappyPath(t *testing.T) {
	dir := t.TempDir()
	logger := testLogger()

	srv, err := transport.Listen("127.0.0.1:0", true, logger)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	addr, err := transport.ParsePeerAddr(srv.Addr().String())
	if err != nil {
		t.Fatalf("ParsePeerAddr: %v", err)
	}

	cl := transport.NewClient(50*time.Millisecond, time.Second, true, logger)
	if err := cl.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go cl.Run()
	defer cl.Close()

	workloadPath := writeWorkload(t, dir, []task.Task{
		{Args: "true", Timestamp: 0, SeqNum: 1, Cores: task.CoresAll},
	})
	reader, err := task.OpenCSVSource(workloadPath)
	if err != nil {
		t.Fatalf("OpenCSVSource: %v", err)
	}

	d := NewDriver(cl, reader, Config{
		ResultsDir:      dir,
		WorkloadName:    "wl",
		SessionWait:     500 * time.Millisecond,
		PreSendInterval: -1,
	}, logger)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- d.Run(ctx)
	}()

	fakeEngine(t, srv, 1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not finish in time")
	}

	raw, err := os.ReadFile(d.injectionLogPath(addr))
	if err != nil {
		t.Fatalf("reading execution log: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, "status_start") || !strings.Contains(content, "status_end") {
		t.Errorf("expected status_start and status_end rows, got:\n%s", content)
	}
}

func TestDriver_PullModeListensForever(t *testing.T) {
	dir := t.TempDir()
	logger := testLogger()

	srv, err := transport.Listen("127.0.0.1:0", true, logger)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	addr, err := transport.ParsePeerAddr(srv.Addr().String())
	if err != nil {
		t.Fatalf("ParsePeerAddr: %v", err)
	}

	cl := transport.NewClient(50*time.Millisecond, time.Second, true, logger)
	if err := cl.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go cl.Run()
	defer cl.Close()

	d := NewDriver(cl, nil, Config{ResultsDir: dir, WorkloadName: "wl"}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	greet, err := srv.Pop(ctx)
	if err != nil {
		t.Fatalf("pop greet: %v", err)
	}
	if greet.Msg.Type != protocol.TypeCommandGreet {
		t.Fatalf("expected command_greet, got %v", greet.Msg.Type)
	}
	srv.Send(greet.Addr, protocol.StatusGreet(1, 0, false, nil))

	<-done

	matches, err := filepath.Glob(filepath.Join(dir, "listening-*.csv"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one listening log, got %v", matches)
	}
}
