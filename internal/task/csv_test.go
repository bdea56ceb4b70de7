package task

import (
	"io"
	"path/filepath"
	"testing"
)

func TestCSVSink_CSVSource_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workload.csv")

	tasks := []Task{
		{Args: "echo A", Timestamp: 100, Duration: 2, SeqNum: 0, IsFault: false, Cores: CoresAll},
		{Args: "stress --cpu 1", Timestamp: 101, Duration: 0, SeqNum: 1, IsFault: true, Cores: "0,1"},
		{Args: "", Timestamp: 102, Duration: 5, SeqNum: 2, IsFault: false, Cores: CoresAll},
	}

	sink, err := CreateCSVSink(path)
	if err != nil {
		t.Fatalf("CreateCSVSink: %v", err)
	}
	for _, task := range tasks {
		if err := sink.WriteTask(task); err != nil {
			t.Fatalf("WriteTask: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close sink: %v", err)
	}

	src, err := OpenCSVSource(path)
	if err != nil {
		t.Fatalf("OpenCSVSource: %v", err)
	}
	defer src.Close()

	var got []Task
	for {
		tk, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, tk)
	}

	if len(got) != len(tasks) {
		t.Fatalf("expected %d tasks, got %d", len(tasks), len(got))
	}
	for i, want := range tasks {
		if got[i] != want {
			t.Errorf("task %d mismatch: got %+v, want %+v", i, got[i], want)
		}
	}
}

func TestCSVField_DelimiterAndQuoteEscaping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workload.csv")

	tricky := Task{Args: "echo a;b|c", Timestamp: 5, Duration: 0, SeqNum: 9, IsFault: false, Cores: CoresAll}

	sink, err := CreateCSVSink(path)
	if err != nil {
		t.Fatalf("CreateCSVSink: %v", err)
	}
	if err := sink.WriteTask(tricky); err != nil {
		t.Fatalf("WriteTask: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src, err := OpenCSVSource(path)
	if err != nil {
		t.Fatalf("OpenCSVSource: %v", err)
	}
	defer src.Close()

	got, err := src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Args != tricky.Args {
		t.Errorf("args mismatch: got %q, want %q", got.Args, tricky.Args)
	}
}
