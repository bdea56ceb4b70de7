// Package inject implements the controller-side injection and pull
// loops described in spec.md §4.7: session bring-up, the pre-send
// window, pending-set accounting, and execution-log writing.
package inject

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/AlessioNetti/finj-go/internal/execlog"
	"github.com/AlessioNetti/finj-go/internal/protocol"
	"github.com/AlessioNetti/finj-go/internal/task"
	"github.com/AlessioNetti/finj-go/internal/transport"
)

// Config configures one injection or pull run.
type Config struct {
	ResultsDir       string
	WorkloadName     string
	SessionWait      time.Duration
	PreSendInterval  time.Duration // negative means "send the whole workload up front"
	WorkloadPadding  int64
	MaxTasks         int
	LogOutputs       bool
	CorrectInterval  time.Duration

	// NumaCoresFaults/NumaCoresBenchmarks supply the NUMA_CORES_FAULTS
	// / NUMA_CORES_BENCHMARKS default core masks (SPEC_FULL.md §4):
	// applied to a task whose workload row left cores unset (task.CoresAll)
	// based on its isFault flag. Empty means no default override.
	NumaCoresFaults     string
	NumaCoresBenchmarks string

	// BroadcastRateLimit caps how many command_start broadcasts per
	// second the pre-send window is allowed to emit (SPEC_FULL.md §3):
	// a large workload with a wide pre-send window would otherwise
	// burst every due task's START in the same loop iteration. Zero
	// disables limiting.
	BroadcastRateLimit float64
}

type peerState struct {
	writer  *execlog.Writer
	pending map[int64]struct{}
}

// Driver runs one injection (reader != nil) or pull (reader == nil)
// session against a fixed set of engine addresses.
type Driver struct {
	client *transport.Client
	reader task.Source
	cfg    Config
	logger *slog.Logger

	clock schedClock

	peers       map[transport.PeerAddr]*peerState
	admitted    map[transport.PeerAddr]bool
	sendLimiter *rate.Limiter
}

// NewDriver builds a driver. client must already have Connect called
// for every target address; Run drives its event loop via client.Run
// in the background is the caller's responsibility.
func NewDriver(client *transport.Client, reader task.Source, cfg Config, logger *slog.Logger) *Driver {
	if cfg.CorrectInterval == 0 {
		cfg.CorrectInterval = 30 * time.Second
	}
	d := &Driver{
		client: client,
		reader: reader,
		cfg:    cfg,
		logger: logger,
		peers:  make(map[transport.PeerAddr]*peerState),
	}
	if cfg.BroadcastRateLimit > 0 {
		d.sendLimiter = rate.NewLimiter(rate.Limit(cfg.BroadcastRateLimit), 1)
	}
	return d
}

// admit runs a broadcast and collects ACKs for wait, returning the set
// of peers that answered ack_yes.
func (d *Driver) admit(ctx context.Context, wait time.Duration) map[transport.PeerAddr]bool {
	d.admitted = make(map[transport.PeerAddr]bool)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		cctx, cancel := context.WithTimeout(ctx, remaining)
		in, err := d.client.Pop(cctx)
		cancel()
		if err != nil {
			break
		}
		switch in.Msg.Type {
		case protocol.TypeAckYes:
			d.admitted[in.Addr] = true
		case protocol.TypeAckNo:
			delete(d.admitted, in.Addr)
		}
	}
	return d.admitted
}

// Run executes the full session lifecycle and blocks until it
// completes (workload exhausted and all pending sets empty) or ctx is
// cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if d.reader == nil {
		return d.runPull(ctx)
	}
	return d.runInject(ctx)
}

func (d *Driver) runInject(ctx context.Context) error {
	firstTask, err := d.reader.Next()
	if err != nil {
		return fmt.Errorf("inject: workload has no tasks: %w", err)
	}

	now := time.Now().Unix()
	d.client.Broadcast(protocol.CommandSession(now, false))
	admitted := d.admit(ctx, d.cfg.SessionWait)

	for addr := range admitted {
		w, werr := execlog.Create(d.injectionLogPath(addr))
		if werr != nil {
			d.logger.Error("failed to create execution log", "addr", addr, "error", werr)
			continue
		}
		d.peers[addr] = &peerState{writer: w, pending: make(map[int64]struct{})}
	}

	anchorTs := firstTask.Timestamp - d.cfg.WorkloadPadding
	d.client.Broadcast(protocol.CommandSetTime(anchorTs))
	d.clock.anchor(anchorTs)

	pending := firstTask
	haveTask := true
	sent := 0
	lastCorrect := time.Now()

	for {
		if err := d.drainInbound(ctx, 200*time.Millisecond); err != nil && err != context.DeadlineExceeded {
			if ctx.Err() != nil {
				break
			}
		}

		if d.cfg.PreSendInterval >= 0 && time.Since(lastCorrect) >= d.cfg.CorrectInterval {
			d.client.Broadcast(protocol.CommandCorrectTime(int64(d.clock.now())))
			lastCorrect = time.Now()
		}

		for haveTask && d.shouldSend(pending) {
			if d.cfg.MaxTasks > 0 && sent >= d.cfg.MaxTasks {
				haveTask = false
				break
			}
			if d.sendLimiter != nil {
				if err := d.sendLimiter.Wait(ctx); err != nil {
					return ctx.Err()
				}
			}
			toSend := d.withDefaultCores(pending)
			d.client.Broadcast(protocol.CommandStart(toSend.AsMessage()))
			for _, ps := range d.peers {
				ps.pending[pending.SeqNum] = struct{}{}
			}
			sent++

			next, nerr := d.reader.Next()
			if nerr != nil {
				haveTask = false
				break
			}
			pending = next
		}

		if !haveTask && d.allPendingEmpty() {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	d.client.Broadcast(protocol.CommandSession(time.Now().Unix(), true))
	d.admit(ctx, d.cfg.SessionWait)

	for _, ps := range d.peers {
		ps.writer.Close()
	}
	return nil
}

// withDefaultCores substitutes the configured NUMA default mask when
// a workload row left cores unset (task.CoresAll), per the task's
// isFault flag.
func (d *Driver) withDefaultCores(t task.Task) task.Task {
	if t.Cores != task.CoresAll {
		return t
	}
	if t.IsFault && d.cfg.NumaCoresFaults != "" {
		t.Cores = d.cfg.NumaCoresFaults
	} else if !t.IsFault && d.cfg.NumaCoresBenchmarks != "" {
		t.Cores = d.cfg.NumaCoresBenchmarks
	}
	return t
}

func (d *Driver) shouldSend(t task.Task) bool {
	if d.cfg.PreSendInterval < 0 {
		return true
	}
	return float64(t.Timestamp) < d.clock.now()+d.cfg.PreSendInterval.Seconds()
}

func (d *Driver) allPendingEmpty() bool {
	for _, ps := range d.peers {
		if len(ps.pending) > 0 {
			return false
		}
	}
	return true
}

func (d *Driver) drainInbound(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		cctx, cancel := context.WithTimeout(ctx, remaining)
		in, err := d.client.Pop(cctx)
		cancel()
		if err != nil {
			return err
		}
		d.handleInbound(in)
	}
}

func (d *Driver) handleInbound(in transport.Inbound) {
	msg := in.Msg
	switch msg.Type {
	case protocol.TypeAckYes:
		d.handleAckYes(in.Addr, msg)
	case protocol.TypeAckNo:
		d.handleAckNo(in.Addr)
	case protocol.TypeDetectedLost:
		if ps, ok := d.peers[in.Addr]; ok {
			ps.writer.WriteEntry(execlog.Entry{Timestamp: msg.Timestamp, Type: protocol.TypeDetectedLost})
		}
	case protocol.TypeDetectedRestored:
		if _, ok := d.peers[in.Addr]; ok {
			d.client.Send(in.Addr, protocol.CommandSession(time.Now().Unix(), false))
			d.client.Send(in.Addr, protocol.CommandSetTime(int64(d.clock.now())))
		}
	case protocol.TypeDetectedFinalized:
		delete(d.peers, in.Addr)
	case protocol.TypeStatusEnd, protocol.TypeStatusErr:
		d.handleTerminalStatus(in.Addr, msg)
	default:
		if ps, ok := d.peers[in.Addr]; ok {
			ps.writer.WriteEntry(execlog.EntryFromMessage(msg))
		}
		d.logger.Info("status received", "addr", in.Addr, "type", msg.Type)
	}
}

func (d *Driver) handleAckYes(addr transport.PeerAddr, msg *protocol.Message) {
	ps, ok := d.peers[addr]
	if !ok {
		return
	}
	if msg.Error != nil && *msg.Error == protocol.ErrorReset {
		ps.pending = make(map[int64]struct{})
		ps.writer.WriteEntry(execlog.Entry{Timestamp: msg.Timestamp, Type: protocol.TypeStatusReset})
	}
}

func (d *Driver) handleAckNo(addr transport.PeerAddr) {
	delete(d.peers, addr)
}

func (d *Driver) handleTerminalStatus(addr transport.PeerAddr, msg *protocol.Message) {
	ps, ok := d.peers[addr]
	if !ok {
		return
	}
	ps.writer.WriteEntry(execlog.EntryFromMessage(msg))
	delete(ps.pending, msg.SeqNum)

	if d.cfg.LogOutputs && msg.Output != "" {
		outDir := d.outputDir(addr)
		basename := fmt.Sprintf("%s_%s", d.cfg.WorkloadName, addr.String())
		if err := execlog.WriteOutput(outDir, basename, msg.SeqNum, msg.Output); err != nil {
			d.logger.Warn("failed to write task output", "addr", addr, "seqNum", msg.SeqNum, "error", err)
		}
	}
}

func (d *Driver) injectionLogPath(addr transport.PeerAddr) string {
	return filepath.Join(d.cfg.ResultsDir, fmt.Sprintf("injection-%s-%s_%d.csv", d.cfg.WorkloadName, addr.IP, addr.Port))
}

func (d *Driver) outputDir(addr transport.PeerAddr) string {
	return filepath.Join(d.cfg.ResultsDir, fmt.Sprintf("output-%s-%s_%d", d.cfg.WorkloadName, addr.IP, addr.Port))
}

// runPull implements the listen-only mode: GREET every target, then
// append every inbound message to a per-peer listening log forever.
func (d *Driver) runPull(ctx context.Context) error {
	d.client.Broadcast(protocol.CommandGreet(time.Now().Unix()))

	writers := make(map[transport.PeerAddr]*execlog.Writer)
	defer func() {
		for _, w := range writers {
			w.Close()
		}
	}()

	for {
		in, err := d.client.Pop(ctx)
		if err != nil {
			return err
		}

		w, ok := writers[in.Addr]
		if !ok {
			path := filepath.Join(d.cfg.ResultsDir, fmt.Sprintf("listening-%s_%d.csv", in.Addr.IP, in.Addr.Port))
			w, err = execlog.Create(path)
			if err != nil {
				d.logger.Error("failed to create listening log", "addr", in.Addr, "error", err)
				continue
			}
			writers[in.Addr] = w
		}
		w.WriteEntry(execlog.EntryFromMessage(in.Msg))
	}
}
