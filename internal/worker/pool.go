// Package worker implements the engine's worker pool: a fixed number
// of slots executing tasks against a shared virtual workload clock,
// per spec.md §4.5.
package worker

import (
	"bytes"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/AlessioNetti/finj-go/internal/protocol"
	"github.com/AlessioNetti/finj-go/internal/task"
)

// Config holds the worker pool's runtime behavior, sourced from the
// engine's RESULTS_DIR-adjacent configuration keys in spec.md §6.5.
type Config struct {
	MaxSlots     int
	SkipExpired  bool
	RetryTasks   bool
	RetryOnError bool
	KillAbruptly bool
	LogOutputs   bool
}

type poolSlot struct {
	mu          sync.Mutex
	cmd         *exec.Cmd
	terminating bool
}

// Pool is the engine's worker pool. It is stopped and started anew
// across every master takeover by the session manager.
type Pool struct {
	cfg    Config
	clock  virtualClock
	queue  *taskQueue
	sender func(protocol.Message)
	logger *slog.Logger

	mu      sync.Mutex
	slots   []*poolSlot
	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewPool builds a pool. sender is invoked for every STATUS_* message
// the pool emits; it is normally the engine transport's broadcast.
func NewPool(cfg Config, sender func(protocol.Message), logger *slog.Logger) *Pool {
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 20
	}
	return &Pool{
		cfg:    cfg,
		queue:  newTaskQueue(),
		sender: sender,
		logger: logger,
	}
}

// Anchor implements session.Clock: SET-TIME anchors the virtual clock.
func (p *Pool) Anchor(virtualTimestamp int64) {
	p.clock.anchor(virtualTimestamp)
}

// Correct implements session.Clock: CORRECT-TIME nudges the virtual clock.
func (p *Pool) Correct(remoteTimestamp int64) {
	p.clock.correct(remoteTimestamp)
}

// ActiveCount reports how many slots currently hold a running
// subprocess, for STATUS_GREET occupancy reporting.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	slots := p.slots
	p.mu.Unlock()

	count := 0
	for _, slot := range slots {
		slot.mu.Lock()
		if slot.cmd != nil {
			count++
		}
		slot.mu.Unlock()
	}
	return count
}

// Submit enqueues a command_start message as a task for execution.
func (p *Pool) Submit(msg protocol.Message) {
	p.queue.push(task.FromMessage(&msg))
}

// Start spins up MaxSlots worker goroutines. Safe to call again after Stop.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.queue.reset()
	p.quit = make(chan struct{})
	p.slots = make([]*poolSlot, p.cfg.MaxSlots)
	quit := p.quit
	for i := range p.slots {
		p.slots[i] = &poolSlot{}
		p.wg.Add(1)
		go p.workerLoop(p.slots[i], quit)
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info("worker pool started", "slots", p.cfg.MaxSlots)
}

// Stop terminates every slot, optionally killing running subprocesses
// forcefully, and waits for all workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.quit)
	p.queue.close()
	slots := p.slots
	p.running = false
	p.mu.Unlock()

	if p.cfg.KillAbruptly {
		for _, slot := range slots {
			slot.mu.Lock()
			slot.terminating = true
			if slot.cmd != nil && slot.cmd.Process != nil {
				slot.cmd.Process.Kill()
			}
			slot.mu.Unlock()
		}
	} else {
		for _, slot := range slots {
			slot.mu.Lock()
			slot.terminating = true
			slot.mu.Unlock()
		}
	}

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) workerLoop(slot *poolSlot, quit chan struct{}) {
	defer p.wg.Done()
	for {
		t, ok := p.queue.pop()
		if !ok {
			return
		}
		p.runTask(slot, t, quit)
	}
}

func (p *Pool) runTask(slot *poolSlot, t task.Task, quit chan struct{}) {
	if wait := p.clock.timeToTask(t.Timestamp); wait > 0 {
		select {
		case <-time.After(wait):
		case <-quit:
			return
		}
	} else if wait < 0 && p.cfg.SkipExpired {
		p.sendErr(t, protocol.ErrorExpired, "")
		return
	}

	argv, err := task.SplitArgs(t.Args, t.Cores)
	if err != nil || len(argv) == 0 {
		p.logger.Warn("failed to split task args", "args", t.Args, "error", err)
		p.sendErr(t, protocol.ErrorExpired, "")
		return
	}

	taskStartWall := time.Now()
	var finalCode int
	var output string
	started := false

	for {
		cmd := exec.Command(argv[0], argv[1:]...)
		var buf bytes.Buffer
		if p.cfg.LogOutputs && !t.IsFault {
			cmd.Stdout = &buf
		}

		slot.mu.Lock()
		if slot.terminating {
			slot.mu.Unlock()
			return
		}
		startErr := cmd.Start()
		if startErr != nil {
			slot.mu.Unlock()
			p.sendErr(t, protocol.ErrorExpired, startErr.Error())
			return
		}
		slot.cmd = cmd
		slot.mu.Unlock()

		if !started {
			p.sender(protocol.StatusStart(t.AsMessage()))
			started = true
		}

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		if t.Duration == 0 {
			waitErr := <-exitCh
			finalCode = exitCodeFrom(waitErr)
			output = buf.String()
			break
		}

		remaining := time.Duration(t.Duration)*time.Second - time.Since(taskStartWall)
		if remaining < 0 {
			remaining = 0
		}

		select {
		case waitErr := <-exitCh:
			code := exitCodeFrom(waitErr)
			stillHasBudget := time.Since(taskStartWall) < time.Duration(t.Duration)*time.Second
			if p.cfg.RetryTasks && stillHasBudget && (code == 0 || p.cfg.RetryOnError) {
				output += buf.String()
				clearCmd(slot)
				continue
			}
			finalCode = code
			output = buf.String()

		case <-time.After(remaining):
			killProcess(slot, p.cfg.KillAbruptly)
			<-exitCh
			finalCode = 0
			output = buf.String()

		case <-quit:
			killProcess(slot, true)
			return
		}
		break
	}

	clearCmd(slot)

	if finalCode == 0 {
		p.sender(protocol.StatusEnd(t.AsMessage(), output))
	} else {
		p.sender(protocol.StatusErr(t.AsMessage(), finalCode, output))
	}
}

func (p *Pool) sendErr(t task.Task, code int, output string) {
	p.sender(protocol.StatusErr(t.AsMessage(), code, output))
}

func clearCmd(slot *poolSlot) {
	slot.mu.Lock()
	slot.cmd = nil
	slot.mu.Unlock()
}

func killProcess(slot *poolSlot, abruptly bool) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.cmd == nil || slot.cmd.Process == nil {
		return
	}
	if abruptly {
		slot.cmd.Process.Kill()
		return
	}
	if err := slot.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slot.cmd.Process.Kill()
	}
}

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
