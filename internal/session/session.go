// Package session implements the engine-side master election and
// re-acceptance state machine, and the host-stats probe surfaced on
// STATUS_GREET.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AlessioNetti/finj-go/internal/protocol"
	"github.com/AlessioNetti/finj-go/internal/task"
	"github.com/AlessioNetti/finj-go/internal/transport"
)

// State is the engine's current master-election state.
type State string

const (
	NoMaster       State = "no_master"
	MasterActive   State = "master_active"
	MasterDangling State = "master_dangling"
)

// Clock is the subset of the worker pool's virtual-clock API the
// session manager drives on SET-TIME / CORRECT-TIME.
type Clock interface {
	Anchor(virtualTimestamp int64)
	Correct(remoteTimestamp int64)
}

// Manager owns the master-election state for one engine. It is driven
// exclusively from the transport's inbound loop; callers must not
// invoke its methods concurrently from multiple goroutines.
type Manager struct {
	logger *slog.Logger
	clock  Clock

	startPool func()
	stopPool  func()
	submit    func(protocol.Message)
	terminate func()

	mu        sync.Mutex
	state     State
	master    transport.PeerAddr
	sessionTs int64

	auxCommands []string
	auxTimeout  time.Duration

	recoverEnabled bool
	graceTimeout   time.Duration
	danglingSince  time.Time

	dedupSeen  map[protocol.SeqNum]struct{}
	dedupOrder []protocol.SeqNum
}

// dedupWindow bounds how many recently-applied (sessionTs,seqNum)
// pairs the engine remembers for replay deduplication, per spec.md §8.
const dedupWindow = 4096

// SetRecovery configures whether a master whose connection drops is
// given a grace period to resume (MASTER_DANGLING) before the session
// is torn down, per spec.md §4.6. Disabled (immediate teardown) by
// default; graceTimeout is only consulted when enabled is true.
func (m *Manager) SetRecovery(enabled bool, graceTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverEnabled = enabled
	m.graceTimeout = graceTimeout
}

// HandleConnectionLost is driven by the transport's detected_lost
// synthetic event. If addr is the current master and recovery is
// enabled, the session enters MASTER_DANGLING rather than tearing
// down immediately: the pool keeps running against its existing
// virtual clock while the master's reconnect is awaited.
func (m *Manager) HandleConnectionLost(addr transport.PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MasterActive || addr != m.master {
		return
	}
	if !m.recoverEnabled {
		m.stopPool()
		m.state = NoMaster
		m.master = transport.PeerAddr{}
		return
	}
	m.state = MasterDangling
	m.danglingSince = time.Now()
	m.logger.Warn("master connection lost, entering dangling grace period", "addr", addr)
}

// Tick reaps a MASTER_DANGLING session whose grace period has
// elapsed, tearing down the pool as if an explicit END-SESSION had
// arrived. Callers should invoke this roughly once a second.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MasterDangling {
		return
	}
	if now.Sub(m.danglingSince) > m.graceTimeout {
		m.logger.Warn("master grace period elapsed, tearing down session", "addr", m.master)
		m.stopPool()
		m.state = NoMaster
		m.master = transport.PeerAddr{}
	}
}

// SetAuxCommands configures the shell commands run best-effort on
// every NO_MASTER -> MASTER_ACTIVE transition, per the AUX_COMMANDS
// config key.
func (m *Manager) SetAuxCommands(commands []string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auxCommands = commands
	m.auxTimeout = timeout
}

// NewManager constructs a session manager. startPool/stopPool bracket
// the worker pool's lifecycle across a master takeover; submit hands
// a command_start off to the pool; terminate implements graceful
// engine shutdown on TERMINATE.
func NewManager(logger *slog.Logger, clock Clock, startPool, stopPool func(), submit func(protocol.Message), terminate func()) *Manager {
	return &Manager{
		logger:    logger,
		clock:     clock,
		startPool: startPool,
		stopPool:  stopPool,
		submit:    submit,
		terminate: terminate,
		state:     NoMaster,
	}
}

// State returns the current master-election state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveCount and IsSessionActive back STATUS_GREET; ActiveCount is
// supplied by the caller since only the worker pool knows its own
// occupancy.
func (m *Manager) IsSessionActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == MasterActive
}

// Handle processes one inbound message from addr, carried on frame
// seq, and returns the reply to send back, if any. It implements the
// transition table in spec.md §4.6.
func (m *Manager) Handle(addr transport.PeerAddr, seq protocol.SeqNum, msg *protocol.Message) *protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type {
	case protocol.TypeCommandGreet:
		// handled by the caller, which has access to pool occupancy.
		return nil

	case protocol.TypeCommandStartSession:
		return m.handleStartSession(addr, msg)

	case protocol.TypeCommandEndSession:
		if m.state != MasterActive || addr != m.master {
			m.logger.Warn("end-session from non-master, ignoring", "addr", addr)
			return nil
		}
		m.stopPool()
		m.state = NoMaster
		m.master = transport.PeerAddr{}
		reply := protocol.Ack(msg.Timestamp, true, nil)
		return &reply

	case protocol.TypeCommandSetTime:
		if !m.isMaster(addr) {
			return nil
		}
		m.clock.Anchor(msg.Timestamp)
		return nil

	case protocol.TypeCommandCorrectTime:
		if !m.isMaster(addr) {
			return nil
		}
		m.clock.Correct(msg.Timestamp)
		return nil

	case protocol.TypeCommandStart:
		if !m.isMaster(addr) {
			m.logger.Warn("command_start from non-master, ignoring", "addr", addr)
			return nil
		}
		if m.recoverEnabled && m.seenSeq(seq) {
			m.logger.Debug("duplicate command_start from replay, discarding", "seq", seq)
			return nil
		}
		m.submit(*msg)
		return nil

	case protocol.TypeCommandTerminate:
		if !m.isMaster(addr) {
			return nil
		}
		m.terminate()
		return nil

	default:
		m.logger.Warn("unexpected message from peer", "addr", addr, "type", msg.Type)
		return nil
	}
}

func (m *Manager) isMaster(addr transport.PeerAddr) bool {
	return m.state == MasterActive && addr == m.master
}

// seenSeq records seq as applied and reports whether it had already
// been applied before, per spec.md §8's replay idempotence law.
// Bounded to dedupWindow entries so a long-running session's memory
// doesn't grow unbounded; the transport's own history ring is bounded
// the same way, so nothing past that window can be legitimately
// replayed anyway.
func (m *Manager) seenSeq(seq protocol.SeqNum) bool {
	if m.dedupSeen == nil {
		m.dedupSeen = make(map[protocol.SeqNum]struct{})
	}
	if _, ok := m.dedupSeen[seq]; ok {
		return true
	}
	m.dedupSeen[seq] = struct{}{}
	m.dedupOrder = append(m.dedupOrder, seq)
	if len(m.dedupOrder) > dedupWindow {
		oldest := m.dedupOrder[0]
		m.dedupOrder = m.dedupOrder[1:]
		delete(m.dedupSeen, oldest)
	}
	return false
}

// runAuxCommands fires the configured AUX_COMMANDS in the background;
// it must never block the caller, which holds m.mu.
func (m *Manager) runAuxCommands() {
	if len(m.auxCommands) == 0 {
		return
	}
	commands := m.auxCommands
	timeout := m.auxTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	go task.RunAuxCommands(context.Background(), commands, timeout, m.logger)
}

func (m *Manager) handleStartSession(addr transport.PeerAddr, msg *protocol.Message) *protocol.Message {
	switch m.state {
	case NoMaster:
		m.startPool()
		m.state = MasterActive
		m.master = addr
		m.sessionTs = msg.Timestamp
		m.runAuxCommands()
		errCode := protocol.ErrorReset
		reply := protocol.Ack(msg.Timestamp, true, &errCode)
		return &reply

	case MasterActive:
		if addr != m.master {
			reply := protocol.Ack(msg.Timestamp, false, nil)
			return &reply
		}
		if msg.Timestamp == m.sessionTs {
			reply := protocol.Ack(msg.Timestamp, true, nil)
			return &reply
		}
		m.stopPool()
		m.startPool()
		m.sessionTs = msg.Timestamp
		errCode := protocol.ErrorReset
		reply := protocol.Ack(msg.Timestamp, true, &errCode)
		return &reply

	case MasterDangling:
		if addr.IP != m.master.IP {
			reply := protocol.Ack(msg.Timestamp, false, nil)
			return &reply
		}
		m.master = addr
		m.state = MasterActive
		if msg.Timestamp == m.sessionTs {
			reply := protocol.Ack(msg.Timestamp, true, nil)
			return &reply
		}
		m.stopPool()
		m.startPool()
		m.sessionTs = msg.Timestamp
		errCode := protocol.ErrorReset
		reply := protocol.Ack(msg.Timestamp, true, &errCode)
		return &reply
	}
	return nil
}

// HostMonitor samples host resource usage for STATUS_GREET enrichment.
// Sampling is throttled to avoid hammering gopsutil on every GREET.
type HostMonitor struct {
	mu        sync.Mutex
	last      protocol.HostStats
	lastAt    time.Time
	minPeriod time.Duration
	sampler   func() protocol.HostStats
}

// NewHostMonitor builds a monitor that re-samples at most once per
// minPeriod.
func NewHostMonitor(minPeriod time.Duration, sampler func() protocol.HostStats) *HostMonitor {
	return &HostMonitor{minPeriod: minPeriod, sampler: sampler}
}

// Sample returns a possibly-cached HostStats snapshot.
func (h *HostMonitor) Sample() protocol.HostStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.lastAt) < h.minPeriod && !h.lastAt.IsZero() {
		return h.last
	}
	h.last = h.sampler()
	h.lastAt = time.Now()
	return h.last
}
