// Package task models the unit of work the controller schedules and
// the engine executes, along with the workload CSV reader/writer and
// POSIX shell argument splitting used by the worker pool.
package task

import (
	"github.com/AlessioNetti/finj-go/internal/protocol"
)

// CoresAll is the sentinel Cores value meaning "no NUMA pinning".
const CoresAll = "all"

// DurationUnbounded is the sentinel Duration value meaning "run to
// natural completion, never kill on a timer".
const DurationUnbounded = 0

// Task is one scheduled unit of work: a shell command with a virtual
// start time, an optional duration bound, a workload-unique sequence
// number, a fault/benchmark flag, and an optional NUMA core mask.
type Task struct {
	Args      string
	Timestamp int64
	Duration  int
	SeqNum    int64
	IsFault   bool
	Cores     string
}

// AsMessage projects t into the minimal shape the protocol package
// needs to build task-carrying messages.
func (t Task) AsMessage() protocol.TaskLike {
	return protocol.TaskLike{
		Args:      t.Args,
		Timestamp: t.Timestamp,
		Duration:  t.Duration,
		SeqNum:    t.SeqNum,
		IsFault:   t.IsFault,
		Cores:     t.Cores,
	}
}

// FromMessage rebuilds a Task from a decoded protocol.Message, as
// received by the engine in a command_start frame.
func FromMessage(m *protocol.Message) Task {
	return Task{
		Args:      m.Args,
		Timestamp: m.Timestamp,
		Duration:  m.Duration,
		SeqNum:    m.SeqNum,
		IsFault:   m.IsFault,
		Cores:     m.Cores,
	}
}
