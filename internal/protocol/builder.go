package protocol

// TaskLike is the minimal view of a task needed to build task-carrying
// messages; satisfied by task.Task without protocol importing task
// (which would create an import cycle).
type TaskLike struct {
	Args      string
	Timestamp int64
	Duration  int
	SeqNum    int64
	IsFault   bool
	Cores     string
}

func withTaskFields(m Message, t TaskLike) Message {
	m.Args = t.Args
	m.Duration = t.Duration
	m.SeqNum = t.SeqNum
	m.Timestamp = t.Timestamp
	m.IsFault = t.IsFault
	m.Cores = t.Cores
	return m
}

// Ack builds an ack_yes/ack_no reply. A non-nil errCode is only
// meaningful on ack_yes, where ErrorReset signals a session wipe.
func Ack(timestamp int64, positive bool, errCode *int) Message {
	typ := TypeAckNo
	if positive {
		typ = TypeAckYes
	}
	return Message{Type: typ, Timestamp: timestamp, Error: errCode}
}

// CommandGreet builds a GREET probe, sent by any peer to query an
// engine's session state without becoming its master.
func CommandGreet(timestamp int64) Message {
	return Message{Type: TypeCommandGreet, Timestamp: timestamp}
}

// CommandSetTime anchors the receiver's virtual workload clock.
func CommandSetTime(timestamp int64) Message {
	return Message{Type: TypeCommandSetTime, Timestamp: timestamp}
}

// CommandCorrectTime nudges the receiver's virtual clock via the
// exponential slew described in spec.md §4.6.
func CommandCorrectTime(timestamp int64) Message {
	return Message{Type: TypeCommandCorrectTime, Timestamp: timestamp}
}

// CommandSession builds a START-SESSION (end=false) or END-SESSION
// (end=true) command.
func CommandSession(timestamp int64, end bool) Message {
	typ := TypeCommandStartSession
	if end {
		typ = TypeCommandEndSession
	}
	return Message{Type: typ, Timestamp: timestamp}
}

// CommandTerminate asks the engine to shut down gracefully.
func CommandTerminate() Message {
	return Message{Type: TypeCommandTerminate}
}

// CommandStart submits a task for execution.
func CommandStart(t TaskLike) Message {
	return withTaskFields(Message{Type: TypeCommandStart}, t)
}

// StatusStart echoes a task's admission into a worker slot.
func StatusStart(t TaskLike) Message {
	return withTaskFields(Message{Type: TypeStatusStart}, t)
}

// StatusEnd reports a successful (exit code 0) task termination,
// optionally carrying captured stdout for benchmark tasks.
func StatusEnd(t TaskLike, output string) Message {
	m := withTaskFields(Message{Type: TypeStatusEnd}, t)
	m.Output = output
	return m
}

// StatusErr reports a failed task termination. errCode is the real
// exit code, or ErrorExpired for spawn failures / skipped tasks.
func StatusErr(t TaskLike, errCode int, output string) Message {
	m := withTaskFields(Message{Type: TypeStatusErr}, t)
	m.Error = &errCode
	m.Output = output
	return m
}

// StatusConnection builds the synthetic detected_lost / detected_restored
// message injected locally by the client transport; it is never sent
// on the wire.
func StatusConnection(timestamp int64, restored bool) Message {
	typ := TypeDetectedLost
	if restored {
		typ = TypeDetectedRestored
	}
	return Message{Type: typ, Timestamp: timestamp}
}

// StatusFinalized builds the synthetic detected_finalized message
// injected locally when a dangling peer's retry budget elapses.
func StatusFinalized(timestamp int64) Message {
	return Message{Type: TypeDetectedFinalized, Timestamp: timestamp}
}

// StatusReset builds a status_reset marker, written to an execution
// log when a restored engine reports that it wiped its prior state.
func StatusReset(timestamp int64) Message {
	return Message{Type: TypeStatusReset, Timestamp: timestamp}
}

// StatusGreet replies to a GREET with the engine's current session
// occupancy, optionally enriched with host stats.
func StatusGreet(timestamp int64, activeCount int, sessionActive bool, stats *HostStats) Message {
	return Message{
		Type:          TypeStatusGreet,
		Timestamp:     timestamp,
		ActiveCount:   activeCount,
		SessionActive: sessionActive,
		Stats:         stats,
	}
}
