// Package protocol implements the wire protocol exchanged between the
// fault-injection controller and its engines: a length-prefixed frame
// carrying a two-part sequence number and a tagged JSON payload.
package protocol

// Type identifies the kind of a Message. ReadFrame does not check the
// value against the constants below; a receiver logs and ignores a
// type it does not handle.
type Type string

const (
	TypeAckYes Type = "ack_yes"
	TypeAckNo  Type = "ack_no"

	TypeCommandStartSession  Type = "command_session_s"
	TypeCommandEndSession    Type = "command_session_e"
	TypeCommandSetTime       Type = "command_set_time"
	TypeCommandCorrectTime   Type = "command_correct_time"
	TypeCommandStart         Type = "command_start"
	TypeCommandTerminate     Type = "command_term"
	TypeCommandGreet         Type = "command_greet"

	TypeStatusStart   Type = "status_start"
	TypeStatusRestart Type = "status_restart"
	TypeStatusEnd     Type = "status_end"
	TypeStatusErr     Type = "status_err"
	TypeStatusGreet   Type = "status_greet"
	TypeStatusReset   Type = "status_reset"

	// TypeDetectedLost and TypeDetectedRestored never travel over the
	// wire. The client transport synthesizes them locally and injects
	// them into the inbound queue so upper layers observe connection
	// state changes in the same order as everything else.
	TypeDetectedLost      Type = "detected_lost"
	TypeDetectedRestored  Type = "detected_restored"
	TypeDetectedFinalized Type = "detected_finalized"
)

// ErrorReset is the sentinel value carried in Message.Error on an
// ack_yes that signals the engine wiped its prior session state
// before accepting this one.
const ErrorReset = -1

// ErrorExpired is the sentinel value carried in Message.Error on a
// status_err emitted for a task that was skipped because its
// scheduled start had already elapsed, or that failed to spawn.
const ErrorExpired = -1

// HostStats is an optional, additive payload embedded in
// status_greet replies. Older peers that do not understand the field
// simply ignore it, per the wire contract's forward-compatibility
// design.
type HostStats struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemPercent  float64 `json:"memPercent"`
	LoadAvg1    float64 `json:"loadAvg1"`
	DiskFreeMB  uint64  `json:"diskFreeMb"`
}

// Message is the tagged record exchanged between controller and
// engine. Not every field is meaningful for every Type; see the
// doc comments on each constructor in builder.go for the subset used
// by each message kind.
type Message struct {
	Type Type `json:"type"`

	Timestamp int64 `json:"timestamp,omitempty"`

	// Task fields, present on command_start / status_start / status_restart / status_end / status_err.
	Args     string `json:"args,omitempty"`
	Duration int    `json:"duration,omitempty"`
	SeqNum   int64  `json:"seqNum,omitempty"`
	IsFault  bool   `json:"isFault,omitempty"`
	Cores    string `json:"cores,omitempty"`

	// Error carries an exit code (status_err), or the reset/expired sentinel (-1) on ack_yes / status_err.
	Error *int `json:"error,omitempty"`

	// Output carries captured stdout, optionally, on status_end / status_err for benchmark tasks.
	Output string `json:"output,omitempty"`

	// Fields used only by status_greet.
	ActiveCount      int        `json:"activeCount,omitempty"`
	SessionActive    bool       `json:"sessionActive,omitempty"`
	Stats            *HostStats `json:"stats,omitempty"`

	// Data is never serialized; no constructor in this package sets it.
	Data any `json:"-"`
}
