// Package execlog writes the per-host execution log and per-task
// captured-output files the controller produces while injecting or
// listening, per spec.md §4.8 and §6.4.
package execlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/AlessioNetti/finj-go/internal/csvcodec"
	"github.com/AlessioNetti/finj-go/internal/protocol"
)

var columns = []string{"timestamp", "type", "args", "seqNum", "duration", "isFault", "cores", "error"}

// Entry is one row of the execution log.
type Entry struct {
	Timestamp int64
	Type      protocol.Type
	Args      string
	SeqNum    int64
	Duration  int
	IsFault   bool
	Cores     string
	Error     *int
}

// EntryFromMessage maps a wire message onto an execution-log row. Only
// the fixed column set in spec.md §4.8 survives; fields like Output
// are dropped here (they go to a separate per-task output file).
func EntryFromMessage(msg *protocol.Message) Entry {
	return Entry{
		Timestamp: msg.Timestamp,
		Type:      msg.Type,
		Args:      msg.Args,
		SeqNum:    msg.SeqNum,
		Duration:  msg.Duration,
		IsFault:   msg.IsFault,
		Cores:     msg.Cores,
		Error:     msg.Error,
	}
}

// Writer appends Entry rows to a CSV file, flushing after every row so
// the log survives a crash mid-session.
type Writer struct {
	f           *os.File
	w           *bufio.Writer
	wroteHeader bool
}

// Create opens path for appending a fresh execution log, writing the
// header row immediately.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("execlog: creating %s: %w", path, err)
	}
	w := &Writer{f: f, w: bufio.NewWriter(f)}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	if err := csvcodec.WriteRow(w.w, columns); err != nil {
		return err
	}
	w.wroteHeader = true
	return w.w.Flush()
}

// WriteEntry appends e and flushes immediately.
func (w *Writer) WriteEntry(e Entry) error {
	row := []string{
		strconv.FormatInt(e.Timestamp, 10),
		string(e.Type),
		csvcodec.ValueOrNone(e.Args),
		strconv.FormatInt(e.SeqNum, 10),
		strconv.Itoa(e.Duration),
		strconv.FormatBool(e.IsFault),
		csvcodec.ValueOrNone(e.Cores),
		errOrNone(e.Error),
	}
	if err := csvcodec.WriteRow(w.w, row); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func errOrNone(e *int) string {
	if e == nil {
		return csvcodec.NoneValue
	}
	return strconv.Itoa(*e)
}
