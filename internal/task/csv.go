package task

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/AlessioNetti/finj-go/internal/csvcodec"
)

// workloadFields is the fixed column order for workload CSVs: the
// alphabetical ordering of Task's field names, matching the Python
// original's `sorted(vars(Task()))`.
var workloadFields = []string{"args", "cores", "duration", "isFault", "seqNum", "timestamp"}

// Source is a lazy, finite, non-restartable sequence of Tasks read
// from a workload file, sorted by timestamp ascending per spec.md §6.3.
type Source interface {
	// Next returns the next Task, or io.EOF once exhausted.
	Next() (Task, error)
	Close() error
}

// CSVSource reads a workload CSV file in streaming fashion.
type CSVSource struct {
	f   *os.File
	sc  *bufio.Scanner
	cols map[string]int
}

// OpenCSVSource opens path and validates its header row against
// workloadFields.
func OpenCSVSource(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening workload %s: %w", path, err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		f.Close()
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading workload header: %w", err)
		}
		return nil, fmt.Errorf("workload %s has no header row", path)
	}
	header := csvcodec.SplitLine(sc.Text())
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[h] = i
	}
	for _, want := range workloadFields {
		if _, ok := cols[want]; !ok {
			f.Close()
			return nil, fmt.Errorf("workload %s missing column %q", path, want)
		}
	}

	return &CSVSource{f: f, sc: sc, cols: cols}, nil
}

// Next returns the next Task, or io.EOF when the file is exhausted.
func (s *CSVSource) Next() (Task, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return Task{}, fmt.Errorf("reading workload row: %w", err)
		}
		return Task{}, io.EOF
	}
	row := csvcodec.SplitLine(s.sc.Text())
	return taskFromRow(row, s.cols)
}

// Close releases the underlying file handle.
func (s *CSVSource) Close() error {
	return s.f.Close()
}

func taskFromRow(row []string, cols map[string]int) (Task, error) {
	get := func(name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return csvcodec.NoneValue
		}
		return row[idx]
	}

	var t Task
	t.Args = valueOrEmpty(get("args"))
	t.Cores = valueOr(get("cores"), CoresAll)

	dur, err := parseIntField(get("duration"), 0)
	if err != nil {
		return Task{}, fmt.Errorf("parsing duration: %w", err)
	}
	t.Duration = int(dur)

	seq, err := parseIntField(get("seqNum"), 0)
	if err != nil {
		return Task{}, fmt.Errorf("parsing seqNum: %w", err)
	}
	t.SeqNum = seq

	ts, err := parseIntField(get("timestamp"), 0)
	if err != nil {
		return Task{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	t.Timestamp = ts

	t.IsFault = strings.EqualFold(get("isFault"), "true")

	return t, nil
}

func parseIntField(s string, def int64) (int64, error) {
	if s == "" || s == csvcodec.NoneValue {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func valueOrEmpty(s string) string {
	if s == csvcodec.NoneValue {
		return ""
	}
	return s
}

func valueOr(s, fallback string) string {
	if s == "" || s == csvcodec.NoneValue {
		return fallback
	}
	return s
}

// CSVSink writes a workload CSV file; used by tests and by tooling
// that regenerates fixtures, never by the hard runtime path.
type CSVSink struct {
	f *os.File
	w *bufio.Writer
}

// CreateCSVSink creates path, truncating any existing file, and
// writes the header row.
func CreateCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating workload %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := csvcodec.WriteRow(w, workloadFields); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing workload header %s: %w", path, err)
	}
	return &CSVSink{f: f, w: w}, nil
}

// WriteTask appends one Task row.
func (s *CSVSink) WriteTask(t Task) error {
	row := []string{
		csvcodec.ValueOrNone(t.Args),
		csvcodec.ValueOrNone(t.Cores),
		strconv.Itoa(t.Duration),
		strconv.FormatBool(t.IsFault),
		strconv.FormatInt(t.SeqNum, 10),
		strconv.FormatInt(t.Timestamp, 10),
	}
	if err := csvcodec.WriteRow(s.w, row); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *CSVSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

