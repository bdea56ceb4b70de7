package execlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AlessioNetti/finj-go/internal/protocol"
)

func TestWriter_WritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "injection-test-127.0.0.1_30000.csv")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	errCode := -1
	if err := w.WriteEntry(Entry{Timestamp: 100, Type: protocol.TypeStatusErr, Args: "echo a;b|c", SeqNum: 3, Duration: 0, IsFault: true, Error: &errCode}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := w.WriteEntry(Entry{Timestamp: 101, Type: protocol.TypeStatusEnd, SeqNum: 4}); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines: %q", len(lines), lines)
	}
	if lines[0] != "timestamp;type;args;seqNum;duration;isFault;cores;error" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "|echo a;b||c|") {
		t.Errorf("expected quoted/escaped args field, got %q", lines[1])
	}
	if !strings.Contains(lines[2], ";None;") {
		t.Errorf("expected missing cores field as None, got %q", lines[2])
	}
}

func TestWriteOutput_SmallAndLarge(t *testing.T) {
	dir := t.TempDir()

	if err := WriteOutput(dir, "echo", 1, "hello"); err != nil {
		t.Fatalf("WriteOutput small: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "echo_1.log")); err != nil {
		t.Errorf("expected plain output file: %v", err)
	}

	big := strings.Repeat("x", gzipThreshold+1)
	if err := WriteOutput(dir, "echo", 2, big); err != nil {
		t.Fatalf("WriteOutput large: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "echo_2.log.gz")); err != nil {
		t.Errorf("expected gzipped output file: %v", err)
	}
}
