package execlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// gzipThreshold is the captured-output size above which the file is
// stored gzip-compressed instead of plain text (SPEC_FULL.md §4).
const gzipThreshold = 4 * 1024

// WriteOutput persists a task's captured stdout to
// <outputDir>/<basename>_<seqNum>.log, gzip-compressing it (with a
// ".gz" suffix) when it exceeds gzipThreshold bytes.
func WriteOutput(outputDir, basename string, seqNum int64, output string) error {
	if output == "" {
		return nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("execlog: creating output dir %s: %w", outputDir, err)
	}

	name := fmt.Sprintf("%s_%d.log", basename, seqNum)
	path := filepath.Join(outputDir, name)

	if len(output) <= gzipThreshold {
		return os.WriteFile(path, []byte(output), 0o644)
	}

	f, err := os.Create(path + ".gz")
	if err != nil {
		return fmt.Errorf("execlog: creating %s.gz: %w", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(output)); err != nil {
		gz.Close()
		return fmt.Errorf("execlog: writing gzip output: %w", err)
	}
	return gz.Close()
}
