// Package csvcodec implements the one non-standard CSV dialect spec.md
// §6.3/§6.4 requires for both the workload file and the execution log:
// ';' delimiter, '|' quote. encoding/csv hardcodes '"' as its quote
// rune and offers no way to override it, so both internal/task and
// internal/execlog shared a hand-rolled copy of this codec before
// being factored down to this single implementation (see DESIGN.md).
package csvcodec

import (
	"bufio"
	"strings"
)

const (
	Delimiter = ';'
	Quote     = '|'
	// NoneValue is written for a missing field, matching the Python
	// original's None-as-string convention.
	NoneValue = "None"
)

// ValueOrNone returns NoneValue for an empty field, s otherwise.
func ValueOrNone(s string) string {
	if s == "" {
		return NoneValue
	}
	return s
}

// EncodeField quotes a field with Quote whenever it contains the
// delimiter, the quote character itself, or a newline; a quote
// character inside a quoted field is escaped by doubling it.
func EncodeField(s string) string {
	if !strings.ContainsAny(s, string(Delimiter)+string(Quote)+"\n") {
		return s
	}
	var b strings.Builder
	b.WriteByte(Quote)
	for _, r := range s {
		if r == Quote {
			b.WriteByte(Quote)
		}
		b.WriteRune(r)
	}
	b.WriteByte(Quote)
	return b.String()
}

// WriteRow writes fields delimiter-joined and newline-terminated.
func WriteRow(w *bufio.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.WriteByte(Delimiter); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(EncodeField(f)); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

// SplitLine parses one line written by WriteRow/EncodeField: a quote
// character doubled inside a quoted field is an escaped literal quote.
func SplitLine(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inQuotes:
			if c == Quote {
				if i+1 < len(runes) && runes[i+1] == Quote {
					cur.WriteRune(Quote)
					i++
				} else {
					inQuotes = false
				}
			} else {
				cur.WriteRune(c)
			}
		case c == Quote && cur.Len() == 0:
			inQuotes = true
		case c == Delimiter:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
