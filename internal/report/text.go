package report

import (
	"fmt"
	"io"

	"github.com/supabase/opensnoop/internal/trace"
)

type Text struct {
	w        io.Writer
	diag     io.Writer
	showTime bool
}

// NewText writes fixed width columns to w and warnings to diag.
func NewText(w, diag io.Writer, showTime bool) *Text {
	return &Text{w: w, diag: diag, showTime: showTime}
}

func (t *Text) WriteHeader() error {
	if t.showTime {
		if _, err := fmt.Fprintf(t.w, "%-16s ", "TIMEs"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(t.w, "%-16.16s %-6s %4s %s\n", "COMM", "PID", "FD", "FILE")
	return err
}

// Emit writes one record as a single line.
func (t *Text) Emit(rec trace.OpenRecord) error {
	line := fmt.Sprintf("%-16.16s %-6d %4d %s\n", rec.Comm, rec.PID, rec.FD, rec.Path)
	if t.showTime {
		line = fmt.Sprintf("%-16s ", rec.Time) + line
	}
	_, err := io.WriteString(t.w, line)
	return err
}

func (t *Text) Warn(line string) error {
	return warn(t.diag, line)
}

func warn(w io.Writer, line string) error {
	_, err := fmt.Fprintf(w, "WARNING: %s\n", line)
	return err
}
