// Package report formats accepted open records.
package report

import (
	"fmt"
	"io"

	"github.com/supabase/opensnoop/internal/trace"
)

type Writer interface {
	WriteHeader() error
	Emit(rec trace.OpenRecord) error
	Warn(line string) error
}

const (
	FormatText = "text"
	FormatJSON = "json"
)

func New(format string, w, diag io.Writer, showTime bool) (Writer, error) {
	switch format {
	case "", FormatText:
		return NewText(w, diag, showTime), nil
	case FormatJSON:
		return NewJSON(w, diag), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}
