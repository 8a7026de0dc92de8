// Package filter decides which lines and records survive a run.
//
// Process name filtering happens per line, before a path-resolution event
// is remembered, so an unmatched process never contributes pending state.
// File and failure filtering happen per record. Pid and tid filtering is
// done kernel side; see KernelExpression.
package filter

import (
	"fmt"
	"regexp"

	"github.com/supabase/opensnoop/internal/trace"
)

type Spec struct {
	Name        string
	File        string
	FailureOnly bool
}

type Engine struct {
	name        *regexp.Regexp
	file        *regexp.Regexp
	failureOnly bool
}

// New compiles the patterns of spec. Patterns are case sensitive regular
// expressions, so a plain string is a substring match.
func New(spec Spec) (*Engine, error) {
	e := &Engine{failureOnly: spec.FailureOnly}

	if spec.Name != "" {
		compiled, err := regexp.Compile(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid process name pattern %q: %w", spec.Name, err)
		}
		e.name = compiled
	}

	if spec.File != "" {
		compiled, err := regexp.Compile(spec.File)
		if err != nil {
			return nil, fmt.Errorf("invalid file pattern %q: %w", spec.File, err)
		}
		e.file = compiled
	}

	return e, nil
}

// MatchProcess reports whether an event line of process comm is kept.
func (e *Engine) MatchProcess(comm string) bool {
	return e.name == nil || e.name.MatchString(comm)
}

// Accept reports whether a candidate record is emitted.
func (e *Engine) Accept(rec trace.OpenRecord) bool {
	if e.file != nil && !e.file.MatchString(rec.Path) {
		return false
	}
	if e.failureOnly && !rec.Failed() {
		return false
	}
	return true
}
