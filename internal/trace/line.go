package trace

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/supabase/opensnoop/internal/rules"
)

type Kind int

const (
	// KindOther is a line that is neither a comment nor a task event.
	KindOther Kind = iota
	KindHeader
	KindComment
	KindLost
	KindPathResolution
	KindSyscallExit
	// KindEvent is a task event line of no interest to the correlator.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindComment:
		return "comment"
	case KindLost:
		return "lost"
	case KindPathResolution:
		return "path-resolution"
	case KindSyscallExit:
		return "syscall-exit"
	case KindEvent:
		return "event"
	default:
		return "other"
	}
}

// Field positions before the offset is applied.
const (
	fieldTimestamp = 3
	fieldSyscall   = 4
	fieldFunction  = 5
)

// taskPattern matches the task-pid token up to the CPU column. The lazy
// name group stops at the dash right before the pid, so the split happens
// at the last separator of names like "kworker/u8:2-ev".
var taskPattern = regexp.MustCompile(`^\s*(.*?)-(\d+)\s+\[\d+\]`)

type Line struct {
	Kind Kind
	Raw  string
	// Fields are whitespace separated; Fields[0] is the task-pid token
	// for event lines.
	Fields []string
	Comm   string
	PID    int
	// Path is set for KindPathResolution.
	Path string

	offset int
}

// Field returns the 1-based field n, or "" when the line is shorter.
func (l Line) Field(n int) string {
	if n < 1 || n > len(l.Fields) {
		return ""
	}
	return l.Fields[n-1]
}

func (l Line) IsEvent() bool {
	return l.Kind == KindPathResolution || l.Kind == KindSyscallExit || l.Kind == KindEvent
}

// Timestamp returns the event time with its trailing colon removed.
func (l Line) Timestamp() string {
	return strings.TrimSuffix(l.Field(fieldTimestamp+l.offset), ":")
}

// ReturnValue is the final field of a syscall exit line.
func (l Line) ReturnValue() string {
	if len(l.Fields) == 0 {
		return ""
	}
	return l.Fields[len(l.Fields)-1]
}

type Classifier struct {
	rules *rules.Rules
}

func NewClassifier(r *rules.Rules) *Classifier {
	return &Classifier{rules: r}
}

// Classify parses raw using the field offset of the current run.
func (c *Classifier) Classify(raw string, offset int) Line {
	line := Line{Raw: raw, offset: offset}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "#") {
		line.Fields = strings.Fields(trimmed)
		if c.rules.IsLost(raw) {
			line.Kind = KindLost
			return line
		}
		line.Kind = KindComment
		for _, f := range line.Fields {
			if strings.HasPrefix(f, c.rules.Header.TaskPrefix) {
				line.Kind = KindHeader
				break
			}
		}
		return line
	}

	m := taskPattern.FindStringSubmatchIndex(raw)
	if m == nil {
		line.Fields = strings.Fields(trimmed)
		if c.rules.IsLost(raw) {
			line.Kind = KindLost
		}
		return line
	}

	pid, err := strconv.Atoi(raw[m[4]:m[5]])
	if err != nil {
		return line
	}
	line.Comm = raw[m[2]:m[3]]
	line.PID = pid
	line.Fields = append([]string{strings.TrimSpace(raw[m[0]:m[5]])}, strings.Fields(raw[m[5]:])...)
	line.Kind = KindEvent

	switch {
	case c.rules.IsSyscall(line.Field(fieldSyscall + offset)):
		line.Kind = KindSyscallExit
	case c.rules.IsPathFunction(line.Field(fieldFunction + offset)):
		if path, ok := c.rules.PathArgument(raw); ok {
			line.Kind = KindPathResolution
			line.Path = path
		}
	}
	return line
}
