package rules

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultRulesYAML []byte

type PathEvent struct {
	Function string `yaml:"function"`
	Argument string `yaml:"argument"`

	function *regexp.Regexp
	argument *regexp.Regexp
}

type ExitEvent struct {
	Syscalls []string `yaml:"syscalls"`
}

type HeaderConfig struct {
	TaskPrefix  string `yaml:"task_prefix"`
	LongColumns int    `yaml:"long_columns"`
}

// ProbeConfig describes the kernel instrumentation the grammar expects.
type ProbeConfig struct {
	Name          string   `yaml:"name"`
	Definition    string   `yaml:"definition"`
	SyscallEvents []string `yaml:"syscall_events"`
}

type Rules struct {
	PathEvent   PathEvent    `yaml:"path_event"`
	ExitEvent   ExitEvent    `yaml:"exit_event"`
	Failure     string       `yaml:"failure"`
	Header      HeaderConfig `yaml:"header"`
	LostMarkers []string     `yaml:"lost_markers"`
	Probe       ProbeConfig  `yaml:"probe"`

	failure  *regexp.Regexp
	syscalls map[string]bool
}

func LoadFromYAML(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, err
	}

	if rules.PathEvent.Function == "" {
		return nil, fmt.Errorf("path_event.function is required")
	}
	compiled, err := regexp.Compile(rules.PathEvent.Function)
	if err != nil {
		return nil, fmt.Errorf("path_event.function: %w", err)
	}
	rules.PathEvent.function = compiled

	compiled, err = regexp.Compile(rules.PathEvent.Argument)
	if err != nil {
		return nil, fmt.Errorf("path_event.argument: %w", err)
	}
	if compiled.NumSubexp() != 1 {
		return nil, fmt.Errorf("path_event.argument must have exactly one capture group, got %d", compiled.NumSubexp())
	}
	rules.PathEvent.argument = compiled

	if len(rules.ExitEvent.Syscalls) == 0 {
		return nil, fmt.Errorf("exit_event.syscalls is required")
	}
	rules.syscalls = make(map[string]bool, len(rules.ExitEvent.Syscalls))
	for _, name := range rules.ExitEvent.Syscalls {
		rules.syscalls[name] = true
	}

	compiled, err = regexp.Compile(rules.Failure)
	if err != nil {
		return nil, fmt.Errorf("failure: %w", err)
	}
	rules.failure = compiled

	if rules.Header.TaskPrefix == "" {
		rules.Header.TaskPrefix = "TASK"
	}
	if rules.Header.LongColumns == 0 {
		rules.Header.LongColumns = 6
	}

	return &rules, nil
}

// Default returns the embedded grammar. It panics if the embedded file is
// broken, which only a bad build can cause.
func Default() *Rules {
	r, err := LoadFromYAML(DefaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("rules: embedded default.yaml: %v", err))
	}
	return r
}

// IsPathFunction reports whether a field holds the probed function's identifier.
func (r *Rules) IsPathFunction(field string) bool {
	return r.PathEvent.function.MatchString(field)
}

// PathArgument extracts the quoted path argument from a raw line.
func (r *Rules) PathArgument(line string) (string, bool) {
	m := r.PathEvent.argument.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (r *Rules) IsSyscall(field string) bool {
	return r.syscalls[field]
}

// IsFailure reports whether a return value token is the kernel's negative
// value sentinel.
func (r *Rules) IsFailure(token string) bool {
	return r.failure.MatchString(token)
}

// IsLost reports whether a line carries every lost-events marker.
func (r *Rules) IsLost(line string) bool {
	if len(r.LostMarkers) == 0 {
		return false
	}
	for _, marker := range r.LostMarkers {
		if !strings.Contains(line, marker) {
			return false
		}
	}
	return true
}
