// Package config assembles the run configuration from flags, OPENSNOOP_*
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/supabase/opensnoop/internal/filter"
	"github.com/supabase/opensnoop/internal/session"
)

const (
	EnvPrefix       = "OPENSNOOP"
	ConfigName      = ".opensnoop"
	DefaultBufferKB = 4096
)

// Keys shared by the command flags, the environment and the config file.
const (
	KeyDuration    = "duration"
	KeyPID         = "pid"
	KeyTID         = "tid"
	KeyContainer   = "container"
	KeyName        = "name"
	KeyFile        = "file"
	KeyFailureOnly = "failed"
	KeyShowTime    = "timestamp"
	KeyQueue       = "queue"
	KeyJSON        = "json"
	KeyTracingDir  = "tracing-dir"
	KeyRulesFile   = "rules"
	KeyLockFile    = "lock-file"
	KeyBufferKB    = "buffer-kb"
	KeyVerbose     = "verbose"
	KeyDebug       = "debug"
	KeyLogFormat   = "log-format"
)

var (
	ErrExclusiveFilters = errors.New("only one of pid, tid, name and container may be set")
	ErrDuration         = errors.New("duration must not be negative")
)

type Mode string

const (
	ModeLive     Mode = "live"
	ModeBuffered Mode = "buffered"
)

type Config struct {
	Duration    time.Duration
	PID         int
	TID         int
	Container   string
	Name        string
	File        string
	FailureOnly bool
	ShowTime    bool
	Queue       bool
	JSON        bool
	TracingDir  string
	RulesFile   string
	LockFile    string
	BufferKB    int
	Verbose     bool
	Debug       bool
	LogFormat   string
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDuration, 0)
	v.SetDefault(KeyLockFile, session.DefaultLockFile)
	v.SetDefault(KeyBufferKB, DefaultBufferKB)
	v.SetDefault(KeyLogFormat, "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges the YAML config file into v. With an empty path the
// optional $HOME/.opensnoop.yaml is used when it exists.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(home)
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load reads the resolved settings out of v.
func Load(v *viper.Viper) *Config {
	return &Config{
		Duration:    time.Duration(v.GetInt(KeyDuration)) * time.Second,
		PID:         v.GetInt(KeyPID),
		TID:         v.GetInt(KeyTID),
		Container:   v.GetString(KeyContainer),
		Name:        v.GetString(KeyName),
		File:        v.GetString(KeyFile),
		FailureOnly: v.GetBool(KeyFailureOnly),
		ShowTime:    v.GetBool(KeyShowTime),
		Queue:       v.GetBool(KeyQueue),
		JSON:        v.GetBool(KeyJSON),
		TracingDir:  v.GetString(KeyTracingDir),
		RulesFile:   v.GetString(KeyRulesFile),
		LockFile:    v.GetString(KeyLockFile),
		BufferKB:    v.GetInt(KeyBufferKB),
		Verbose:     v.GetBool(KeyVerbose),
		Debug:       v.GetBool(KeyDebug),
		LogFormat:   v.GetString(KeyLogFormat),
	}
}

// Mode is buffered when a capture duration was given.
func (c *Config) Mode() Mode {
	if c.Duration > 0 {
		return ModeBuffered
	}
	return ModeLive
}

// Validate rejects inconsistent settings before any probe is touched.
func (c *Config) Validate() error {
	set := 0
	for _, on := range []bool{c.PID != 0, c.TID != 0, c.Name != "", c.Container != ""} {
		if on {
			set++
		}
	}
	if set > 1 {
		return ErrExclusiveFilters
	}

	if c.Duration < 0 {
		return ErrDuration
	}
	if c.PID < 0 {
		return fmt.Errorf("invalid pid %d", c.PID)
	}
	if c.TID < 0 {
		return fmt.Errorf("invalid tid %d", c.TID)
	}
	if c.BufferKB <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d KB", c.BufferKB)
	}

	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("unknown log format %q (want text, json or logfmt)", c.LogFormat)
	}
	return nil
}

// FilterSpec returns the user space filters of the run.
func (c *Config) FilterSpec() filter.Spec {
	return filter.Spec{
		Name:        c.Name,
		File:        c.File,
		FailureOnly: c.FailureOnly,
	}
}
