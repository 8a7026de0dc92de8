package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/supabase/opensnoop/internal/config"
	"github.com/supabase/opensnoop/internal/session"
)

var (
	version = "dev"
)

var flagConfig string

// v holds the settings bound to the flags below.
var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "opensnoop [flags] [filename]",
	Short: "Trace open() syscalls with ftrace",
	Long: `opensnoop - Trace open() syscalls and show the file, process and result

Uses ftrace (a kretprobe on getname and the open syscall exit tracepoints)
to print one line per open: process name, PID, file descriptor (-1 for
failures) and the path that was opened. Requires root.

By default events are streamed live until Ctrl-C. With -d the events are
captured into the trace buffer for the given number of seconds and then
printed at once, which has less overhead.
`,
	Example: `  # Trace all open()s live
  opensnoop

  # Trace for 2 seconds, buffered, with timestamps
  opensnoop -t -d 2

  # Only failed open()s of process 181
  opensnoop -x -p 181

  # Files ending in .conf opened by postgres
  opensnoop -n postgres '\.conf$'

  # Opens inside a docker container, as JSON lines
  opensnoop --container db --json
`,
	Args:         cobra.MaximumNArgs(1),
	RunE:         runSnoop,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagConfig, "config", "", "config file (default is $HOME/.opensnoop.yaml)")
	flags.IntP(config.KeyDuration, "d", 0, "duration to trace in seconds (buffered mode)")
	flags.IntP(config.KeyPID, "p", 0, "trace this PID only")
	flags.IntP(config.KeyTID, "L", 0, "trace this thread ID only")
	flags.StringP(config.KeyName, "n", "", "only show processes whose name matches this pattern")
	flags.String(config.KeyContainer, "", "trace the init process of this docker container")
	flags.BoolP(config.KeyFailureOnly, "x", false, "only show failed opens")
	flags.BoolP(config.KeyShowTime, "t", false, "include timestamps")
	flags.Bool(config.KeyQueue, false, "keep every pending path per PID instead of only the latest")
	flags.Bool(config.KeyJSON, false, "output records as JSON lines")
	flags.String(config.KeyTracingDir, "", "tracefs mount (default /sys/kernel/tracing, then /sys/kernel/debug/tracing)")
	flags.String(config.KeyRulesFile, "", "custom trace grammar rules YAML file")
	flags.String(config.KeyLockFile, session.DefaultLockFile, "lock file shared by ftrace tools")
	flags.Int(config.KeyBufferKB, config.DefaultBufferKB, "trace buffer size per CPU in KB (buffered mode)")
	flags.BoolP(config.KeyVerbose, "v", false, "verbose diagnostics on stderr")
	flags.Bool(config.KeyDebug, false, "debug diagnostics on stderr")
	flags.String(config.KeyLogFormat, "text", "diagnostics format: text, json or logfmt")
	flags.SortFlags = false

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
