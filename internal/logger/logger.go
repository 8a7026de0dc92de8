package logger

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Setup returns the diagnostics logger. Output is discarded unless verbose
// or debug is set; records never go through it.
func Setup(verbose, debug bool, format string) *log.Logger {
	return newLogger(os.Stderr, verbose, debug, format)
}

func newLogger(w io.Writer, verbose, debug bool, format string) *log.Logger {
	var output io.Writer = io.Discard
	var level log.Level = log.InfoLevel

	if debug {
		output = w
		level = log.DebugLevel
	} else if verbose {
		output = w
	}

	logger := log.NewWithOptions(output, log.Options{
		Level:           level,
		Prefix:          "opensnoop",
		ReportTimestamp: debug || format == "json" || format == "logfmt",
	})

	switch format {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	}

	return logger
}
