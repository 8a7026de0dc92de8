//go:build linux

package ftrace

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var tracefsCandidates = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// Locate returns the tracefs mount to use. An explicit dir only has to
// contain kprobe_events; the default candidates must also be a tracefs or
// debugfs mount.
func Locate(dir string) (string, error) {
	if dir != "" {
		if _, err := os.Stat(filepath.Join(dir, kprobeEvents)); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNoTracefs, dir, err)
		}
		return dir, nil
	}

	for _, candidate := range tracefsCandidates {
		if !isTracefs(candidate) {
			continue
		}
		if _, err := os.Stat(filepath.Join(candidate, kprobeEvents)); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v (is tracefs mounted and CONFIG_KPROBE_EVENTS set?)", ErrNoTracefs, tracefsCandidates)
}

func isTracefs(dir string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false
	}
	return st.Type == unix.TRACEFS_MAGIC || st.Type == unix.DEBUGFS_MAGIC
}
