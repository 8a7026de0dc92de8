// Package session keeps a single tracer in charge of ftrace at a time.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// DefaultLockFile is shared with the other ftrace based tools.
const DefaultLockFile = "/var/tmp/.ftrace-lock"

var (
	ErrLocked     = errors.New("ftrace is already in use")
	ErrPermission = errors.New("missing permissions for tracefs")
)

type Guard struct {
	path string
	held bool
}

// CheckPermissions verifies the caller may write kprobe_events.
func CheckPermissions(tracingDir string) error {
	path := filepath.Join(tracingDir, "kprobe_events")
	if err := unix.Access(path, unix.W_OK); err != nil {
		return fmt.Errorf("%w: %s: %v (run as root?)", ErrPermission, path, err)
	}
	return nil
}

// Acquire creates the lock file holding our pid. A lock left behind by a
// process that no longer exists is taken over.
func Acquire(path string) (*Guard, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file %s: %w", path, errors.Join(werr, cerr))
			}
			return &Guard{path: path, held: true}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}

		owner, alive := lockOwner(path)
		if alive {
			return nil, fmt.Errorf("%w by PID %d (lock file %s)", ErrLocked, owner, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock file %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("%w: lock file %s keeps reappearing", ErrLocked, path)
}

// lockOwner reads the pid in the lock file and reports whether it runs.
// An unreadable lock is treated as stale.
func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return pid, false
	}
	return pid, alive
}

// Release removes the lock file. Calling it again is a no-op.
func (g *Guard) Release() error {
	if g == nil || !g.held {
		return nil
	}
	g.held = false
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %s: %w", g.path, err)
	}
	return nil
}
