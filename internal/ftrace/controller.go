// Package ftrace manages the kernel instrumentation behind opensnoop: a
// kretprobe installed through kprobe_events, the open syscall exit
// tracepoints, their filters and the trace buffer.
//
// Every access goes through an afero.Fs rooted at the tracefs mount, so the
// controller runs unchanged against an in-memory tree in tests.
package ftrace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

var (
	ErrNoTracefs       = errors.New("tracefs not found")
	ErrNoSyscallEvents = errors.New("no open syscall exit tracepoint available")
	ErrUnsupported     = errors.New("ftrace is only supported on Linux")
)

const (
	kprobeEvents = "kprobe_events"
	traceFile    = "trace"
	tracePipe    = "trace_pipe"
	bufferSizeKB = "buffer_size_kb"

	kprobeGroup  = "kprobes"
	syscallGroup = "syscalls"
)

// ProbeSpec names the kretprobe to install and the syscall exit
// tracepoints to enable alongside it.
type ProbeSpec struct {
	Name          string
	Definition    string
	SyscallEvents []string
}

type Controller struct {
	fs  afero.Fs
	log *log.Logger

	kprobes  []string
	enabled  []string
	filtered []string
}

func New(fs afero.Fs, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Controller{fs: fs, log: logger}
}

// Open returns a controller over the tracefs mount found by Locate.
func Open(dir string, logger *log.Logger) (*Controller, string, error) {
	found, err := Locate(dir)
	if err != nil {
		return nil, "", err
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), found), logger), found, nil
}

// Install adds the kretprobe and returns the events to enable: the probe
// itself followed by every syscall exit tracepoint this kernel has.
func (c *Controller) Install(spec ProbeSpec) ([]string, error) {
	var syscalls []string
	for _, name := range spec.SyscallEvents {
		event := syscallGroup + "/" + name
		exists, err := afero.DirExists(c.fs, eventDir(event))
		if err != nil {
			return nil, fmt.Errorf("failed to check tracepoint %s: %w", event, err)
		}
		if !exists {
			c.log.Debug("Skipping missing tracepoint", "event", event)
			continue
		}
		syscalls = append(syscalls, event)
	}
	if len(syscalls) == 0 {
		return nil, fmt.Errorf("%w: tried %s", ErrNoSyscallEvents, strings.Join(spec.SyscallEvents, ", "))
	}

	if err := c.appendLine(kprobeEvents, spec.Definition); err != nil {
		return nil, fmt.Errorf("failed to add kprobe %s (already exists?): %w", spec.Name, err)
	}
	c.kprobes = append(c.kprobes, spec.Name)
	c.log.Info("Installed kprobe", "definition", spec.Definition)

	return append([]string{kprobeGroup + "/" + spec.Name}, syscalls...), nil
}

// Enable turns on an event given as "group/name".
func (c *Controller) Enable(event string) error {
	if err := c.write(filepath.Join(eventDir(event), "enable"), "1"); err != nil {
		return fmt.Errorf("failed to enable %s: %w", event, err)
	}
	c.enabled = append(c.enabled, event)
	c.log.Debug("Enabled event", "event", event)
	return nil
}

func (c *Controller) Disable(event string) error {
	if err := c.write(filepath.Join(eventDir(event), "enable"), "0"); err != nil {
		return fmt.Errorf("failed to disable %s: %w", event, err)
	}
	c.enabled = remove(c.enabled, event)
	return nil
}

// SetFilter installs an ftrace filter expression on an event.
func (c *Controller) SetFilter(event, expr string) error {
	if err := c.write(filepath.Join(eventDir(event), "filter"), expr); err != nil {
		return fmt.Errorf("failed to set filter on %s: %w", event, err)
	}
	c.filtered = append(c.filtered, event)
	c.log.Debug("Set event filter", "event", event, "filter", expr)
	return nil
}

func (c *Controller) clearFilter(event string) error {
	if err := c.write(filepath.Join(eventDir(event), "filter"), "0"); err != nil {
		return fmt.Errorf("failed to clear filter on %s: %w", event, err)
	}
	c.filtered = remove(c.filtered, event)
	return nil
}

// Remove deletes a kprobe added by Install. Its event must be disabled.
func (c *Controller) Remove(name string) error {
	if err := c.appendLine(kprobeEvents, "-:"+name); err != nil {
		return fmt.Errorf("failed to remove kprobe %s: %w", name, err)
	}
	c.kprobes = remove(c.kprobes, name)
	return nil
}

func (c *Controller) SetBufferSize(kb int) error {
	if err := c.write(bufferSizeKB, strconv.Itoa(kb)); err != nil {
		return fmt.Errorf("failed to set trace buffer size: %w", err)
	}
	return nil
}

// Clear empties the trace buffer.
func (c *Controller) Clear() error {
	f, err := c.fs.OpenFile(traceFile, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("failed to clear trace buffer: %w", err)
	}
	return f.Close()
}

// Teardown undoes everything this controller did, in reverse order. It is
// safe to call more than once.
func (c *Controller) Teardown() error {
	var errs []error

	enabled := append([]string(nil), c.enabled...)
	for i := len(enabled) - 1; i >= 0; i-- {
		if err := c.Disable(enabled[i]); err != nil {
			errs = append(errs, err)
		}
	}
	filtered := append([]string(nil), c.filtered...)
	for i := len(filtered) - 1; i >= 0; i-- {
		if err := c.clearFilter(filtered[i]); err != nil {
			errs = append(errs, err)
		}
	}
	kprobes := append([]string(nil), c.kprobes...)
	for i := len(kprobes) - 1; i >= 0; i-- {
		if err := c.Remove(kprobes[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Clear(); err != nil {
		errs = append(errs, err)
	}

	// Failed steps are not retried.
	c.enabled, c.filtered, c.kprobes = nil, nil, nil
	return errors.Join(errs...)
}

// Live opens the unbounded event stream: the header of the trace file
// followed by trace_pipe. The stream is closed when ctx is done.
func (c *Controller) Live(ctx context.Context) (io.ReadCloser, error) {
	header, err := c.header()
	if err != nil {
		return nil, err
	}

	pipe, err := c.fs.Open(tracePipe)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace pipe: %w", err)
	}

	s := &stream{
		Reader: io.MultiReader(strings.NewReader(header), pipe),
		closer: pipe,
		done:   make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Snapshot waits for d, or until ctx is done, and then opens the trace
// file holding everything captured so far.
func (c *Controller) Snapshot(ctx context.Context, d time.Duration) (io.ReadCloser, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		c.log.Info("Capture interrupted, reading events so far")
	}

	f, err := c.fs.Open(traceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	return f, nil
}

// header returns the leading comment lines of the trace file.
func (c *Controller) header() (string, error) {
	f, err := c.fs.Open(traceFile)
	if err != nil {
		return "", fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "#") {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read trace header: %w", err)
	}
	return b.String(), nil
}

func (c *Controller) write(name, value string) error {
	f, err := c.fs.OpenFile(name, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (c *Controller) appendLine(name, value string) error {
	f, err := c.fs.OpenFile(name, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type stream struct {
	io.Reader
	closer io.Closer
	once   sync.Once
	done   chan struct{}
	err    error
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.closer.Close()
	})
	return s.err
}

func eventDir(event string) string {
	return filepath.Join("events", filepath.FromSlash(event))
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
