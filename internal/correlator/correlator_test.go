package correlator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/supabase/opensnoop/internal/filter"
	"github.com/supabase/opensnoop/internal/trace"
)

const (
	header     = "#           TASK-PID   CPU#  ||||    TIMESTAMP  FUNCTION"
	shortFmtHd = "#           TASK-PID    CPU#    TIMESTAMP  FUNCTION"
)

func pathLine(comm string, pid int, path string) string {
	return fmt.Sprintf(`  %s-%d [001] d... 100.000100: getnameprobe: (do_sys_open+0xc3/0x220 <- getname) arg1="%s"`, comm, pid, path)
}

func exitLine(comm string, pid int, ts, ret string) string {
	return fmt.Sprintf("  %s-%d [001] .... %s: sys_open -> %s", comm, pid, ts, ret)
}

type recorder struct {
	mu       sync.Mutex
	records  []trace.OpenRecord
	warnings []string
	emitted  chan struct{}
	err      error
}

func newRecorder() *recorder {
	return &recorder{emitted: make(chan struct{}, 100)}
}

func (r *recorder) Emit(rec trace.OpenRecord) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	r.emitted <- struct{}{}
	return nil
}

func (r *recorder) Warn(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, line)
	return nil
}

func (r *recorder) snapshot() []trace.OpenRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trace.OpenRecord(nil), r.records...)
}

func mustFilter(t *testing.T, spec filter.Spec) *filter.Engine {
	t.Helper()
	f, err := filter.New(spec)
	if err != nil {
		t.Fatalf("filter.New() error = %v", err)
	}
	return f
}

func TestSuccessAndFailure(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	err := c.ProcessLines([]string{
		header,
		pathLine("foo", 123, "/etc/passwd"),
		exitLine("foo", 123, "100.000200", "0x3"),
		pathLine("foo", 123, "/etc/shadow"),
		exitLine("foo", 123, "100.000300", "0xfffffffe"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	want := []trace.OpenRecord{
		{Comm: "foo", PID: 123, FD: 3, Path: "/etc/passwd"},
		{Comm: "foo", PID: 123, FD: -1, Path: "/etc/shadow"},
	}
	assertRecords(t, rec.snapshot(), want)

	if c.Offset() != 1 {
		t.Errorf("expected offset 1, got %d", c.Offset())
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending paths, got %d", c.Pending())
	}
}

func TestShortFormat(t *testing.T) {
	rec := newRecorder()
	c := New(Options{ShowTime: true}, rec)

	err := c.ProcessLines([]string{
		"# tracer: nop",
		shortFmtHd,
		`  cat-26840 [000] 8523.129626: getnameprobe: (do_sys_open+0xc3/0x220 <- getname) arg1="/etc/ld.so.cache"`,
		`  cat-26840 [000] 8523.129640: sys_open -> 0x3`,
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{
		{Time: "8523.129640", Comm: "cat", PID: 26840, FD: 3, Path: "/etc/ld.so.cache"},
	})
}

func TestMissingPendingPath(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	if err := c.ProcessLines([]string{header, exitLine("cat", 7, "1.0", "0x4")}); err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{{Comm: "cat", PID: 7, FD: 4}})
}

func TestOverwritePendingPath(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	err := c.ProcessLines([]string{
		header,
		pathLine("cat", 7, "/first"),
		pathLine("cat", 7, "/second"),
		exitLine("cat", 7, "1.0", "0x3"),
		exitLine("cat", 7, "1.1", "0x4"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{
		{Comm: "cat", PID: 7, FD: 3, Path: "/second"},
		{Comm: "cat", PID: 7, FD: 4, Path: ""},
	})
}

func TestQueuePendingPaths(t *testing.T) {
	rec := newRecorder()
	c := New(Options{Queue: true}, rec)

	err := c.ProcessLines([]string{
		header,
		pathLine("cat", 7, "/first"),
		pathLine("cat", 7, "/second"),
		exitLine("cat", 7, "1.0", "0x3"),
		exitLine("cat", 7, "1.1", "0x4"),
		exitLine("cat", 7, "1.2", "0x5"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{
		{Comm: "cat", PID: 7, FD: 3, Path: "/first"},
		{Comm: "cat", PID: 7, FD: 4, Path: "/second"},
		{Comm: "cat", PID: 7, FD: 5, Path: ""},
	})
}

func TestInterleavedProcesses(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	err := c.ProcessLines([]string{
		header,
		pathLine("cat", 1, "/a"),
		pathLine("ls", 2, "/b"),
		exitLine("ls", 2, "1.0", "0x3"),
		exitLine("cat", 1, "1.1", "0x5"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{
		{Comm: "ls", PID: 2, FD: 3, Path: "/b"},
		{Comm: "cat", PID: 1, FD: 5, Path: "/a"},
	})
}

func TestNameFilterDoesNotLeakPendingState(t *testing.T) {
	rec := newRecorder()
	c := New(Options{Filter: mustFilter(t, filter.Spec{Name: "^cat$"})}, rec)

	err := c.ProcessLines([]string{
		header,
		pathLine("sshd", 50, "/etc/ssh/sshd_config"),
		exitLine("cat", 51, "1.0", "0x3"),
		pathLine("sshd", 51, "/leak"),
		exitLine("cat", 51, "1.1", "0x4"),
		exitLine("sshd", 50, "1.2", "0x5"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{
		{Comm: "cat", PID: 51, FD: 3, Path: ""},
		{Comm: "cat", PID: 51, FD: 4, Path: ""},
	})
	if c.Pending() != 0 {
		t.Errorf("expected unmatched processes to leave no pending state, got %d", c.Pending())
	}
	if c.Stats().Discarded != 3 {
		t.Errorf("expected 3 discarded lines, got %d", c.Stats().Discarded)
	}
}

func TestFailureOnly(t *testing.T) {
	rec := newRecorder()
	c := New(Options{Filter: mustFilter(t, filter.Spec{FailureOnly: true})}, rec)

	err := c.ProcessLines([]string{
		header,
		pathLine("cat", 1, "/ok"),
		exitLine("cat", 1, "1.0", "0x3"),
		pathLine("cat", 1, "/missing"),
		exitLine("cat", 1, "1.1", "0xfffffffffffffffe"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{{Comm: "cat", PID: 1, FD: -1, Path: "/missing"}})
	if c.Stats().Filtered != 1 {
		t.Errorf("expected 1 filtered record, got %d", c.Stats().Filtered)
	}
}

func TestFileFilterConsumesPendingPath(t *testing.T) {
	rec := newRecorder()
	c := New(Options{Filter: mustFilter(t, filter.Spec{File: "passwd"})}, rec)

	err := c.ProcessLines([]string{
		header,
		pathLine("cat", 1, "/etc/group"),
		exitLine("cat", 1, "1.0", "0x3"),
		pathLine("cat", 1, "/etc/passwd"),
		exitLine("cat", 1, "1.1", "0x4"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{{Comm: "cat", PID: 1, FD: 4, Path: "/etc/passwd"}})
	if c.Pending() != 0 {
		t.Errorf("expected filtered records to consume their pending path, got %d", c.Pending())
	}
}

func TestLostEventsWarning(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	err := c.ProcessLines([]string{
		header,
		pathLine("cat", 1, "/a"),
		"CPU:1 [LOST 12 EVENTS]",
		exitLine("cat", 1, "1.0", "0x3"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	if len(rec.warnings) != 1 || rec.warnings[0] != "CPU:1 [LOST 12 EVENTS]" {
		t.Errorf("unexpected warnings %v", rec.warnings)
	}
	assertRecords(t, rec.snapshot(), []trace.OpenRecord{{Comm: "cat", PID: 1, FD: 3, Path: "/a"}})
}

func TestLostEventsWarningInComment(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	err := c.ProcessLines([]string{
		"# CPU:0 [LOST 3 EVENTS]",
		header,
		pathLine("cat", 1, "/a"),
		exitLine("cat", 1, "1.0", "0x3"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	if len(rec.warnings) != 1 || rec.warnings[0] != "# CPU:0 [LOST 3 EVENTS]" {
		t.Errorf("unexpected warnings %v", rec.warnings)
	}
	if c.Offset() != 1 {
		t.Errorf("lost marker should not decide the offset, got %d", c.Offset())
	}
	assertRecords(t, rec.snapshot(), []trace.OpenRecord{{Comm: "cat", PID: 1, FD: 3, Path: "/a"}})
}

func TestIgnoredLines(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	err := c.ProcessLines([]string{
		header,
		"",
		"garbage",
		"  cat-1 [001] .... 1.0: sys_read -> 0x10",
		"  cat-1 [001] .... 1.0: sys_open -> not-a-number",
		pathLine("cat", 1, "/kept"),
		exitLine("cat", 1, "1.1", "0x3"),
	})
	if err != nil {
		t.Fatalf("ProcessLines() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{{Comm: "cat", PID: 1, FD: 3, Path: "/kept"}})
	if c.Stats().Malformed != 1 {
		t.Errorf("expected 1 malformed line, got %d", c.Stats().Malformed)
	}
}

func TestEmitterError(t *testing.T) {
	rec := newRecorder()
	rec.err = errors.New("broken pipe")
	c := New(Options{}, rec)

	err := c.ProcessLines([]string{header, exitLine("cat", 1, "1.0", "0x3"), exitLine("cat", 1, "1.1", "0x4")})
	if err == nil {
		t.Fatal("expected the emitter error to stop processing")
	}
	if c.Stats().Lines != 2 {
		t.Errorf("expected processing to stop at the failing line, got %d lines", c.Stats().Lines)
	}
}

func TestRunBuffered(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	input := strings.Join([]string{
		header,
		pathLine("cat", 1, "/a"),
		exitLine("cat", 1, "1.0", "0x3"),
		pathLine("cat", 2, "/b"),
		exitLine("cat", 2, "1.1", "0x4"),
	}, "\n")

	if err := c.RunBuffered(strings.NewReader(input)); err != nil {
		t.Fatalf("RunBuffered() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{
		{Comm: "cat", PID: 1, FD: 3, Path: "/a"},
		{Comm: "cat", PID: 2, FD: 4, Path: "/b"},
	})
}

func TestRunLiveCancel(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.RunLive(ctx, pr)
	}()

	complete := strings.Join([]string{
		header,
		pathLine("cat", 1, "/a"),
		exitLine("cat", 1, "1.0", "0x3"),
		pathLine("cat", 2, "/b"),
		exitLine("cat", 2, "1.1", "0x4"),
	}, "\n") + "\n"
	if _, err := pw.Write([]byte(complete)); err != nil {
		t.Fatalf("write: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-rec.emitted:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for records")
		}
	}

	if _, err := pw.Write([]byte("  cat-3 [001] .... 1.2: sys_open -> 0x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunLive did not return after cancel")
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{
		{Comm: "cat", PID: 1, FD: 3, Path: "/a"},
		{Comm: "cat", PID: 2, FD: 4, Path: "/b"},
	})
}

func TestRunLiveCancelKeepsReadLines(t *testing.T) {
	const opens = 20

	lines := []string{header}
	for pid := 1; pid <= opens; pid++ {
		lines = append(lines, pathLine("cat", pid, fmt.Sprintf("/tmp/%d", pid)), exitLine("cat", pid, "1.0", "0x3"))
	}
	input := strings.Join(lines, "\n") + "\n"

	for run := 0; run < 50; run++ {
		rec := newRecorder()
		c := New(Options{}, rec)

		pr, pw := io.Pipe()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- c.RunLive(ctx, pr)
		}()

		// Write returns once the reader has taken every byte.
		if _, err := pw.Write([]byte(input)); err != nil {
			t.Fatalf("write: %v", err)
		}
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("RunLive did not return after cancel")
		}
		pw.Close()

		if got := len(rec.snapshot()); got != opens {
			t.Fatalf("run %d: expected %d records, got %d", run, opens, got)
		}
	}
}

func TestRunLiveDropsUnterminatedLine(t *testing.T) {
	rec := newRecorder()
	c := New(Options{}, rec)

	input := header + "\n" + exitLine("cat", 1, "1.0", "0x3") + "\n" + exitLine("cat", 2, "1.1", "0x4")
	if err := c.RunLive(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("RunLive() error = %v", err)
	}

	assertRecords(t, rec.snapshot(), []trace.OpenRecord{{Comm: "cat", PID: 1, FD: 3}})
}

func assertRecords(t *testing.T, got, want []trace.OpenRecord) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
