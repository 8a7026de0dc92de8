package correlator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/supabase/opensnoop/internal/filter"
	"github.com/supabase/opensnoop/internal/rules"
	"github.com/supabase/opensnoop/internal/trace"
)

const maxLineSize = 1024 * 1024

// Emitter receives accepted records and lost-events warnings.
type Emitter interface {
	Emit(rec trace.OpenRecord) error
	Warn(line string) error
}

type Options struct {
	Rules  *rules.Rules
	Filter *filter.Engine
	// ShowTime fills OpenRecord.Time from the event timestamp.
	ShowTime bool
	// Queue keeps every pending path per pid instead of only the latest.
	Queue  bool
	Logger *log.Logger
}

// Stats counts what a run did with its input.
type Stats struct {
	Lines     int
	Records   int
	Filtered  int
	Discarded int
	Lost      int
	Malformed int
}

type Correlator struct {
	rules      *rules.Rules
	filter     *filter.Engine
	showTime   bool
	out        Emitter
	log        *log.Logger
	classifier *trace.Classifier
	detector   *trace.Detector
	pending    pendingTable
	stats      Stats
}

func New(opts Options, out Emitter) *Correlator {
	r := opts.Rules
	if r == nil {
		r = rules.Default()
	}
	f := opts.Filter
	if f == nil {
		f, _ = filter.New(filter.Spec{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	var pending pendingTable = overwriteTable{}
	if opts.Queue {
		pending = queueTable{}
	}

	return &Correlator{
		rules:      r,
		filter:     f,
		showTime:   opts.ShowTime,
		out:        out,
		log:        logger,
		classifier: trace.NewClassifier(r),
		detector:   trace.NewDetector(r),
		pending:    pending,
	}
}

// ProcessLine consumes one raw line. Only emitter failures are returned;
// lines that cannot be understood are skipped.
func (c *Correlator) ProcessLine(raw string) error {
	c.stats.Lines++

	line := c.classifier.Classify(raw, c.detector.Offset())
	c.detector.Observe(line)

	switch line.Kind {
	case trace.KindLost:
		c.stats.Lost++
		return c.out.Warn(raw)
	case trace.KindPathResolution, trace.KindSyscallExit:
	default:
		return nil
	}

	if !c.filter.MatchProcess(line.Comm) {
		c.stats.Discarded++
		return nil
	}

	if line.Kind == trace.KindPathResolution {
		c.pending.put(line.PID, line.Path)
		return nil
	}

	fd, err := trace.DecodeFD(line.ReturnValue(), c.rules)
	if err != nil {
		c.stats.Malformed++
		c.log.Debug("Skipping syscall exit", "line", raw, "error", err)
		return nil
	}

	path, _ := c.pending.take(line.PID)
	rec := trace.OpenRecord{
		Comm: line.Comm,
		PID:  line.PID,
		FD:   fd,
		Path: path,
	}
	if c.showTime {
		rec.Time = line.Timestamp()
	}

	if !c.filter.Accept(rec) {
		c.stats.Filtered++
		return nil
	}

	if err := c.out.Emit(rec); err != nil {
		return fmt.Errorf("failed to emit record: %w", err)
	}
	c.stats.Records++
	return nil
}

// ProcessLines runs a finite, already captured batch to completion.
func (c *Correlator) ProcessLines(lines []string) error {
	for _, raw := range lines {
		if err := c.ProcessLine(raw); err != nil {
			return err
		}
	}
	return nil
}

// RunBuffered processes a finite snapshot until EOF.
func (c *Correlator) RunBuffered(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := c.ProcessLine(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read trace snapshot: %w", err)
	}
	return nil
}

// RunLive processes an open-ended stream until EOF or until ctx is done.
// On cancellation r is closed if it is an io.Closer, every complete line
// read up to that point is still processed, and ctx.Err() is returned. A
// trailing line without its newline is never processed.
func (c *Correlator) RunLive(ctx context.Context, r io.Reader) error {
	in := newLineBuffer()
	go in.fill(r)

	for {
		select {
		case <-ctx.Done():
			if closer, ok := r.(io.Closer); ok {
				closer.Close()
				<-in.done
			}
			if err := c.processBuffered(in); err != nil {
				return err
			}
			return ctx.Err()
		case <-in.ready:
			if err := c.processBuffered(in); err != nil {
				return err
			}
		case <-in.done:
			if err := c.processBuffered(in); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := in.readErr(); err != nil {
				return fmt.Errorf("failed to read trace stream: %w", err)
			}
			return nil
		}
	}
}

func (c *Correlator) processBuffered(in *lineBuffer) error {
	lines, err := in.take()
	if err != nil {
		return fmt.Errorf("failed to read trace stream: %w", err)
	}
	return c.ProcessLines(lines)
}

// lineBuffer collects what a reader goroutine has read so the consumer can
// take the complete lines at any time, including after cancellation.
type lineBuffer struct {
	mu    sync.Mutex
	buf   []byte
	err   error
	ready chan struct{}
	done  chan struct{}
}

func newLineBuffer() *lineBuffer {
	return &lineBuffer{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// fill reads r until it fails or reaches EOF, then closes done.
func (b *lineBuffer) fill(r io.Reader) {
	defer close(b.done)

	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.mu.Lock()
			b.buf = append(b.buf, chunk[:n]...)
			b.mu.Unlock()

			select {
			case b.ready <- struct{}{}:
			default:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.mu.Lock()
				b.err = err
				b.mu.Unlock()
			}
			return
		}
	}
}

// take removes and returns the complete lines buffered so far.
func (b *lineBuffer) take() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := bytes.LastIndexByte(b.buf, '\n')
	if i < 0 {
		if len(b.buf) > maxLineSize {
			return nil, bufio.ErrTooLong
		}
		return nil, nil
	}

	lines := strings.Split(string(b.buf[:i]), "\n")
	for j, line := range lines {
		lines[j] = strings.TrimSuffix(line, "\r")
	}
	b.buf = append([]byte(nil), b.buf[i+1:]...)
	return lines, nil
}

func (b *lineBuffer) readErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Offset returns the field offset detected so far.
func (c *Correlator) Offset() int {
	return c.detector.Offset()
}

// Pending returns the number of paths still waiting for a syscall exit.
func (c *Correlator) Pending() int {
	return c.pending.size()
}

func (c *Correlator) Stats() Stats {
	return c.stats
}
