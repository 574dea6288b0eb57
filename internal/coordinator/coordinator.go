package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRunInProgress is returned by Start while another run is active.
// Extraction runs are serialized: the vendor API budget and the report
// files on disk both assume a single writer.
var ErrRunInProgress = errors.New("an extraction run is already in progress")

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrLogDiscarded is returned by Log once a run's buffered lines have
// been released. The run record itself stays queryable via Get.
var ErrLogDiscarded = errors.New("run log discarded")

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is a point-in-time view of one extraction run.
type Run struct {
	ID          string
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Err         string
}

// Runner executes the extraction phase, reporting output a line at a time.
type Runner interface {
	Run(ctx context.Context, logf func(line string)) error
}

// ReportLoader performs the database refresh phase after extraction.
type ReportLoader interface {
	LoadAll(ctx context.Context, logf func(line string)) error
}

type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTimeout bounds the whole run, extraction and load included.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithMaskedValues registers secrets to redact from buffered log lines.
func WithMaskedValues(values ...string) Option {
	return func(c *Coordinator) {
		for _, v := range values {
			if v != "" {
				c.masked = append(c.masked, v)
			}
		}
	}
}

type runState struct {
	run    Run
	buf    *LogBuffer
	cancel context.CancelFunc
}

// Coordinator serializes extraction runs and exposes their state and log
// streams. At most one run is active at a time; finished runs stay
// queryable until the process exits.
type Coordinator struct {
	runner  Runner
	loader  ReportLoader
	logger  *zap.Logger
	timeout time.Duration
	masked  []string

	mu      sync.Mutex
	current *runState
	runs    map[string]*runState
}

func New(runner Runner, loader ReportLoader, opts ...Option) *Coordinator {
	c := &Coordinator{
		runner:  runner,
		loader:  loader,
		logger:  zap.NewNop(),
		timeout: time.Hour,
		runs:    make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Busy reports whether a run is currently active. Callers that refresh
// the database outside a run should check it first, since loads assume a
// single writer per table.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Start launches a run and returns immediately. A second Start while a
// run is active fails with ErrRunInProgress.
func (c *Coordinator) Start() (Run, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return Run{}, ErrRunInProgress
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	st := &runState{
		run: Run{
			ID:        uuid.NewString(),
			Status:    StatusRunning,
			StartedAt: time.Now().UTC(),
		},
		buf:    NewLogBuffer(),
		cancel: cancel,
	}

	// Earlier runs are all terminal by now; their line buffers are no
	// longer streamable state worth holding, only the run records are.
	for _, prev := range c.runs {
		prev.buf = nil
	}

	c.current = st
	c.runs[st.run.ID] = st
	run := st.run
	c.mu.Unlock()

	c.logger.Info("extraction run started", zap.String("run_id", run.ID))
	go c.execute(ctx, st)
	return run, nil
}

func (c *Coordinator) execute(ctx context.Context, st *runState) {
	defer st.cancel()

	// Hold the buffer locally: Release or a later Start may detach it
	// from the run state while the run is still producing lines.
	buf := st.buf

	logf := func(line string) {
		buf.Append(c.mask(line))
	}

	err := c.runner.Run(ctx, logf)
	if err == nil && c.loader != nil {
		logf("processing reports")
		err = c.loader.LoadAll(ctx, logf)
	}

	c.mu.Lock()
	st.run.CompletedAt = time.Now().UTC()
	if err != nil {
		st.run.Status = StatusFailed
		st.run.Err = err.Error()
	} else {
		st.run.Status = StatusCompleted
	}
	c.current = nil
	run := st.run
	c.mu.Unlock()

	if err != nil {
		buf.Append(ErrorMarker + ":" + c.mask(err.Error()))
		c.logger.Error("extraction run failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
	} else {
		buf.Append(EndMarker)
		c.logger.Info("extraction run completed", zap.String("run_id", run.ID))
	}
	buf.Finish()
}

// Get returns the current view of a run.
func (c *Coordinator) Get(id string) (Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return st.run, nil
}

// Log returns the run's log buffer for streaming.
func (c *Coordinator) Log(id string) (*LogBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if st.buf == nil {
		return nil, ErrLogDiscarded
	}
	return st.buf, nil
}

// Release drops a run's buffered log lines, called once a consumer has
// drained the stream or disconnected. The run record stays queryable.
func (c *Coordinator) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.runs[id]; ok {
		st.buf = nil
	}
}

// Cancel aborts a running run. Cancelling a finished run is a no-op.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	st, ok := c.runs[id]
	var buf *LogBuffer
	if ok {
		buf = st.buf
	}
	c.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	st.cancel()
	if buf != nil {
		buf.Wake()
	}
	return nil
}

func (c *Coordinator) mask(line string) string {
	for _, secret := range c.masked {
		line = strings.ReplaceAll(line, secret, "********")
	}
	return line
}

// ProcessRunner executes the extraction as a child process and feeds its
// combined output into the run log.
type ProcessRunner struct {
	Command []string
	Args    []string
	Logger  *zap.Logger
}

func (r *ProcessRunner) Run(ctx context.Context, logf func(line string)) error {
	if len(r.Command) == 0 {
		return errors.New("no extraction command configured")
	}

	argv := append(append([]string{}, r.Command[1:]...), r.Args...)
	cmd := exec.CommandContext(ctx, r.Command[0], argv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start extraction: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logf(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.New("extraction timed out")
		}
		return fmt.Errorf("extraction: %w", err)
	}
	return scanner.Err()
}
