package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	lines   []string
	err     error
	release chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, logf func(string)) error {
	for _, line := range r.lines {
		logf(line)
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

type stubLoader struct {
	err    error
	called bool
	mu     sync.Mutex
}

func (l *stubLoader) LoadAll(ctx context.Context, logf func(string)) error {
	l.mu.Lock()
	l.called = true
	l.mu.Unlock()
	logf("loaded endpoints: 2 rows, 0 rejected")
	return l.err
}

func drain(t *testing.T, buf *LogBuffer) []string {
	t.Helper()
	var all []string
	offset := 0
	for {
		lines, next, ok := buf.Next(offset)
		if !ok {
			return all
		}
		all = append(all, lines...)
		offset = next
	}
}

func waitStatus(t *testing.T, c *Coordinator, id string, want Status) Run {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		run, err := c.Get(id)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("run %s never reached %s, last status %s", id, want, run.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCoordinator(t *testing.T) {
	t.Run("successful run ends with the end marker", func(t *testing.T) {
		loader := &stubLoader{}
		c := New(&stubRunner{lines: []string{"Extracting endpoints..."}}, loader)

		run, err := c.Start()
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, run.Status)

		buf, err := c.Log(run.ID)
		require.NoError(t, err)
		lines := drain(t, buf)

		require.NotEmpty(t, lines)
		assert.Equal(t, "Extracting endpoints...", lines[0])
		assert.Contains(t, lines, "processing reports")
		assert.Equal(t, EndMarker, lines[len(lines)-1])

		final := waitStatus(t, c, run.ID, StatusCompleted)
		assert.False(t, final.CompletedAt.IsZero())
		assert.True(t, loader.called)
	})

	t.Run("second start is rejected while a run is active", func(t *testing.T) {
		release := make(chan struct{})
		c := New(&stubRunner{release: release}, &stubLoader{})

		run, err := c.Start()
		require.NoError(t, err)

		_, err = c.Start()
		assert.ErrorIs(t, err, ErrRunInProgress)

		close(release)
		waitStatus(t, c, run.ID, StatusCompleted)

		// a finished run frees the slot
		_, err = c.Start()
		assert.NoError(t, err)
	})

	t.Run("failed extraction ends with the error marker and skips loading", func(t *testing.T) {
		loader := &stubLoader{}
		c := New(&stubRunner{err: errors.New("extraction: exit status 1")}, loader)

		run, err := c.Start()
		require.NoError(t, err)

		buf, err := c.Log(run.ID)
		require.NoError(t, err)
		lines := drain(t, buf)

		require.NotEmpty(t, lines)
		assert.Contains(t, lines[len(lines)-1], ErrorMarker)
		assert.False(t, loader.called)

		final := waitStatus(t, c, run.ID, StatusFailed)
		assert.Contains(t, final.Err, "exit status 1")
	})

	t.Run("failed load fails the run", func(t *testing.T) {
		c := New(&stubRunner{}, &stubLoader{err: errors.New("connect: refused")})

		run, err := c.Start()
		require.NoError(t, err)

		waitStatus(t, c, run.ID, StatusFailed)
	})

	t.Run("secrets are masked in the run log", func(t *testing.T) {
		c := New(
			&stubRunner{lines: []string{"token is super-secret-key here"}},
			&stubLoader{},
			WithMaskedValues("super-secret-key"),
		)

		run, err := c.Start()
		require.NoError(t, err)

		buf, err := c.Log(run.ID)
		require.NoError(t, err)
		lines := drain(t, buf)

		assert.Equal(t, "token is ******** here", lines[0])
		for _, line := range lines {
			assert.NotContains(t, line, "super-secret-key")
		}
	})

	t.Run("unknown run id", func(t *testing.T) {
		c := New(&stubRunner{}, &stubLoader{})
		_, err := c.Get("nope")
		assert.ErrorIs(t, err, ErrRunNotFound)
		_, err = c.Log("nope")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("release drops the log but keeps the run record", func(t *testing.T) {
		c := New(&stubRunner{lines: []string{"working"}}, &stubLoader{})

		run, err := c.Start()
		require.NoError(t, err)

		buf, err := c.Log(run.ID)
		require.NoError(t, err)
		drain(t, buf)
		waitStatus(t, c, run.ID, StatusCompleted)

		c.Release(run.ID)

		_, err = c.Log(run.ID)
		assert.ErrorIs(t, err, ErrLogDiscarded)

		got, err := c.Get(run.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
	})

	t.Run("starting a run discards earlier runs' logs", func(t *testing.T) {
		c := New(&stubRunner{}, &stubLoader{})

		first, err := c.Start()
		require.NoError(t, err)
		waitStatus(t, c, first.ID, StatusCompleted)

		second, err := c.Start()
		require.NoError(t, err)
		waitStatus(t, c, second.ID, StatusCompleted)

		_, err = c.Log(first.ID)
		assert.ErrorIs(t, err, ErrLogDiscarded)

		// the old run record is still there
		got, err := c.Get(first.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
	})

	t.Run("cancel aborts a stuck run", func(t *testing.T) {
		c := New(&stubRunner{release: make(chan struct{})}, &stubLoader{})

		run, err := c.Start()
		require.NoError(t, err)

		require.NoError(t, c.Cancel(run.ID))
		waitStatus(t, c, run.ID, StatusFailed)
	})
}

func TestDatabaseRefreshSkipsMissingReports(t *testing.T) {
	t.Run("nothing on disk loads nothing", func(t *testing.T) {
		d := &DatabaseRefresh{
			DatabaseURL: "postgres://nobody@127.0.0.1:1/none",
			ReportsDir:  t.TempDir(),
		}

		var lines []string
		err := d.LoadAll(context.Background(), func(line string) {
			lines = append(lines, line)
		})
		require.NoError(t, err)

		require.Len(t, lines, 4)
		for _, line := range lines {
			assert.Contains(t, line, "not found, skipped")
		}
	})

	t.Run("present reports are still attempted", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "Endpoints.csv"),
			[]byte("ID,HOSTNAME,HASH,SO,VERSION,endpointUpdatedAt\n"), 0o644))

		d := &DatabaseRefresh{
			DatabaseURL: "postgres://nobody@127.0.0.1:1/none",
			ReportsDir:  dir,
		}

		var lines []string
		err := d.LoadAll(context.Background(), func(line string) {
			lines = append(lines, line)
		})

		// the three absent reports were skipped before the connection
		// attempt for the present one failed
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connect")
		assert.Len(t, lines, 3)
	})
}

func TestProcessRunner(t *testing.T) {
	t.Run("captures child output line by line", func(t *testing.T) {
		r := &ProcessRunner{
			Command: []string{"sh", "-c", `echo one; echo two 1>&2`},
		}

		var lines []string
		err := r.Run(context.Background(), func(line string) {
			lines = append(lines, line)
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"one", "two"}, lines)
	})

	t.Run("nonzero exit is an error", func(t *testing.T) {
		r := &ProcessRunner{Command: []string{"sh", "-c", "exit 3"}}
		err := r.Run(context.Background(), func(string) {})
		assert.Error(t, err)
	})

	t.Run("no command configured", func(t *testing.T) {
		r := &ProcessRunner{}
		assert.Error(t, r.Run(context.Background(), func(string) {}))
	})
}

func TestLogBuffer(t *testing.T) {
	t.Run("readers block until lines arrive", func(t *testing.T) {
		buf := NewLogBuffer()

		got := make(chan []string)
		go func() {
			lines, _, _ := buf.Next(0)
			got <- lines
		}()

		time.Sleep(10 * time.Millisecond)
		buf.Append("hello")

		select {
		case lines := <-got:
			assert.Equal(t, []string{"hello"}, lines)
		case <-time.After(time.Second):
			t.Fatal("reader never woke up")
		}
	})

	t.Run("finish drains blocked readers", func(t *testing.T) {
		buf := NewLogBuffer()
		buf.Append("only")
		buf.Finish()

		lines, next, ok := buf.Next(0)
		assert.True(t, ok)
		assert.Equal(t, []string{"only"}, lines)

		_, _, ok = buf.Next(next)
		assert.False(t, ok)
	})

	t.Run("append after finish is dropped", func(t *testing.T) {
		buf := NewLogBuffer()
		buf.Finish()
		buf.Append("late")
		assert.Empty(t, buf.Snapshot())
	})
}
