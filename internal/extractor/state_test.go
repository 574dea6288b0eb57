package extractor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateAdvance(t *testing.T) {
	s := NewState()

	s.Advance(cursorTasks, 100)
	assert.Equal(t, int64(100), s.Cursor(cursorTasks))

	// stale observation never moves a cursor backward
	s.Advance(cursorTasks, 50)
	assert.Equal(t, int64(100), s.Cursor(cursorTasks))

	s.Advance(cursorTasks, 0)
	assert.Equal(t, int64(100), s.Cursor(cursorTasks))

	s.Advance(cursorTasks, 101)
	assert.Equal(t, int64(101), s.Cursor(cursorTasks))
}

func TestStateStore(t *testing.T) {
	t.Run("missing file starts fresh", func(t *testing.T) {
		store := NewStateStore(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
		state := store.Load()
		assert.Empty(t, state.Cursors)
	})

	t.Run("corrupt file starts fresh", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		store := NewStateStore(path, zap.NewNop())
		state := store.Load()
		assert.Empty(t, state.Cursors)
	})

	t.Run("save and reload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "state.json")
		store := NewStateStore(path, zap.NewNop())

		state := NewState()
		state.Advance(cursorTasks, 1700000000000)
		state.Advance(cursorIncidents, 1700000000000000000)
		require.NoError(t, store.Save(state))

		reloaded := store.Load()
		assert.Equal(t, int64(1700000000000), reloaded.Cursor(cursorTasks))
		assert.Equal(t, int64(1700000000000000000), reloaded.Cursor(cursorIncidents))
		assert.False(t, reloaded.UpdatedAt.IsZero())

		// no stray temp file left behind
		_, err := os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})
}
