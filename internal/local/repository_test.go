package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryWrite(t *testing.T) {
	t.Run("creates nested directories", func(t *testing.T) {
		base := t.TempDir()
		r := New(base, WithPrefix("run-1"))

		err := r.Write(context.Background(), "dt=2026-08-29/Endpoints.parquet", strings.NewReader("data"))
		require.NoError(t, err)

		bs, err := os.ReadFile(filepath.Join(base, "run-1", "dt=2026-08-29", "Endpoints.parquet"))
		require.NoError(t, err)
		assert.Equal(t, "data", string(bs))
	})

	t.Run("overwrites existing keys", func(t *testing.T) {
		base := t.TempDir()
		r := New(base)

		require.NoError(t, r.Write(context.Background(), "x", strings.NewReader("old")))
		require.NoError(t, r.Write(context.Background(), "x", strings.NewReader("new")))

		bs, err := os.ReadFile(filepath.Join(base, "x"))
		require.NoError(t, err)
		assert.Equal(t, "new", string(bs))
	})
}
