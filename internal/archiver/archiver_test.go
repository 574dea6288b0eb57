package archiver

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/extractor"
)

type memoryRepository struct {
	objects map[string][]byte
}

func (r *memoryRepository) Write(ctx context.Context, key string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if r.objects == nil {
		r.objects = make(map[string][]byte)
	}
	r.objects[key] = data
	return nil
}

func TestArchiverRun(t *testing.T) {
	t.Run("archives present reports and skips missing ones", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, extractor.EndpointsReport),
			[]byte("ID,HOSTNAME,HASH,SO,VERSION,endpointUpdatedAt\n1,alpha,h1,Windows 11,1.0,1700000000000\n"),
			0644,
		))

		repo := &memoryRepository{}
		a := New(
			WithLogger(zap.NewNop()),
			WithRepository(repo),
			WithReportsDir(dir),
		)

		require.NoError(t, a.Run(context.Background()))
		require.Len(t, repo.objects, 1)

		for key, data := range repo.objects {
			assert.True(t, strings.HasPrefix(key, "dt="))
			assert.True(t, strings.HasSuffix(key, "Endpoints.parquet"))
			// parquet files start and end with the PAR1 magic
			assert.True(t, bytes.HasPrefix(data, []byte("PAR1")))
			assert.True(t, bytes.HasSuffix(data, []byte("PAR1")))
		}
	})

	t.Run("empty reports dir archives nothing", func(t *testing.T) {
		repo := &memoryRepository{}
		a := New(WithRepository(repo), WithReportsDir(t.TempDir()))
		require.NoError(t, a.Run(context.Background()))
		assert.Empty(t, repo.objects)
	})
}
