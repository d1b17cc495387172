package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalClientRoundtrip(t *testing.T) {
	root := t.TempDir()
	c, err := NewLocalClient(root)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "output.ndjson")
	require.NoError(t, os.WriteFile(src, []byte(`{"id":"t1"}`+"\n"), 0o644))

	ctx := context.Background()
	require.NoError(t, c.PutFile(ctx, "batch-1/output.ndjson", src))

	info, err := c.Stat(ctx, "batch-1/output.ndjson")
	require.NoError(t, err)
	assert.Equal(t, "batch-1/output.ndjson", info.Key)
	assert.Equal(t, int64(12), info.Size)

	dst := filepath.Join(t.TempDir(), "restored.ndjson")
	require.NoError(t, c.GetFile(ctx, "batch-1/output.ndjson", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"t1"}`+"\n", string(data))
}

func TestLocalClientList(t *testing.T) {
	root := t.TempDir()
	c, err := NewLocalClient(root)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	ctx := context.Background()
	require.NoError(t, c.PutFile(ctx, "batch-1/output.ndjson", src))
	require.NoError(t, c.PutFile(ctx, "batch-1/failed.ndjson", src))
	require.NoError(t, c.PutFile(ctx, "batch-2/output.ndjson", src))

	objs, err := c.List(ctx, "batch-1/")
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	all, err := c.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalClientStatMissing(t *testing.T) {
	c, err := NewLocalClient(t.TempDir())
	require.NoError(t, err)

	_, err = c.Stat(context.Background(), "nope")
	assert.Error(t, err)
}
