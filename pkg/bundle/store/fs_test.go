package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/core/pkg/bundle/store"
	"github.com/ransomeye/core/pkg/faults"
)

func scratchBundle(t *testing.T, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "chunks"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(content), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunks", "0.chunk"), []byte("chunk-data"), 0o640))
	return dir
}

func TestFSPutAndFetch(t *testing.T) {
	root := t.TempDir()
	fs, err := store.NewFS(filepath.Join(root, "bundles"))
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := fs.Put(ctx, "bundle-1", scratchBundle(t, `{"v":1}`))
	require.NoError(t, err)
	assert.DirExists(t, loc)

	dest := filepath.Join(root, "restored")
	require.NoError(t, fs.Fetch(ctx, "bundle-1", dest))

	got, err := os.ReadFile(filepath.Join(dest, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))
	assert.FileExists(t, filepath.Join(dest, "chunks", "0.chunk"))
}

func TestFSPutIsIdempotent(t *testing.T) {
	fs, err := store.NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := fs.Put(ctx, "bundle-1", scratchBundle(t, "original"))
	require.NoError(t, err)

	// A second Put under the same id leaves the stored copy untouched.
	second, err := fs.Put(ctx, "bundle-1", scratchBundle(t, "imposter"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := os.ReadFile(filepath.Join(first, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func TestFSFetchMissingBundle(t *testing.T) {
	fs, err := store.NewFS(t.TempDir())
	require.NoError(t, err)

	err = fs.Fetch(context.Background(), "no-such-bundle", t.TempDir())
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}

func TestFSPath(t *testing.T) {
	fs, err := store.NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	loc, err := fs.Put(ctx, "bundle-1", scratchBundle(t, "x"))
	require.NoError(t, err)

	p, err := fs.Path("bundle-1")
	require.NoError(t, err)
	assert.Equal(t, loc, p)

	_, err = fs.Path("missing")
	assert.True(t, errors.Is(err, faults.ErrNotFound))
}
