package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_AppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	_, err = w.Write([]byte("first line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Reopening picks up the existing size and keeps appending.
	w, err = NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	_, err = w.Write([]byte("second line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "first line\n"))
	assert.Contains(t, string(data), "second line\n")
}

func TestRotatingWriter_RotatesAndPrunesGenerations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)

	// Each chunk is over half the 1 MiB limit, so every write after the
	// first forces a rotation.
	chunk := []byte(strings.Repeat("x", 600<<10) + "\n")
	for i := 0; i < 4; i++ {
		_, err = w.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	for _, name := range []string{path, path + ".1", path + ".2"} {
		info, err := os.Stat(name)
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}
	// Only two rotated generations are kept.
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}
