package spool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOpenRemove(t *testing.T) {
	t.Parallel()
	d, err := New(t.TempDir())
	require.NoError(t, err)

	path, size, err := d.Write("artifact-1", strings.NewReader("%PDF-1.7 fake"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), size)
	assert.Equal(t, d.Path("artifact-1"), path)

	f, err := d.Open("artifact-1")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, d.Remove("artifact-1"))
	_, err = d.Open("artifact-1")
	assert.Error(t, err)

	// Removing twice is fine.
	require.NoError(t, d.Remove("artifact-1"))
}

func TestWriteLeavesNoPartials(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	d, err := New(base)
	require.NoError(t, err)

	_, _, err = d.Write("artifact-2", strings.NewReader("data"))
	require.NoError(t, err)

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".partial-"), e.Name())
	}
	assert.FileExists(t, filepath.Join(base, "artifact-2.pdf"))
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()
	_, err := New("  ")
	assert.Error(t, err)
}
