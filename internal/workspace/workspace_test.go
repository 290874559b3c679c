package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLayout(t *testing.T) {
	root := t.TempDir()

	l, err := NewLayout(root, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".satto"), l.StateDir)
	assert.Equal(t, filepath.Join(root, ".satto", "tasks", "t1", "task.json"), l.TaskFile("t1"))
	assert.Equal(t, filepath.Join(root, ".satto", "tasks", "t1", "journal.ndjson"), l.JournalFile("t1"))
	assert.Equal(t, filepath.Join(root, ".satto", "transcripts", "t1.log"), l.TranscriptFile("t1"))

	rel, err := NewLayout(root, "state")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "state"), rel.StateDir)

	abs, err := NewLayout(root, "/var/satto")
	require.NoError(t, err)
	assert.Equal(t, "/var/satto", abs.StateDir)
}

func TestInitialize_CreatesAllDirectories(t *testing.T) {
	l, err := NewLayout(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, Initialize(l))

	for _, dir := range GetRequiredDirectories() {
		info, err := os.Stat(filepath.Join(l.StateDir, dir))
		require.NoError(t, err, "Directory %s should exist", dir)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm(), "Directory %s should have 0700 permissions", dir)
	}

	ignore, err := os.ReadFile(filepath.Join(l.StateDir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(ignore))
}

func TestInitialize_IdempotentCalls(t *testing.T) {
	l, err := NewLayout(t.TempDir(), "")
	require.NoError(t, err)

	require.NoError(t, Initialize(l))
	assert.NoError(t, Initialize(l), "Second initialize should be idempotent")
}

func TestIsInitialized(t *testing.T) {
	l, err := NewLayout(t.TempDir(), "")
	require.NoError(t, err)

	initialized, err := IsInitialized(l)
	require.NoError(t, err)
	assert.False(t, initialized)

	require.NoError(t, os.MkdirAll(filepath.Join(l.StateDir, "tasks"), 0700))
	initialized, err = IsInitialized(l)
	require.NoError(t, err)
	assert.False(t, initialized, "Should not be considered initialized if missing directories")

	require.NoError(t, Initialize(l))
	initialized, err = IsInitialized(l)
	require.NoError(t, err)
	assert.True(t, initialized)
}
