package taskstore

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/workspace"
)

func testLayout(t *testing.T) workspace.Layout {
	t.Helper()
	l, err := workspace.NewLayout(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, workspace.Initialize(l))
	return l
}

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := map[string]Store{}
	for _, backend := range []string{"file", "sqlite"} {
		s, err := Open(backend, testLayout(t), logger)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		out[backend] = s
	}
	return out
}

func TestStore_CreateLoadCommit(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			task := protocol.NewTask("task-1", "list the files")
			require.NoError(t, s.Create(task))

			err := s.Create(protocol.NewTask("task-1", "again"))
			assert.ErrorIs(t, err, ErrExists)

			loaded, err := s.Load("task-1")
			require.NoError(t, err)
			assert.Equal(t, "list the files", loaded.Instruction)
			assert.Equal(t, protocol.TaskStatusActive, loaded.Status)
			assert.NotNil(t, loaded.Turns)

			loaded.AppendTurn(protocol.Turn{Seq: 1, Key: "ik:a", Input: "list the files", Outcome: protocol.OutcomeContinue,
				Usage: protocol.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01}})
			loaded.MarkAwaiting(&protocol.Pending{Kind: protocol.PendingQuestion, Prompt: "which dir?"})
			require.NoError(t, s.Commit(loaded))

			again, err := s.Load("task-1")
			require.NoError(t, err)
			require.Len(t, again.Turns, 1)
			assert.Equal(t, "ik:a", again.Turns[0].Key)
			assert.Equal(t, protocol.TaskStatusAwaitingInput, again.Status)
			require.NotNil(t, again.Pending)
			assert.Equal(t, "which dir?", again.Pending.Prompt)
			assert.Equal(t, 15, again.Usage.InputTokens+again.Usage.OutputTokens)
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load("nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListAndLatest(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			summaries, err := s.List()
			require.NoError(t, err)
			assert.Empty(t, summaries)

			_, err = Latest(s)
			assert.ErrorIs(t, err, ErrNotFound)

			older := protocol.NewTask("older", "first")
			require.NoError(t, s.Create(older))
			time.Sleep(5 * time.Millisecond)
			newer := protocol.NewTask("newer", "second")
			require.NoError(t, s.Create(newer))
			time.Sleep(5 * time.Millisecond)

			newer.MarkCompleted("done")
			require.NoError(t, s.Commit(newer))

			summaries, err = s.List()
			require.NoError(t, err)
			require.Len(t, summaries, 2)
			assert.Equal(t, "newer", summaries[0].ID)
			assert.Equal(t, protocol.TaskStatusCompleted, summaries[0].Status)

			latest, err := Latest(s)
			require.NoError(t, err)
			assert.Equal(t, "older", latest.ID, "terminal tasks are skipped")
		})
	}
}

func TestFileStore_RejectsNewerSchema(t *testing.T) {
	l := testLayout(t)
	s := NewFileStore(l, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, os.MkdirAll(l.TaskDir("future"), 0700))
	doc := `{"schema_version": 99, "id": "future", "status": "active", "turns": []}`
	require.NoError(t, os.WriteFile(l.TaskFile("future"), []byte(doc), 0600))

	_, err := s.Load("future")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrStoreCorrupt)
	assert.Equal(t, "schema_version", protocol.ReasonOf(err))
}

func TestFileStore_IgnoresUnknownFieldsAndNilTurns(t *testing.T) {
	l := testLayout(t)
	s := NewFileStore(l, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, os.MkdirAll(l.TaskDir("old"), 0700))
	doc := `{"schema_version": 1, "id": "old", "status": "active", "instruction": "x", "extra": {"a": 1}}`
	require.NoError(t, os.WriteFile(l.TaskFile("old"), []byte(doc), 0600))

	task, err := s.Load("old")
	require.NoError(t, err)
	assert.NotNil(t, task.Turns)
	assert.Empty(t, task.Turns)
}

func TestFileStore_CorruptDocument(t *testing.T) {
	l := testLayout(t)
	s := NewFileStore(l, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, os.MkdirAll(l.TaskDir("bad"), 0700))
	require.NoError(t, os.WriteFile(l.TaskFile("bad"), []byte("{not json"), 0600))

	_, err := s.Load("bad")
	assert.ErrorIs(t, err, protocol.ErrStoreCorrupt)

	summaries, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, summaries, "unreadable tasks are skipped in listings")
}

func TestFileStore_IDMismatch(t *testing.T) {
	l := testLayout(t)
	s := NewFileStore(l, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, os.MkdirAll(l.TaskDir("a"), 0700))
	require.NoError(t, os.WriteFile(l.TaskFile("a"), []byte(`{"schema_version":1,"id":"b"}`), 0600))

	_, err := s.Load("a")
	assert.Equal(t, "id_mismatch", protocol.ReasonOf(err))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("postgres", testLayout(t), nil)
	assert.Error(t, err)
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task", ".lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	_, err = AcquireLock(path)
	require.Error(t, err, "lock held by a live process")
	assert.Equal(t, "locked", protocol.ReasonOf(err))

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireLock_ReclaimsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	// pid values near the max are effectively never live in a test sandbox
	require.NoError(t, os.WriteFile(path, []byte("4194000\n"), 0600))

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))
}

func TestAcquireLock_GarbageContentsReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	assert.NoError(t, lock.Release())
}

func TestReclaim_PutsBackLiveLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock")
	// Another reclaimer already replaced the stale lock with a live one.
	live := strconv.Itoa(os.Getpid()) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(live), 0600))

	err := reclaim(path)
	require.Error(t, err)
	assert.Equal(t, "locked", protocol.ReasonOf(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, live, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".lock", entries[0].Name())
}

func TestReclaim_RemovesStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock")
	require.NoError(t, os.WriteFile(path, []byte("4194000\n"), 0600))

	require.NoError(t, reclaim(path))
	require.NoError(t, reclaim(path), "already reclaimed by someone else")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
