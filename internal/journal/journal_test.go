package journal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/satto/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJournalWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks", "t1", "journal.ndjson")

	j, err := Open(path, "t1", testLogger())
	require.NoError(t, err)

	read := &protocol.ActionRequest{Index: 0, Kind: protocol.ActionReadFile}
	cmd := &protocol.ActionRequest{Index: 1, Kind: protocol.ActionExecuteCommand}

	require.NoError(t, j.Started(1, "ik:a", read))
	require.NoError(t, j.Finished(1, "ik:a", &protocol.ActionResult{Index: 0, Kind: protocol.ActionReadFile, Status: protocol.ResultSuccess}))
	require.NoError(t, j.Started(1, "ik:a", cmd))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	ledger, err := ReadLedger(path)
	require.NoError(t, err)
	require.Len(t, ledger.Records, 3)
	assert.Equal(t, "t1", ledger.Records[0].TaskID)
	assert.Equal(t, ActionFinished, ledger.Records[1].Type)
	assert.Equal(t, protocol.ResultSuccess, ledger.Records[1].Status)

	rec, ok := ledger.Finished("ik:a", 0)
	assert.True(t, ok)
	assert.Equal(t, protocol.ResultSuccess, rec.Status)
	_, ok = ledger.Finished("ik:a", 1)
	assert.False(t, ok)
	assert.True(t, ledger.HasStarted("ik:a", 1))
	assert.False(t, ledger.HasStarted("ik:b", 1))

	interrupted := ledger.Interrupted("ik:a")
	require.Len(t, interrupted, 1)
	assert.Equal(t, 1, interrupted[0].Index)
	assert.Equal(t, protocol.ActionExecuteCommand, interrupted[0].Kind)
	assert.Empty(t, ledger.Interrupted("ik:other"))
}

func TestJournalAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	req := &protocol.ActionRequest{Index: 0, Kind: protocol.ActionWriteFile}

	j, err := Open(path, "t1", testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Started(1, "ik:a", req))
	require.NoError(t, j.Close())

	j, err = Open(path, "t1", testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Finished(1, "ik:a", &protocol.ActionResult{Index: 0, Kind: protocol.ActionWriteFile, Status: protocol.ResultFailure}))
	require.NoError(t, j.Close())

	ledger, err := ReadLedger(path)
	require.NoError(t, err)
	assert.Len(t, ledger.Records, 2)
	assert.Empty(t, ledger.Interrupted("ik:a"))
}

func TestWriteAfterCloseFails(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.ndjson"), "t1", testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.Error(t, j.Started(1, "ik:a", &protocol.ActionRequest{Kind: protocol.ActionReadFile}))
}

func TestReadLedgerMissingFile(t *testing.T) {
	ledger, err := ReadLedger(filepath.Join(t.TempDir(), "nope.ndjson"))
	require.NoError(t, err)
	assert.Empty(t, ledger.Records)
}

func TestReadLedgerToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	body := `{"type":"action.started","turn_key":"ik:a","index":0,"kind":"read_file"}` + "\n" +
		`{"type":"action.fini`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	ledger, err := ReadLedger(path)
	require.NoError(t, err)
	require.Len(t, ledger.Records, 1)
	assert.Len(t, ledger.Interrupted("ik:a"), 1)
}

func TestReadLedgerRejectsCorruptMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	body := "garbage\n" +
		`{"type":"action.started","turn_key":"ik:a","index":0,"kind":"read_file"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	_, err := ReadLedger(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrStoreCorrupt)
}
