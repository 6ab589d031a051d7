package wal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, Options{FlushInterval: 0, BatchSize: 1})
	require.NoError(t, err)

	require.NoError(t, w.Append(context.Background(), Record{Type: TaskCreated, TaskID: "t1"}))
	require.NoError(t, w.Append(context.Background(), Record{Type: ChunkCompleted, TaskID: "t1", Offset: 0, Length: 1024}))
	require.NoError(t, w.Append(context.Background(), Record{Type: StateChanged, TaskID: "t1", NewState: "completed"}))
	require.NoError(t, w.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, TaskCreated, records[0].Type)
	assert.Equal(t, ChunkCompleted, records[1].Type)
	assert.EqualValues(t, 1024, records[1].Length)
	assert.Equal(t, "completed", records[2].NewState)
}

func TestReplayMissingFileReturnsEmpty(t *testing.T) {
	records, err := Replay(filepath.Join(t.TempDir(), "nope.log"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAppendDoesNotDoubleCommitAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), Record{Type: ChunkCompleted, TaskID: "t1", Offset: 0, Length: 100}))
	require.NoError(t, w.Close())

	// Simulate restart: re-open and append more records.
	w2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w2.Append(context.Background(), Record{Type: ChunkCompleted, TaskID: "t1", Offset: 100, Length: 100}))
	require.NoError(t, w2.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	seen := map[int64]bool{}
	for _, r := range records {
		if r.Type == ChunkCompleted {
			assert.False(t, seen[r.Offset], "offset %d committed twice", r.Offset)
			seen[r.Offset] = true
		}
	}
}

func TestCompactTruncatesLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), Record{Type: TaskCreated, TaskID: "t1"}))
	require.NoError(t, w.Compact())
	require.NoError(t, w.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	assert.Empty(t, records)
}
