package exlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveAndReadBack(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	started := time.Date(2026, 8, 24, 9, 15, 0, 0, time.UTC)
	rec := Record{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     "success",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Variables:  map[string]any{"symbol": "SBIN", "quote": map[string]any{"ltp": 850.5}},
	}
	entries := []Entry{
		{Time: started, Level: LevelInfo, Message: "execution started"},
		{Time: started.Add(time.Second), Node: "c1", Level: LevelInfo, Message: "timeCondition = true"},
		{Time: started.Add(2 * time.Second), Node: "o1", Level: LevelError, Message: "placeOrder failed"},
	}
	require.NoError(t, store.Save(context.Background(), rec, entries))

	got, err := store.Entries(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "", got[0].Node)
	assert.Equal(t, "c1", got[1].Node)
	assert.Equal(t, LevelError, got[2].Level)
	assert.Equal(t, "placeOrder failed", got[2].Message)
	assert.True(t, got[0].Time.Equal(started))
}

func TestStoreSaveIsIdempotent(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	rec := Record{ID: "exec-1", WorkflowID: "wf-1", Status: "running",
		StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, store.Save(context.Background(), rec, []Entry{
		{Time: time.Now(), Level: LevelInfo, Message: "first"},
	}))

	rec.Status = "success"
	require.NoError(t, store.Save(context.Background(), rec, []Entry{
		{Time: time.Now(), Level: LevelInfo, Message: "first"},
		{Time: time.Now(), Level: LevelInfo, Message: "second"},
	}))

	got, err := store.Entries(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestNilStoreIsDisabled(t *testing.T) {
	var store *Store
	assert.NoError(t, store.Save(context.Background(), Record{ID: "x"}, nil))
	assert.NoError(t, store.Close())
}
