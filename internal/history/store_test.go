package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fractal/internal/history"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBeginAndFinish(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)

	require.NoError(t, store.Begin(ctx, "s-1", start))

	running, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, running)
	require.Equal(t, history.OutcomeRunning, running.Outcome)
	require.True(t, running.EndedAt.IsZero())
	require.Zero(t, running.Duration())

	require.NoError(t, store.Finish(ctx, history.Session{
		ID:          "s-1",
		StartedAt:   start,
		EndedAt:     start.Add(90 * time.Minute),
		Outcome:     history.OutcomeComplete,
		Progress:    100,
		Epochs:      "10 / 10",
		Performance: "92%",
		Inference:   "Class 7 (98.5%)",
	}))

	done, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, history.OutcomeComplete, done.Outcome)
	require.Equal(t, 100, done.Progress)
	require.Equal(t, "10 / 10", done.Epochs)
	require.Equal(t, "Class 7 (98.5%)", done.Inference)
	require.Empty(t, done.Error)
	require.Equal(t, 90*time.Minute, done.Duration())
}

func TestFinishWithoutBegin(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Finish(ctx, history.Session{
		ID:      "orphan",
		Outcome: history.OutcomeFailed,
		Error:   "disk full",
	}))

	got, err := store.Get(ctx, "orphan")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, history.OutcomeFailed, got.Outcome)
	require.Equal(t, "disk full", got.Error)
}

func TestListNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Begin(ctx, id, base.Add(time.Duration(i)*time.Hour)))
	}

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "c", all[0].ID)
	require.Equal(t, "a", all[2].ID)

	limited, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestGetMissing(t *testing.T) {
	store := openStore(t)
	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Begin(context.Background(), "keep", time.Now()))
	require.NoError(t, store.Close())

	reopened, err := history.Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), "keep")
	require.NoError(t, err)
	require.NotNil(t, got)
}
