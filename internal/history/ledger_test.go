package history

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/store"
)

func TestAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := NewLedger(st, "history.json", logging.NewDiscard())

	l.Add(ctx, "https://i.example/a.jpg")
	l.Add(ctx, "https://i.example/a.jpg")
	l.Add(ctx, "https://i.example/b.jpg")

	assert.Equal(t, 2, l.Len(ctx))
	assert.True(t, l.Contains(ctx, "https://i.example/a.jpg"))
	assert.False(t, l.Contains(ctx, "https://i.example/c.jpg"))

	var idx model.HistoryIndex
	found, err := st.ReadJSON(ctx, "history.json", &idx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, idx.URLs, 2)
}

func TestSurvivesReload(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	l := NewLedger(st, "history.json", logging.NewDiscard())
	l.Add(ctx, "https://i.example/a.jpg")

	reloaded := NewLedger(st, "history.json", logging.NewDiscard())
	assert.True(t, reloaded.Contains(ctx, "https://i.example/a.jpg"))
}

func TestLoadFailureDegradesToEmpty(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Corrupt document: load must degrade, not fail.
	require.NoError(t, st.WriteJSON(ctx, "history.json", "not-an-index"))

	l := NewLedger(st, "history.json", logging.NewDiscard())
	assert.Equal(t, 0, l.Len(ctx))

	// Still usable afterwards.
	l.Add(ctx, "https://i.example/a.jpg")
	assert.True(t, l.Contains(ctx, "https://i.example/a.jpg"))
}

func TestPersistFailureKeepsInMemorySet(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.FailWrites = errors.New("disk full")

	l := NewLedger(st, "history.json", logging.NewDiscard())
	l.Add(ctx, "https://i.example/a.jpg")
	assert.True(t, l.Contains(ctx, "https://i.example/a.jpg"))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewFile(t.TempDir())

	l := NewLedger(st, "history.json", logging.NewDiscard())
	l.Add(ctx, "https://i.example/a.jpg")

	reloaded := NewLedger(st, "history.json", logging.NewDiscard())
	assert.True(t, reloaded.Contains(ctx, "https://i.example/a.jpg"))
}
