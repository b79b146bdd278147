package sourcecache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memeflow/internal/logging"
	"memeflow/internal/store"
)

func newTestCache(st store.JSON) *Cache {
	return New(st, "source_cache.json", 15*time.Minute, 500, logging.NewDiscard())
}

func TestIdentityLookupIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(store.NewMemory())

	c.PutCachedIdentity(ctx, "MemeLord", "12345")

	id, ok := c.GetCachedIdentity(ctx, "memelord")
	require.True(t, ok)
	assert.Equal(t, "12345", id)

	id, ok = c.GetCachedIdentity(ctx, "MEMELORD")
	require.True(t, ok)
	assert.Equal(t, "12345", id)

	_, ok = c.GetCachedIdentity(ctx, "somebodyelse")
	assert.False(t, ok)
}

func TestAddCandidatesDedupKeepsLatest(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(store.NewMemory())

	c.AddCandidates(ctx, "alpha", []string{"u1", "u2"})
	c.AddCandidates(ctx, "beta", []string{"u2", "u3"})

	assert.Equal(t, 3, c.PendingCount(ctx))

	// u1 pops first; u2 kept its latest occurrence, owned by beta.
	owner, url, ok := c.PopCandidate(ctx, nil)
	require.True(t, ok)
	assert.Equal(t, "alpha", owner)
	assert.Equal(t, "u1", url)

	owner, url, ok = c.PopCandidate(ctx, nil)
	require.True(t, ok)
	assert.Equal(t, "beta", owner)
	assert.Equal(t, "u2", url)
}

func TestAddCandidatesCapsBacklog(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory(), "source_cache.json", 15*time.Minute, 500, logging.NewDiscard())

	var urls []string
	for i := 0; i < 600; i++ {
		urls = append(urls, fmt.Sprintf("https://i.example/%d.jpg", i))
	}
	c.AddCandidates(ctx, "alpha", urls)

	assert.Equal(t, 500, c.PendingCount(ctx))

	// Oldest entries were dropped, the newest survive.
	_, url, ok := c.PopCandidate(ctx, nil)
	require.True(t, ok)
	assert.Equal(t, "https://i.example/100.jpg", url)
}

func TestPopCandidateSkipsExcluded(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(store.NewMemory())

	c.AddCandidates(ctx, "alpha", []string{"used1", "used2", "fresh"})

	exclude := map[string]struct{}{"used1": {}, "used2": {}}
	owner, url, ok := c.PopCandidate(ctx, exclude)
	require.True(t, ok)
	assert.Equal(t, "alpha", owner)
	assert.Equal(t, "fresh", url)

	// Excluded entries stay queued; only the popped one is gone.
	assert.Equal(t, 2, c.PendingCount(ctx))

	_, _, ok = c.PopCandidate(ctx, exclude)
	assert.False(t, ok, "everything left is excluded")
}

func TestRateWindowDefaultsToNowPlusWindow(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(store.NewMemory())

	assert.True(t, c.NextAllowedAt(ctx).IsZero(), "fresh cache has no window")

	before := time.Now()
	c.MarkRateWindowConsumed(ctx, 0)
	next := c.NextAllowedAt(ctx)

	assert.WithinDuration(t, before.Add(15*time.Minute), next, 5*time.Second)
}

func TestRateWindowServerResetWins(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(store.NewMemory())

	reset := time.Now().Add(42 * time.Minute).Unix()
	c.MarkRateWindowConsumed(ctx, reset)

	assert.Equal(t, reset, c.NextAllowedAt(ctx).Unix())
}

func TestRateWindowPastResetIgnored(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(store.NewMemory())

	before := time.Now()
	c.MarkRateWindowConsumed(ctx, time.Now().Add(-time.Hour).Unix())

	assert.WithinDuration(t, before.Add(15*time.Minute), c.NextAllowedAt(ctx), 5*time.Second)
}

func TestStateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	st := store.NewFile(t.TempDir())

	c := New(st, "source_cache.json", 15*time.Minute, 500, logging.NewDiscard())
	c.PutCachedIdentity(ctx, "alpha", "111")
	c.AddCandidates(ctx, "alpha", []string{"u1"})
	c.MarkRateWindowConsumed(ctx, 0)

	reloaded := New(st, "source_cache.json", 15*time.Minute, 500, logging.NewDiscard())
	id, ok := reloaded.GetCachedIdentity(ctx, "ALPHA")
	require.True(t, ok)
	assert.Equal(t, "111", id)
	assert.Equal(t, 1, reloaded.PendingCount(ctx))
	assert.False(t, reloaded.NextAllowedAt(ctx).IsZero())
}
