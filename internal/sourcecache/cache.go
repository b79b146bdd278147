// Package sourcecache backs the quota-limited secondary source: it
// remembers resolved account identities, buffers candidate media URLs
// between rate windows and tracks when the next upstream query is
// allowed.
package sourcecache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/store"
)

type Cache struct {
	st         store.JSON
	key        string
	log        *logging.Logger
	rateWindow time.Duration
	pendingCap int

	mu     sync.Mutex
	state  *model.SourceCacheState
	loaded bool
}

func New(st store.JSON, key string, rateWindow time.Duration, pendingCap int, log *logging.Logger) *Cache {
	if rateWindow <= 0 {
		rateWindow = 15 * time.Minute
	}
	if pendingCap <= 0 {
		pendingCap = 500
	}
	return &Cache{st: st, key: key, rateWindow: rateWindow, pendingCap: pendingCap, log: log}
}

func (c *Cache) load(ctx context.Context) {
	if c.loaded {
		return
	}
	c.loaded = true
	var st model.SourceCacheState
	found, err := c.st.ReadJSON(ctx, c.key, &st)
	if err != nil {
		c.log.Warnf("sourcecache: load failed, starting empty: %v", err)
	}
	if err != nil || !found {
		st = model.SourceCacheState{}
	}
	if st.Identities == nil {
		st.Identities = map[string]model.CachedIdentity{}
	}
	c.state = &st
}

func (c *Cache) persist(ctx context.Context) {
	c.state.UpdatedAt = time.Now()
	if err := c.st.WriteJSON(ctx, c.key, c.state); err != nil {
		c.log.Warnf("sourcecache: persist failed: %v", err)
	}
}

func handleKey(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// GetCachedIdentity returns a previously resolved account id. Handle
// lookup is case-insensitive.
func (c *Cache) GetCachedIdentity(ctx context.Context, handle string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(ctx)
	id, ok := c.state.Identities[handleKey(handle)]
	if !ok || id.ResolvedID == "" {
		return "", false
	}
	return id.ResolvedID, true
}

func (c *Cache) PutCachedIdentity(ctx context.Context, handle, resolvedID string) {
	if handle == "" || resolvedID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(ctx)
	c.state.Identities[handleKey(handle)] = model.CachedIdentity{
		ResolvedID: resolvedID,
		ResolvedAt: time.Now(),
	}
	c.persist(ctx)
}

// AddCandidates appends fresh media URLs for an owner, then dedups the
// whole backlog by URL keeping the most-recently-queued occurrence, and
// finally trims to the newest pendingCap entries.
func (c *Cache) AddCandidates(ctx context.Context, owner string, urls []string) {
	if len(urls) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(ctx)

	now := time.Now()
	for _, u := range urls {
		if u == "" {
			continue
		}
		c.state.Pending = append(c.state.Pending, model.CandidateEntry{
			Owner:    owner,
			URL:      u,
			QueuedAt: now,
		})
	}

	// Walk from the tail so the latest occurrence of each URL wins,
	// then restore stored order.
	seen := map[string]struct{}{}
	var kept []model.CandidateEntry
	for i := len(c.state.Pending) - 1; i >= 0; i-- {
		e := c.state.Pending[i]
		if _, dup := seen[e.URL]; dup {
			continue
		}
		seen[e.URL] = struct{}{}
		kept = append(kept, e)
	}
	lo.Reverse(kept)

	if len(kept) > c.pendingCap {
		kept = kept[len(kept)-c.pendingCap:]
	}
	c.state.Pending = kept
	c.persist(ctx)
	c.log.Infof("sourcecache: backlog now %d candidates", len(kept))
}

// PopCandidate removes and returns the first pending entry whose URL is
// not in exclude. History filtering happens here, at pop time only.
func (c *Cache) PopCandidate(ctx context.Context, exclude map[string]struct{}) (owner, url string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(ctx)

	for i, e := range c.state.Pending {
		if _, used := exclude[e.URL]; used {
			continue
		}
		c.state.Pending = append(c.state.Pending[:i], c.state.Pending[i+1:]...)
		c.persist(ctx)
		return e.Owner, e.URL, true
	}
	return "", "", false
}

func (c *Cache) PendingCount(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(ctx)
	return len(c.state.Pending)
}

// NextAllowedAt reports when the next fresh upstream query may run.
// Cached candidates are served regardless of this.
func (c *Cache) NextAllowedAt(ctx context.Context) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(ctx)
	if c.state.NextAllowedTS == 0 {
		return time.Time{}
	}
	return time.Unix(int64(c.state.NextAllowedTS), 0)
}

// MarkRateWindowConsumed closes the query window. A server-supplied
// reset epoch wins when it lies in the future, otherwise now+window.
func (c *Cache) MarkRateWindowConsumed(ctx context.Context, serverResetEpoch int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(ctx)

	next := time.Now().Add(c.rateWindow)
	if serverResetEpoch > 0 {
		if reset := time.Unix(serverResetEpoch, 0); reset.After(time.Now()) {
			next = reset
		}
	}
	c.state.NextAllowedTS = float64(next.Unix())
	c.persist(ctx)
	c.log.Infof("sourcecache: next upstream query allowed at %s", next.Format(time.RFC3339))
}
