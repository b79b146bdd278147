// Package history remembers every source URL that was ever turned into
// a rendered video so the same material is never picked twice.
package history

import (
	"context"
	"sync"
	"time"

	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/store"
)

type Ledger struct {
	st  store.JSON
	key string
	log *logging.Logger

	mu     sync.Mutex
	urls   map[string]struct{}
	order  []string
	loaded bool
}

func NewLedger(st store.JSON, key string, log *logging.Logger) *Ledger {
	return &Ledger{st: st, key: key, log: log}
}

// load pulls the persisted set once. A read failure degrades to an
// empty set rather than blocking generation.
func (l *Ledger) load(ctx context.Context) {
	if l.loaded {
		return
	}
	l.loaded = true
	l.urls = map[string]struct{}{}

	var idx model.HistoryIndex
	found, err := l.st.ReadJSON(ctx, l.key, &idx)
	if err != nil {
		l.log.Warnf("history: load failed, starting empty: %v", err)
		return
	}
	if !found {
		return
	}
	for _, u := range idx.URLs {
		if _, dup := l.urls[u]; !dup {
			l.urls[u] = struct{}{}
			l.order = append(l.order, u)
		}
	}
	l.log.Infof("history: loaded %d used URLs", len(l.order))
}

func (l *Ledger) Contains(ctx context.Context, url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load(ctx)
	_, ok := l.urls[url]
	return ok
}

// Add records a URL. Re-adding is a no-op and skips the write.
func (l *Ledger) Add(ctx context.Context, url string) {
	if url == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load(ctx)
	if _, ok := l.urls[url]; ok {
		return
	}
	l.urls[url] = struct{}{}
	l.order = append(l.order, url)

	idx := model.HistoryIndex{UpdatedAt: time.Now(), URLs: append([]string(nil), l.order...)}
	if err := l.st.WriteJSON(ctx, l.key, &idx); err != nil {
		l.log.Warnf("history: persist failed: %v", err)
	}
}

// All returns a snapshot of the used set.
func (l *Ledger) All(ctx context.Context) map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load(ctx)
	out := make(map[string]struct{}, len(l.urls))
	for u := range l.urls {
		out[u] = struct{}{}
	}
	return out
}

func (l *Ledger) Len(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.load(ctx)
	return len(l.urls)
}
