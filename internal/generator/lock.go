package generator

import (
	"sync"
	"time"
)

// Lock is the single-flight guard around generation. TryLock never
// blocks: a busy caller gets false plus, via HeldFor, how long the
// running job has been at it.
type Lock struct {
	mu    sync.Mutex
	held  bool
	since time.Time
}

func (l *Lock) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	l.since = time.Now()
	return true
}

// Unlock releases the lock and reports how long it was held. Safe to
// call via defer only after a successful TryLock.
func (l *Lock) Unlock() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return 0
	}
	d := time.Since(l.since)
	l.held = false
	return d
}

// HeldFor reports whether the lock is taken and for how long.
func (l *Lock) HeldFor() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return 0, false
	}
	return time.Since(l.since), true
}
