package generator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockIsSingleFlight(t *testing.T) {
	l := &Lock{}
	require.True(t, l.TryLock())
	assert.False(t, l.TryLock(), "second acquire must fail, not block")

	l.Unlock()
	assert.True(t, l.TryLock(), "released lock is acquirable again")
	l.Unlock()
}

func TestOnlyOneWinnerUnderContention(t *testing.T) {
	l := &Lock{}
	var wg sync.WaitGroup
	wins := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryLock() {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestHeldForReportsDuration(t *testing.T) {
	l := &Lock{}
	_, held := l.HeldFor()
	assert.False(t, held)

	require.True(t, l.TryLock())
	time.Sleep(20 * time.Millisecond)
	d, held := l.HeldFor()
	assert.True(t, held)
	assert.GreaterOrEqual(t, d, 20*time.Millisecond)

	released := l.Unlock()
	assert.GreaterOrEqual(t, released, 20*time.Millisecond)
}

func TestUnlockWithoutLockIsHarmless(t *testing.T) {
	l := &Lock{}
	assert.Zero(t, l.Unlock())
}
