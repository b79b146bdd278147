package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"memeflow/internal/generator"
	"memeflow/internal/logging"
)

const (
	watchdogTick = 10 * time.Second
	// A slot found further in the past than this was missed while the
	// process was down. It is logged and skipped, not fired late.
	slotGrace = 5 * time.Minute
)

// Watchdog re-arms against the next unconsumed schedule slot on every
// tick. Reloading the schedule each tick picks up external edits
// (/setnext, /clearschedule) and regenerates tomorrow's schedule once
// today's is exhausted.
type Watchdog struct {
	svc *Service
	log *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	firedMux sync.Mutex
	fired    map[string]bool
}

func NewWatchdog(svc *Service, log *logging.Logger) *Watchdog {
	return &Watchdog{
		svc:    svc,
		log:    log,
		stopCh: make(chan struct{}),
		fired:  make(map[string]bool),
	}
}

func (w *Watchdog) Start(ctx context.Context) {
	w.log.Infof("watchdog: starting, tick=%s", watchdogTick)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
}

func (w *Watchdog) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Infof("watchdog: stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	// Slots already in the past at startup were missed, not pending.
	if _, err := w.svc.RefreshSchedule(ctx, time.Now()); err != nil {
		w.log.Errorf("watchdog: initial schedule load failed: %v", err)
	}
	w.markElapsed(time.Now().Add(-slotGrace))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx, time.Now())
		}
	}
}

// markElapsed pre-consumes every slot at or before cutoff so the loop
// never fires stale slots after a restart.
func (w *Watchdog) markElapsed(cutoff time.Time) {
	sched := w.svc.GetSchedule()
	if sched == nil {
		return
	}
	w.firedMux.Lock()
	defer w.firedMux.Unlock()
	for _, e := range sched.Entries {
		if !e.Time.After(cutoff) {
			w.fired[slotKey(e.Time)] = true
		}
	}
}

func (w *Watchdog) tick(ctx context.Context, now time.Time) {
	sched, err := w.svc.RefreshSchedule(ctx, now)
	if err != nil {
		w.log.Errorf("watchdog: schedule refresh failed: %v", err)
		return
	}
	if sched == nil || len(sched.Entries) == 0 {
		return
	}

	for _, e := range sched.Entries {
		if e.Time.After(now) {
			break
		}
		key := slotKey(e.Time)
		w.firedMux.Lock()
		done := w.fired[key]
		w.firedMux.Unlock()
		if done {
			continue
		}

		if now.Sub(e.Time) > slotGrace {
			w.log.Warnf("watchdog: slot %s missed, skipping", e.Time.Format(time.Kitchen))
			w.markFired(key)
			continue
		}

		w.log.Infof("watchdog: firing slot %s", e.Time.Format(time.Kitchen))
		if err := w.svc.RunScheduledGeneration(ctx); err != nil {
			var busy *generator.ErrBusy
			if errors.As(err, &busy) {
				// Another job holds the lock; the slot stays armed and
				// the next tick retries.
				w.log.Infof("watchdog: generation busy (%s), will retry", busy.Held.Round(time.Second))
				return
			}
			w.log.Errorf("watchdog: scheduled generation failed: %v", err)
		}
		w.markFired(key)
		return
	}
}

func (w *Watchdog) markFired(key string) {
	w.firedMux.Lock()
	defer w.firedMux.Unlock()
	w.fired[key] = true

	// Old entries are useless once their day has passed.
	if len(w.fired) > 64 {
		w.fired = map[string]bool{key: true}
	}
}

func slotKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
