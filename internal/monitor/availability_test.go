package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/store"
)

const statusKey = "availability.json"

func newTestMonitor(homeURL string, st store.JSON) *Monitor {
	return New(homeURL, st, statusKey, 5*time.Minute, 3, logging.NewDiscard())
}

func TestUpdateStatusEntersFallbackAtThreshold(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := newTestMonitor("http://example.invalid/", st)

	m.UpdateStatus(ctx, false)
	m.UpdateStatus(ctx, false)
	assert.False(t, m.Status(ctx).FallbackMode, "two failures must not trip the breaker")
	assert.Equal(t, 2, m.Status(ctx).ConsecutiveFailures)

	m.UpdateStatus(ctx, false)
	assert.True(t, m.Status(ctx).FallbackMode, "third failure trips the breaker")

	// Further failures keep it tripped without resetting anything.
	m.UpdateStatus(ctx, false)
	rec := m.Status(ctx)
	assert.True(t, rec.FallbackMode)
	assert.Equal(t, 4, rec.ConsecutiveFailures)
}

func TestUpdateStatusSuccessResets(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := newTestMonitor("http://example.invalid/", st)

	for i := 0; i < 5; i++ {
		m.UpdateStatus(ctx, false)
	}
	require.True(t, m.Status(ctx).FallbackMode)

	m.UpdateStatus(ctx, true)
	rec := m.Status(ctx)
	assert.False(t, rec.FallbackMode)
	assert.False(t, rec.IsBlocked)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.NotZero(t, rec.LastSuccessTS)
}

func TestCheckAvailabilityBlockingIndicators(t *testing.T) {
	cases := []struct {
		name string
		code int
		body string
		want bool
	}{
		{"plain page", 200, "<html>memes here</html>", true},
		{"captcha wall", 200, "<html>please solve this CAPTCHA</html>", false},
		{"access denied", 200, "Access Denied", false},
		{"rate limited body", 200, "rate limit exceeded, try later", false},
		{"server error", 503, "oops", false},
		{"forbidden", 403, "nope", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			m := newTestMonitor(srv.URL, store.NewMemory())
			assert.Equal(t, tc.want, m.CheckAvailability(context.Background()))
		})
	}
}

func TestCheckAvailabilityTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // probe hits a dead server

	m := newTestMonitor(srv.URL, store.NewMemory())
	assert.False(t, m.CheckAvailability(context.Background()))
}

func TestShouldUseFallbackLazyRecheck(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := newTestMonitor(srv.URL, st)

	// Fresh record: no last check, so the first call probes.
	assert.False(t, m.ShouldUseFallback(ctx))
	require.Equal(t, 1, hits)

	// Recent check recorded, second call must answer from the record.
	assert.False(t, m.ShouldUseFallback(ctx))
	assert.Equal(t, 1, hits)

	// Age the record past the recheck interval: probes again.
	rec := m.Status(ctx)
	rec.LastCheckTS = float64(time.Now().Add(-10 * time.Minute).Unix())
	require.NoError(t, st.WriteJSON(ctx, statusKey, &rec))
	assert.False(t, m.ShouldUseFallback(ctx))
	assert.Equal(t, 2, hits)
}

func TestShouldUseFallbackRoutesAfterThreeFailedProbes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	m := newTestMonitor(srv.URL, st)

	for i := 0; i < 3; i++ {
		// Age the record so each call actually probes.
		rec := m.Status(ctx)
		rec.LastCheckTS = float64(time.Now().Add(-10 * time.Minute).Unix())
		require.NoError(t, st.WriteJSON(ctx, statusKey, &rec))
		m.ShouldUseFallback(ctx)
	}
	assert.True(t, m.ShouldUseFallback(ctx), "three failed probes must route to fallback")
}

func TestForceCheckBypassesThrottleAndCountsRecovery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fine"))
	}))
	defer srv.Close()

	m := newTestMonitor(srv.URL, st)

	rec := model.AvailabilityStatus{
		LastCheckTS:         float64(time.Now().Unix()),
		FallbackMode:        true,
		ConsecutiveFailures: 7,
	}
	require.NoError(t, st.WriteJSON(ctx, statusKey, &rec))

	assert.True(t, m.ForceCheck(ctx))
	after := m.Status(ctx)
	assert.False(t, after.FallbackMode)
	assert.Equal(t, 1, after.RecoveryAttempts)
}

func TestStatusDegradesToDefaults(t *testing.T) {
	m := newTestMonitor("http://example.invalid/", store.NewMemory())
	rec := m.Status(context.Background())
	assert.Zero(t, rec.LastCheckTS)
	assert.False(t, rec.FallbackMode)
}
