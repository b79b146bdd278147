// Package monitor tracks whether the primary source is usable and
// decides when the pipeline should run in fallback mode.
package monitor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/store"
)

const (
	probeTimeout = 10 * time.Second
	// Body is only sniffed this far for blocking indicators.
	probeBodyLimit = 256 * 1024
)

// Phrases in a 2xx body that still mean "we are being walled off".
var blockingIndicators = []string{
	"captcha",
	"blocked",
	"access denied",
	"rate limit",
	"try again later",
}

// Monitor is a persisted circuit breaker. The status record is created
// with defaults on first read and overwritten in place afterwards.
// Read-modify-write here is not atomic; callers serialize generation
// through the single-flight lock, so concurrent writers do not occur in
// practice.
type Monitor struct {
	homeURL          string
	st               store.JSON
	key              string
	log              *logging.Logger
	client           *http.Client
	recheckInterval  time.Duration
	failureThreshold int
}

func New(homeURL string, st store.JSON, key string, recheckInterval time.Duration, failureThreshold int, log *logging.Logger) *Monitor {
	if recheckInterval <= 0 {
		recheckInterval = 5 * time.Minute
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Monitor{
		homeURL:          homeURL,
		st:               st,
		key:              key,
		log:              log,
		client:           &http.Client{Timeout: probeTimeout},
		recheckInterval:  recheckInterval,
		failureThreshold: failureThreshold,
	}
}

// Status returns the current persisted record, defaults when missing.
func (m *Monitor) Status(ctx context.Context) model.AvailabilityStatus {
	var st model.AvailabilityStatus
	found, err := m.st.ReadJSON(ctx, m.key, &st)
	if err != nil {
		m.log.Warnf("monitor: read status failed, using defaults: %v", err)
		return model.AvailabilityStatus{}
	}
	if !found {
		return model.AvailabilityStatus{}
	}
	return st
}

func (m *Monitor) save(ctx context.Context, st model.AvailabilityStatus) {
	if err := m.st.WriteJSON(ctx, m.key, &st); err != nil {
		m.log.Warnf("monitor: persist status failed: %v", err)
	}
}

// CheckAvailability probes the primary home page. Any transport error,
// status >= 400 or a blocking indicator in the body counts as
// unavailable. Never returns an error.
func (m *Monitor) CheckAvailability(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.homeURL, nil)
	if err != nil {
		m.log.Warnf("monitor: bad probe URL %s: %v", m.homeURL, err)
		return false
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Infof("monitor: probe failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.log.Infof("monitor: probe got status %d", resp.StatusCode)
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if err != nil {
		m.log.Infof("monitor: probe body read failed: %v", err)
		return false
	}
	lower := strings.ToLower(string(body))
	for _, indicator := range blockingIndicators {
		if strings.Contains(lower, indicator) {
			m.log.Infof("monitor: probe body contains %q", indicator)
			return false
		}
	}
	return true
}

// UpdateStatus folds one probe outcome into the record. Fallback mode
// engages exactly when the failure streak reaches the threshold and is
// cleared by any success.
func (m *Monitor) UpdateStatus(ctx context.Context, ok bool) {
	st := m.Status(ctx)
	now := float64(time.Now().Unix())
	st.LastCheckTS = now

	if ok {
		st.ConsecutiveFailures = 0
		st.LastSuccessTS = now
		st.IsBlocked = false
		if st.FallbackMode {
			m.log.Infof("monitor: ✓ primary source recovered, leaving fallback mode")
		}
		st.FallbackMode = false
	} else {
		st.ConsecutiveFailures++
		st.IsBlocked = true
		if !st.FallbackMode && st.ConsecutiveFailures >= m.failureThreshold {
			st.FallbackMode = true
			m.log.Infof("monitor: ✗ %d consecutive failures, entering fallback mode", st.ConsecutiveFailures)
		}
	}
	m.save(ctx, st)
}

// ShouldUseFallback re-probes lazily when the last check is older than
// the recheck interval, then answers from the record.
func (m *Monitor) ShouldUseFallback(ctx context.Context) bool {
	st := m.Status(ctx)
	age := float64(time.Now().Unix()) - st.LastCheckTS
	if age > m.recheckInterval.Seconds() {
		if st.FallbackMode {
			st.RecoveryAttempts++
			m.save(ctx, st)
		}
		ok := m.CheckAvailability(ctx)
		m.UpdateStatus(ctx, ok)
		return m.Status(ctx).FallbackMode
	}
	return st.FallbackMode
}

// ForceCheck bypasses the recheck throttle, probes and records the
// outcome, and reports it.
func (m *Monitor) ForceCheck(ctx context.Context) bool {
	st := m.Status(ctx)
	if st.FallbackMode {
		st.RecoveryAttempts++
		m.save(ctx, st)
	}
	ok := m.CheckAvailability(ctx)
	m.UpdateStatus(ctx, ok)
	return ok
}
