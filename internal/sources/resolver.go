// Package sources turns configured boards and profiles into validated,
// locally downloaded image assets. The resolver runs primary scraping
// strategies in order of reliability and falls back to aggregator APIs
// when the primary source is walled off.
package sources

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"memeflow/internal"
	"memeflow/internal/history"
	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/sourcecache"
)

// ErrNoSources means nothing is configured to acquire from. Callers
// treat this as a configuration failure, unlike ordinary misses.
var ErrNoSources = errors.New("no boards or secondary handles configured")

// Error substrings that mean the primary source is refusing us rather
// than one strategy misbehaving. Seeing one short-circuits the
// remaining primary strategies.
var blockingSignatures = []string{
	"empty response",
	"timeout",
	"connection",
	"blocked",
}

// Phrases in a probe body that mean a block wall, not content.
var probeBlockIndicators = []string{
	"captcha",
	"blocked",
	"access denied",
	"rate limit",
	"try again later",
}

// Strategy is one way of extracting candidate image URLs from a board
// page. Run must honor ctx but is additionally wrapped in a wall-clock
// timeout by the resolver.
type Strategy struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context, boardURL string, rng *rand.Rand) ([]string, error)
}

// FallbackDecider reports whether the circuit breaker has the primary
// source in fallback mode.
type FallbackDecider interface {
	ShouldUseFallback(ctx context.Context) bool
}

// Resolver produces at most one fresh asset per call. It never panics
// and never returns an error for ordinary misses: every internal
// failure is logged and flattened to a nil asset at the boundary.
//
// Per-strategy timeouts are wall-clock: a strategy that overruns is
// abandoned (its goroutine finishes in the background), not killed.
// Chrome-backed strategies carry their own deadline so the browser is
// still torn down.
type Resolver struct {
	log       *logging.Logger
	monitor   FallbackDecider
	history   *history.Ledger
	fetcher   *Fetcher
	boards    []string
	secondary *Secondary
	fallback  *MemeAPI

	strategies  []Strategy
	homeURL     string
	probeClient *http.Client
}

func NewResolver(cfg internal.Config, mon FallbackDecider, hist *history.Ledger, cache *sourcecache.Cache, log *logging.Logger) *Resolver {
	fetcher := NewFetcher("", log)

	browser := &browserScraper{log: log}
	static := &staticScraper{log: log}
	prober := newSearchProber(log)

	r := &Resolver{
		log:     log,
		monitor: mon,
		history: hist,
		fetcher: fetcher,
		boards:  cfg.PrimaryBoards,
		fallback: NewMemeAPI(nil, hist, fetcher, log),
		strategies: []Strategy{
			{Name: "chrome-board", Timeout: 35 * time.Second, Run: browser.scrapeBoard},
			{Name: "chrome-scroll", Timeout: 30 * time.Second, Run: browser.scrapeBoardScroll},
			{Name: "static-html", Timeout: 20 * time.Second, Run: static.parseBoardHTML},
			{Name: "script-json", Timeout: 15 * time.Second, Run: static.parseScriptJSON},
			{Name: "search-probe", Timeout: 15 * time.Second, Run: prober.probe},
		},
		homeURL:     cfg.PrimaryHomeURL,
		probeClient: &http.Client{Timeout: 8 * time.Second},
	}

	if cfg.XBearerToken != "" && len(cfg.SecondaryHandles) > 0 {
		r.secondary = NewSecondary(cfg.XBearerToken, cfg.SecondaryHandles, cache, hist, fetcher, log)
	}
	return r
}

// AcquireAny tries every configured acquisition route and returns one
// asset or nil. The seed drives every random choice of this attempt so
// retry rounds explore different picks. Only a missing configuration
// yields an error.
func (r *Resolver) AcquireAny(ctx context.Context, seed int64) (*model.SourceAsset, error) {
	if len(r.boards) == 0 && !r.secondary.Configured() {
		return nil, ErrNoSources
	}
	rng := rand.New(rand.NewSource(seed))

	for _, board := range shuffled(r.boards, rng) {
		if asset := r.Resolve(ctx, board, rng); asset != nil {
			return asset, nil
		}
	}

	if r.secondary.Configured() {
		asset, err := r.secondary.Fetch(ctx, rng)
		if err != nil {
			r.log.Warnf("resolver: secondary source: %v", err)
		}
		if asset != nil {
			return asset, nil
		}
	}

	if len(r.boards) == 0 {
		// No board ever reached the fallback tier, try it directly.
		asset, err := r.fallback.Fetch(ctx, rng)
		if err != nil {
			r.log.Warnf("resolver: fallback tier: %v", err)
		}
		return asset, nil
	}
	return nil, nil
}

// Resolve runs the acquisition state machine for one board:
// monitor check, point-in-time block probe, primary strategies in
// order, then the aggregator fallback. Returns nil when everything
// failed.
func (r *Resolver) Resolve(ctx context.Context, boardURL string, rng *rand.Rand) *model.SourceAsset {
	if r.monitor != nil && r.monitor.ShouldUseFallback(ctx) {
		r.log.Infof("resolver: circuit breaker open, using fallback tier")
		return r.resolveFallback(ctx, rng)
	}

	if r.probeBlocked(ctx) {
		r.log.Infof("resolver: primary source looks blocked right now, using fallback tier")
		return r.resolveFallback(ctx, rng)
	}

	for _, strat := range r.strategies {
		candidates, err := r.runStrategy(ctx, strat, boardURL, rng)
		if err != nil {
			if isBlockingSignature(err) {
				r.log.Warnf("resolver: %s hit blocking signature (%v), abandoning primary strategies", strat.Name, err)
				return r.resolveFallback(ctx, rng)
			}
			r.log.Warnf("resolver: %s failed: %v", strat.Name, err)
			continue
		}

		candidates = normalizeCandidates(candidates)
		if len(candidates) == 0 {
			r.log.Infof("resolver: %s produced no usable candidates", strat.Name)
			continue
		}
		r.log.Infof("resolver: %s produced %d candidates", strat.Name, len(candidates))

		if asset := r.downloadOne(ctx, candidates, boardURL, rng); asset != nil {
			r.log.Infof("resolver: ✓ asset acquired via %s", strat.Name)
			return asset
		}
	}

	r.log.Infof("resolver: all primary strategies exhausted for %s", boardURL)
	return r.resolveFallback(ctx, rng)
}

// runStrategy enforces the wall-clock timeout around one strategy.
func (r *Resolver) runStrategy(ctx context.Context, strat Strategy, boardURL string, rng *rand.Rand) ([]string, error) {
	type result struct {
		urls []string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		urls, err := strat.Run(ctx, boardURL, rng)
		ch <- result{urls: urls, err: err}
	}()

	timer := time.NewTimer(strat.Timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.urls, res.err
	case <-timer.C:
		return nil, errors.New(strat.Name + ": timeout, strategy abandoned")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// downloadOne picks a random candidate and validates it, allowing one
// backup pick when the first fails validation.
func (r *Resolver) downloadOne(ctx context.Context, candidates []string, boardURL string, rng *rand.Rand) *model.SourceAsset {
	remaining := shuffled(candidates, rng)
	tries := 2
	if len(remaining) < tries {
		tries = len(remaining)
	}
	for i := 0; i < tries; i++ {
		pick := remaining[i]
		asset, err := r.fetcher.Fetch(ctx, pick, model.SourceKindBoard, boardURL)
		if err != nil {
			r.log.Warnf("resolver: candidate rejected: %v", err)
			continue
		}
		return asset
	}
	return nil
}

func (r *Resolver) resolveFallback(ctx context.Context, rng *rand.Rand) *model.SourceAsset {
	asset, err := r.fallback.Fetch(ctx, rng)
	if err != nil {
		r.log.Warnf("resolver: fallback tier failed: %v", err)
		return nil
	}
	return asset
}

// probeBlocked is a cheap point-in-time check, independent of the
// circuit breaker's persisted state.
func (r *Resolver) probeBlocked(ctx context.Context) bool {
	if r.homeURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.homeURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := r.probeClient.Do(req)
	if err != nil {
		// Transport failure is indistinguishable from our own network
		// hiccup; let the strategies surface the real signal.
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, indicator := range probeBlockIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

func isBlockingSignature(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range blockingSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
