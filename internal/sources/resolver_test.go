package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memeflow/internal/history"
	"memeflow/internal/logging"
	"memeflow/internal/store"
)

// testImage renders a noisy PNG big enough to pass validation.
func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	rng := rand.New(rand.NewSource(1))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.Greater(t, buf.Len(), minAssetBytes)
	return buf.Bytes()
}

func imageServer(t *testing.T) *httptest.Server {
	img := testImage(t)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	}))
}

func fallbackServer(t *testing.T, imageURL string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"memes":[{"url":%q,"nsfw":false,"title":"ok"}]}`, imageURL)
	}))
}

type stubMonitor struct{ fallback bool }

func (s *stubMonitor) ShouldUseFallback(context.Context) bool { return s.fallback }

func newTestResolver(t *testing.T, mon FallbackDecider, fallbackEndpoint string, strategies []Strategy) *Resolver {
	log := logging.NewDiscard()
	hist := history.NewLedger(store.NewMemory(), "history.json", log)
	fetcher := NewFetcher(t.TempDir(), log)
	return &Resolver{
		log:         log,
		monitor:     mon,
		history:     hist,
		fetcher:     fetcher,
		boards:      []string{"https://boards.example/user/memes/"},
		fallback:    NewMemeAPI([]string{fallbackEndpoint}, hist, fetcher, log),
		strategies:  strategies,
		probeClient: &http.Client{Timeout: time.Second},
	}
}

func TestResolveReturnsNilWhenEverythingFails(t *testing.T) {
	deadAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer deadAPI.Close()

	r := newTestResolver(t, &stubMonitor{}, deadAPI.URL, []Strategy{
		{Name: "broken", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			return nil, errors.New("selector matched nothing")
		}},
	})

	asset := r.Resolve(context.Background(), "https://boards.example/user/memes/", rand.New(rand.NewSource(1)))
	assert.Nil(t, asset, "total failure must flatten to nil, not an error or panic")
}

func TestResolveUsesFirstWorkingStrategy(t *testing.T) {
	imgSrv := imageServer(t)
	defer imgSrv.Close()

	secondCalled := false
	r := newTestResolver(t, &stubMonitor{}, "http://unused.invalid", []Strategy{
		{Name: "first", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			return []string{imgSrv.URL + "/a.png"}, nil
		}},
		{Name: "second", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			secondCalled = true
			return nil, errors.New("should not run")
		}},
	})

	asset := r.Resolve(context.Background(), "https://boards.example/user/memes/", rand.New(rand.NewSource(1)))
	require.NotNil(t, asset)
	assert.False(t, secondCalled, "first success must return immediately")
	assert.Equal(t, "https://boards.example/user/memes/", asset.SourceURL)
	assert.NotEmpty(t, asset.LocalPath)
	assert.NotEmpty(t, asset.SHA256)
}

func TestBlockingSignatureShortCircuitsToFallback(t *testing.T) {
	imgSrv := imageServer(t)
	defer imgSrv.Close()
	api := fallbackServer(t, imgSrv.URL+"/m.png")
	defer api.Close()

	laterCalled := false
	r := newTestResolver(t, &stubMonitor{}, api.URL, []Strategy{
		{Name: "first", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			return nil, errors.New("connection reset by peer")
		}},
		{Name: "later", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			laterCalled = true
			return nil, errors.New("should not run")
		}},
	})

	asset := r.Resolve(context.Background(), "https://boards.example/user/memes/", rand.New(rand.NewSource(1)))
	require.NotNil(t, asset, "fallback tier must serve the asset")
	assert.False(t, laterCalled, "blocking signature must skip remaining strategies")
}

func TestNonBlockingErrorContinuesToNextStrategy(t *testing.T) {
	imgSrv := imageServer(t)
	defer imgSrv.Close()

	r := newTestResolver(t, &stubMonitor{}, "http://unused.invalid", []Strategy{
		{Name: "first", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			return nil, errors.New("no pin links found on board")
		}},
		{Name: "second", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			return []string{imgSrv.URL + "/b.png"}, nil
		}},
	})

	asset := r.Resolve(context.Background(), "https://boards.example/user/memes/", rand.New(rand.NewSource(1)))
	assert.NotNil(t, asset)
}

func TestMonitorFallbackSkipsPrimaryStrategies(t *testing.T) {
	imgSrv := imageServer(t)
	defer imgSrv.Close()
	api := fallbackServer(t, imgSrv.URL+"/m.png")
	defer api.Close()

	primaryCalled := false
	r := newTestResolver(t, &stubMonitor{fallback: true}, api.URL, []Strategy{
		{Name: "primary", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			primaryCalled = true
			return nil, nil
		}},
	})

	asset := r.Resolve(context.Background(), "https://boards.example/user/memes/", rand.New(rand.NewSource(1)))
	require.NotNil(t, asset)
	assert.False(t, primaryCalled, "open circuit breaker must route straight to the fallback tier")
}

func TestBlockedProbeSkipsPrimaryStrategies(t *testing.T) {
	imgSrv := imageServer(t)
	defer imgSrv.Close()
	api := fallbackServer(t, imgSrv.URL+"/m.png")
	defer api.Close()

	wall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("please solve this captcha to continue"))
	}))
	defer wall.Close()

	primaryCalled := false
	r := newTestResolver(t, &stubMonitor{}, api.URL, []Strategy{
		{Name: "primary", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			primaryCalled = true
			return nil, nil
		}},
	})
	r.homeURL = wall.URL

	asset := r.Resolve(context.Background(), "https://boards.example/user/memes/", rand.New(rand.NewSource(1)))
	require.NotNil(t, asset)
	assert.False(t, primaryCalled)
}

func TestStrategyTimeoutIsAbandoned(t *testing.T) {
	imgSrv := imageServer(t)
	defer imgSrv.Close()
	api := fallbackServer(t, imgSrv.URL+"/m.png")
	defer api.Close()

	r := newTestResolver(t, &stubMonitor{}, api.URL, []Strategy{
		{Name: "slow", Timeout: 50 * time.Millisecond, Run: func(ctx context.Context, _ string, _ *rand.Rand) ([]string, error) {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return []string{"https://late.example/too-late.jpg"}, nil
		}},
	})

	start := time.Now()
	asset := r.Resolve(context.Background(), "https://boards.example/user/memes/", rand.New(rand.NewSource(1)))
	require.NotNil(t, asset, "timeout counts as a blocking signature, fallback serves")
	assert.Less(t, time.Since(start), time.Second, "resolver must not wait for the abandoned strategy")
}

func TestValidationFailureTriesOneBackupCandidate(t *testing.T) {
	imgSrv := imageServer(t)
	defer imgSrv.Close()
	tiny := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x")) // way under the size floor
	}))
	defer tiny.Close()

	// Both candidates point somewhere; whichever the shuffle picks
	// first, the valid one must win within two tries.
	r := newTestResolver(t, &stubMonitor{}, "http://unused.invalid", []Strategy{
		{Name: "mixed", Timeout: time.Second, Run: func(context.Context, string, *rand.Rand) ([]string, error) {
			return []string{tiny.URL + "/broken.png", imgSrv.URL + "/good.png"}, nil
		}},
	})

	asset := r.Resolve(context.Background(), "https://boards.example/user/memes/", rand.New(rand.NewSource(1)))
	assert.NotNil(t, asset)
}

func TestAcquireAnyWithoutConfigurationFails(t *testing.T) {
	r := newTestResolver(t, &stubMonitor{}, "http://unused.invalid", nil)
	r.boards = nil

	_, err := r.AcquireAny(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestMemeAPISkipsNSFWAndHistory(t *testing.T) {
	imgSrv := imageServer(t)
	defer imgSrv.Close()

	usedURL := imgSrv.URL + "/used.png"
	nsfwURL := imgSrv.URL + "/nsfw.png"
	freshURL := imgSrv.URL + "/fresh.png"

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"memes":[
			{"url":%q,"nsfw":false},
			{"url":%q,"nsfw":true},
			{"url":%q,"nsfw":false}
		]}`, usedURL, nsfwURL, freshURL)
	}))
	defer api.Close()

	log := logging.NewDiscard()
	hist := history.NewLedger(store.NewMemory(), "history.json", log)
	hist.Add(context.Background(), usedURL)

	m := NewMemeAPI([]string{api.URL}, hist, NewFetcher(t.TempDir(), log), log)
	asset, err := m.Fetch(context.Background(), rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, freshURL, asset.MediaURL, "only the fresh SFW post is eligible")
	assert.True(t, hist.Contains(context.Background(), freshURL), "chosen URL is recorded")

	// Everything eligible is now in history: the next call must miss.
	_, err = m.Fetch(context.Background(), rand.New(rand.NewSource(8)))
	assert.Error(t, err)
}
