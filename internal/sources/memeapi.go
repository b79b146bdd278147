package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"memeflow/internal/history"
	"memeflow/internal/logging"
	"memeflow/internal/model"
)

// Default aggregator endpoints tried when the primary source is walled
// off. Each returns a batch of meme posts as JSON.
var defaultMemeAPIEndpoints = []string{
	"https://meme-api.com/gimme/memes/50",
	"https://meme-api.com/gimme/dankmemes/50",
	"https://meme-api.com/gimme/wholesomememes/50",
}

// MemeAPI is the alternate acquisition tier: public meme aggregators
// with no scraping involved.
type MemeAPI struct {
	endpoints []string
	history   *history.Ledger
	fetcher   *Fetcher
	client    *http.Client
	log       *logging.Logger
}

func NewMemeAPI(endpoints []string, hist *history.Ledger, fetcher *Fetcher, log *logging.Logger) *MemeAPI {
	if len(endpoints) == 0 {
		endpoints = defaultMemeAPIEndpoints
	}
	return &MemeAPI{
		endpoints: endpoints,
		history:   hist,
		fetcher:   fetcher,
		client:    &http.Client{Timeout: 20 * time.Second},
		log:       log,
	}
}

// Fetch walks the endpoints in random order, skips NSFW posts and URLs
// already in the history ledger, downloads one random survivor and
// records its URL.
func (m *MemeAPI) Fetch(ctx context.Context, rng *rand.Rand) (*model.SourceAsset, error) {
	var lastErr error
	for _, endpoint := range shuffled(m.endpoints, rng) {
		urls, err := m.listPosts(ctx, endpoint)
		if err != nil {
			m.log.Warnf("memeapi: %s failed: %v", endpoint, err)
			lastErr = err
			continue
		}

		var fresh []string
		for _, u := range urls {
			if !m.history.Contains(ctx, u) {
				fresh = append(fresh, u)
			}
		}
		if len(fresh) == 0 {
			m.log.Infof("memeapi: %s had no unused posts", endpoint)
			continue
		}

		pick := pickRandom(fresh, rng)
		asset, err := m.fetcher.Fetch(ctx, pick, model.SourceKindMemeAPI, pick)
		if err != nil {
			m.log.Warnf("memeapi: download %s failed: %v", pick, err)
			lastErr = err
			continue
		}
		m.history.Add(ctx, pick)
		m.log.Infof("memeapi: ✓ got asset from %s", endpoint)
		return asset, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no aggregator returned a usable post")
	}
	return nil, lastErr
}

// listPosts returns the non-NSFW image URLs in one aggregator response.
// Handles both single-post and batch payload shapes.
func (m *MemeAPI) listPosts(ctx context.Context, endpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "memeflow/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, err
	}

	var urls []string
	appendPost := func(p gjson.Result) {
		if p.Get("nsfw").Bool() {
			return
		}
		if u := p.Get("url").String(); u != "" {
			urls = append(urls, u)
		}
	}

	parsed := gjson.ParseBytes(body)
	if batch := parsed.Get("memes"); batch.IsArray() {
		batch.ForEach(func(_, p gjson.Result) bool {
			appendPost(p)
			return true
		})
	} else {
		appendPost(parsed)
	}

	if len(urls) == 0 {
		return nil, errors.New("no posts in response")
	}
	return urls, nil
}
