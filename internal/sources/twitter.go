package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"memeflow/internal/history"
	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/sourcecache"
)

type twitterUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type twitterMedia struct {
	MediaKey string `json:"media_key"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Variants []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"variants"`
}

type twitterResponse struct {
	Data     json.RawMessage `json:"data"`
	Includes *struct {
		Users []twitterUser  `json:"users"`
		Media []twitterMedia `json:"media"`
	} `json:"includes"`
}

// Secondary pulls profile media through the bearer-token API. Because
// the API budgets queries per window, resolved identities and unused
// candidates are kept in the source cache and the next fresh query
// waits for the window to reopen.
type Secondary struct {
	bearer  string
	handles []string
	cache   *sourcecache.Cache
	history *history.Ledger
	fetcher *Fetcher
	client  *http.Client
	log     *logging.Logger
	apiBase string
}

func NewSecondary(bearer string, handles []string, cache *sourcecache.Cache, hist *history.Ledger, fetcher *Fetcher, log *logging.Logger) *Secondary {
	return &Secondary{
		bearer:  bearer,
		handles: handles,
		cache:   cache,
		history: hist,
		fetcher: fetcher,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log,
		apiBase: "https://api.twitter.com/2",
	}
}

func (s *Secondary) Configured() bool {
	return s != nil && s.bearer != "" && len(s.handles) > 0
}

// Fetch serves from the candidate backlog first. A fresh upstream query
// runs only when the backlog has nothing usable and the rate window
// allows it.
func (s *Secondary) Fetch(ctx context.Context, rng *rand.Rand) (*model.SourceAsset, error) {
	if !s.Configured() {
		return nil, errors.New("secondary source not configured")
	}

	if asset := s.popAndDownload(ctx); asset != nil {
		return asset, nil
	}

	next := s.cache.NextAllowedAt(ctx)
	if !next.IsZero() && time.Now().Before(next) {
		s.log.Infof("secondary: backlog empty, window closed until %s", next.Format(time.RFC3339))
		return nil, fmt.Errorf("rate window closed until %s", next.Format(time.RFC3339))
	}

	if err := s.refillBacklog(ctx, rng); err != nil {
		return nil, err
	}
	if asset := s.popAndDownload(ctx); asset != nil {
		return asset, nil
	}
	return nil, errors.New("no usable candidates after refill")
}

// popAndDownload drains the backlog until a candidate downloads cleanly.
func (s *Secondary) popAndDownload(ctx context.Context) *model.SourceAsset {
	exclude := s.history.All(ctx)
	for {
		owner, mediaURL, ok := s.cache.PopCandidate(ctx, exclude)
		if !ok {
			return nil
		}
		asset, err := s.fetcher.Fetch(ctx, mediaURL, model.SourceKindSecondary, mediaURL)
		if err != nil {
			s.log.Warnf("secondary: download from @%s failed: %v", owner, err)
			exclude[mediaURL] = struct{}{}
			continue
		}
		s.history.Add(ctx, mediaURL)
		s.log.Infof("secondary: ✓ asset from @%s backlog", owner)
		return asset
	}
}

// refillBacklog runs one bulk query against a random handle and closes
// the rate window.
func (s *Secondary) refillBacklog(ctx context.Context, rng *rand.Rand) error {
	for _, handle := range shuffled(s.handles, rng) {
		username := parseHandle(handle)
		if username == "" {
			continue
		}

		userID, ok := s.cache.GetCachedIdentity(ctx, username)
		if !ok {
			var err error
			userID, err = s.resolveUserID(ctx, username)
			if err != nil {
				s.log.Warnf("secondary: resolve @%s failed: %v", username, err)
				continue
			}
			s.cache.PutCachedIdentity(ctx, username, userID)
		}

		urls, resetEpoch, err := s.listProfileMedia(ctx, userID)
		s.cache.MarkRateWindowConsumed(ctx, resetEpoch)
		if err != nil {
			s.log.Warnf("secondary: media query for @%s failed: %v", username, err)
			return err
		}
		if len(urls) == 0 {
			s.log.Infof("secondary: @%s has no photo media", username)
			return fmt.Errorf("no photo media for @%s", username)
		}
		s.cache.AddCandidates(ctx, username, urls)
		s.log.Infof("secondary: ✓ queued %d candidates from @%s", len(urls), username)
		return nil
	}
	return errors.New("no resolvable handles")
}

func (s *Secondary) resolveUserID(ctx context.Context, username string) (string, error) {
	endpoint := s.apiBase + "/users/by/username/" + url.QueryEscape(username)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	req.Header.Set("Authorization", "Bearer "+s.bearer)
	req.Header.Set("User-Agent", "memeflow/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		s.cache.MarkRateWindowConsumed(ctx, resetEpochFromHeader(resp))
		return "", errors.New("rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data twitterUser `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.Data.ID == "" {
		return "", errors.New("user not found")
	}
	return parsed.Data.ID, nil
}

// listProfileMedia returns photo URLs from the user's recent posts plus
// the server rate-window reset epoch (0 when absent).
func (s *Secondary) listProfileMedia(ctx context.Context, userID string) ([]string, int64, error) {
	endpoint := s.apiBase + "/users/" + url.QueryEscape(userID) + "/tweets"
	q := url.Values{}
	q.Set("max_results", "100")
	q.Set("tweet.fields", "attachments")
	q.Set("expansions", "attachments.media_keys")
	q.Set("media.fields", "url,type,variants")

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	req.Header.Set("Authorization", "Bearer "+s.bearer)
	req.Header.Set("User-Agent", "memeflow/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	resetEpoch := resetEpochFromHeader(resp)
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resetEpoch, errors.New("rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, resetEpoch, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var parsed twitterResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, resetEpoch, err
	}

	var urls []string
	if parsed.Includes != nil {
		for _, m := range parsed.Includes.Media {
			if m.Type != "photo" {
				continue
			}
			mediaURL := m.URL
			if mediaURL == "" {
				for _, v := range m.Variants {
					if strings.Contains(v.ContentType, "image") {
						mediaURL = v.URL
						break
					}
				}
			}
			if mediaURL != "" {
				urls = append(urls, mediaURL)
			}
		}
	}
	return urls, resetEpoch, nil
}

func resetEpochFromHeader(resp *http.Response) int64 {
	v := resp.Header.Get("x-rate-limit-reset")
	if v == "" {
		return 0
	}
	epoch, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}

// parseHandle accepts @name, bare names and profile URLs.
func parseHandle(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "twitter.com") || strings.Contains(raw, "x.com") {
		parts := strings.Split(raw, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			part := strings.TrimSpace(parts[i])
			if part != "" && !strings.Contains(part, ".") && !strings.Contains(part, ":") {
				return part
			}
		}
	}
	return strings.TrimPrefix(raw, "@")
}
