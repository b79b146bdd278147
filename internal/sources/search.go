package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"memeflow/internal/logging"
)

// searchProber hits the primary source's internal search resource with
// a query derived from the board slug. It is the last primary strategy
// because the endpoint is undocumented and the flakiest of the lot.
type searchProber struct {
	log  *logging.Logger
	base string
}

func newSearchProber(log *logging.Logger) *searchProber {
	return &searchProber{log: log, base: "https://www.pinterest.com/resource/BaseSearchResource/get/"}
}

func (p *searchProber) probe(ctx context.Context, boardURL string, _ *rand.Rand) ([]string, error) {
	query := queryFromBoard(boardURL)
	if query == "" {
		return nil, fmt.Errorf("no usable query in board URL %s", boardURL)
	}

	data := fmt.Sprintf(`{"options":{"query":%q,"scope":"pins"},"context":{}}`, query)
	q := url.Values{}
	q.Set("source_url", "/search/pins/?q="+url.QueryEscape(query))
	q.Set("data", data)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("search probe blocked: http %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search probe: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty response")
	}

	var urls []string
	results := gjson.GetBytes(body, "resource_response.data.results")
	results.ForEach(func(_, r gjson.Result) bool {
		if u := r.Get("images.orig.url").String(); u != "" {
			urls = append(urls, u)
		}
		return true
	})
	if len(urls) == 0 {
		return nil, errors.New("search probe returned no images")
	}
	p.log.Infof("search: ✓ %d results for %q", len(urls), query)
	return urls, nil
}

// queryFromBoard turns the last board path segment into search words.
func queryFromBoard(boardURL string) string {
	u, err := url.Parse(boardURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	slug := parts[len(parts)-1]
	return strings.TrimSpace(strings.ReplaceAll(slug, "-", " "))
}
