package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly"
	"github.com/gocolly/colly/extensions"
	"github.com/tidwall/gjson"

	"memeflow/internal/logging"
)

// staticScraper works on the raw board HTML without a browser: a colly
// pass over the rendered markup and a gjson walk over the JSON blobs
// boards embed in script tags.
type staticScraper struct {
	log *logging.Logger
}

// parseBoardHTML collects image URLs from the server-rendered markup.
func (s *staticScraper) parseBoardHTML(_ context.Context, boardURL string, _ *rand.Rand) ([]string, error) {
	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"),
	)
	extensions.RandomUserAgent(c)
	c.SetRequestTimeout(15 * time.Second)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
		r.Headers.Set("DNT", "1")
		r.Headers.Set("Referer", "https://www.pinterest.com/")
	})

	var urls []string
	for _, selector := range []string{
		"img[src*='pinimg.com']",
		"img[data-src*='pinimg.com']",
	} {
		c.OnHTML(selector, func(e *colly.HTMLElement) {
			src := e.Attr("src")
			if src == "" {
				src = e.Attr("data-src")
			}
			if src == "" || !strings.Contains(src, "pinimg.com") {
				return
			}
			urls = append(urls, src)
		})
	}

	var visitErr error
	c.OnError(func(_ *colly.Response, err error) { visitErr = err })

	if err := c.Visit(boardURL); err != nil {
		return nil, fmt.Errorf("static parse: %w", err)
	}
	if visitErr != nil {
		return nil, fmt.Errorf("static parse: %w", visitErr)
	}
	if len(urls) == 0 {
		return nil, errors.New("empty response from static parse")
	}
	s.log.Infof("static: ✓ found %d images in markup", len(urls))
	return urls, nil
}

var scriptJSONRe = regexp.MustCompile(`(?s)<script[^>]*type="application/json"[^>]*>(.*?)</script>`)

// parseScriptJSON fetches the board HTML and digs image URLs out of the
// embedded application/json script payloads.
func (s *staticScraper) parseScriptJSON(ctx context.Context, boardURL string, _ *rand.Rand) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, boardURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("script-json fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("script-json fetch: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty response")
	}

	var urls []string
	for _, m := range scriptJSONRe.FindAllSubmatch(body, -1) {
		payload := gjson.ParseBytes(m[1])
		collectImageURLs(payload, &urls)
	}
	if len(urls) == 0 {
		return nil, errors.New("no image URLs in embedded JSON")
	}
	s.log.Infof("static: ✓ found %d images in script JSON", len(urls))
	return urls, nil
}

// collectImageURLs walks arbitrary JSON and gathers CDN image URLs.
func collectImageURLs(v gjson.Result, out *[]string) {
	switch {
	case v.IsObject() || v.IsArray():
		v.ForEach(func(_, val gjson.Result) bool {
			collectImageURLs(val, out)
			return true
		})
	case v.Type == gjson.String:
		s := v.String()
		if strings.Contains(s, "pinimg.com") && (strings.HasSuffix(s, ".jpg") || strings.HasSuffix(s, ".png") || strings.HasSuffix(s, ".webp") || strings.HasSuffix(s, ".gif")) {
			*out = append(*out, s)
		}
	}
}
