package sources

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/chromedp/chromedp"

	"memeflow/internal/logging"
)

// browserScraper drives headless Chrome against board pages. Two
// strategies live here: a board walk that opens a random pin page for
// its full-size image, and a scroll pass that harvests every image the
// lazy loader has materialized.
type browserScraper struct {
	log *logging.Logger
}

func (b *browserScraper) newChromeContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-web-security", true),
		chromedp.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	ctx, cancelCtx := chromedp.NewContext(allocCtx)
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	cancel := func() {
		cancelTimeout()
		cancelCtx()
		cancelAlloc()
	}
	return ctx, cancel
}

// scrapeBoard picks a random pin link off the board and extracts the
// highest-resolution image from its page.
func (b *browserScraper) scrapeBoard(parent context.Context, boardURL string, _ *rand.Rand) ([]string, error) {
	ctx, cancel := b.newChromeContext(parent, 35*time.Second)
	defer cancel()

	b.log.Infof("chrome: navigating board %s", boardURL)
	var pinHref string
	err := chromedp.Run(ctx,
		chromedp.Navigate(boardURL),
		chromedp.Sleep(3*time.Second),
		chromedp.Evaluate(`window.scrollTo(0, Math.random() * Math.max(document.body.scrollHeight, 2000))`, nil),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(`
			(function() {
				const links = Array.from(document.querySelectorAll('a[href*="/pin/"]'));
				if (links.length > 0) {
					const pick = links[Math.floor(Math.random() * links.length)];
					return pick.href || pick.getAttribute('href');
				}
				return null;
			})()
		`, &pinHref),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome board scrape: %w", err)
	}
	if pinHref == "" {
		return nil, errors.New("no pin links found on board")
	}

	b.log.Infof("chrome: ✓ pin link %s", pinHref)
	imgURL, err := b.scrapePinPage(ctx, pinHref)
	if err != nil {
		return nil, err
	}
	return []string{imgURL}, nil
}

// scrapePinPage extracts the best image from an individual pin page.
func (b *browserScraper) scrapePinPage(ctx context.Context, pinURL string) (string, error) {
	var result map[string]interface{}
	err := chromedp.Run(ctx,
		chromedp.Navigate(pinURL),
		chromedp.Sleep(3*time.Second),
		chromedp.Evaluate(`
			(function() {
				const score = (src) =>
					(src.includes('736x') ? 3000 : 0) +
					(src.includes('originals') ? 2000 : 0) +
					(src.includes('600x') ? 1500 : 0) +
					src.length;
				const notThumb = (src) =>
					!src.match(/\/75x75/) && !src.match(/\/200x/) && !src.match(/\/236x/) && src.length > 80;

				const scope = document.querySelector('.closeup-body-style') || document;
				const imgs = Array.from(scope.querySelectorAll('img[src*="pinimg.com"]'));
				const good = imgs.filter(img => notThumb(img.src || ''));
				const pool = good.length > 0 ? good : imgs;
				if (pool.length === 0) return { url: null };
				pool.sort((a, b) => score(b.src || '') - score(a.src || ''));
				return { url: pool[0].src };
			})()
		`, &result),
	)
	if err != nil {
		return "", fmt.Errorf("scrape pin page: %w", err)
	}

	url, _ := result["url"].(string)
	if url == "" {
		return "", errors.New("no image found on pin page")
	}
	b.log.Infof("chrome: ✓ pin image extracted (%d chars)", len(url))
	return url, nil
}

// scrapeBoardScroll scrolls the board a few screens and harvests every
// materialized image URL.
func (b *browserScraper) scrapeBoardScroll(parent context.Context, boardURL string, _ *rand.Rand) ([]string, error) {
	ctx, cancel := b.newChromeContext(parent, 30*time.Second)
	defer cancel()

	b.log.Infof("chrome: scroll pass over %s", boardURL)
	var raw []interface{}
	err := chromedp.Run(ctx,
		chromedp.Navigate(boardURL),
		chromedp.Sleep(3*time.Second),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight / 3)`, nil),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(`
			(function() {
				const images = Array.from(document.querySelectorAll('img[src*="pinimg.com"]'));
				return images
					.map(img => img.src || img.getAttribute('src'))
					.filter(src => src && src.length > 50);
			})()
		`, &raw),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome scroll scrape: %w", err)
	}

	var urls []string
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			urls = append(urls, s)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("empty response from scroll pass")
	}
	b.log.Infof("chrome: ✓ scroll pass found %d images", len(urls))
	return urls, nil
}
