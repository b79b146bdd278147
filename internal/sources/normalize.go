package sources

import (
	"fmt"
	"regexp"
	"strings"
)

var thumbnailSegment = regexp.MustCompile(`/\d{2,4}x(\d{2,4})?/`)

// normalizeImageURL canonicalizes a scraped image URL: protocol-relative
// refs get https, CDN thumbnail path segments (/236x/, /474x/, /75x75/)
// are upgraded to /originals/.
func normalizeImageURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "//") {
		u = "https:" + u
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return ""
	}
	if strings.Contains(u, "pinimg.com") {
		u = thumbnailSegment.ReplaceAllString(u, "/originals/")
	}
	return u
}

// normalizeCandidates maps every candidate through normalizeImageURL and
// drops exact duplicates, preserving first-seen order.
func normalizeCandidates(raw []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range raw {
		u := normalizeImageURL(r)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// extractDimensions parses width and height hints out of an image URL,
// either from a fit=WxH query parameter or a /WxH/ path segment.
func extractDimensions(src string) (int, int) {
	var width, height int

	if strings.Contains(src, "fit=") {
		parts := strings.Split(src, "fit=")
		if len(parts) > 1 {
			dimStr := strings.Split(parts[1], "&")[0]
			dims := strings.Split(dimStr, "x")
			if len(dims) == 2 {
				fmt.Sscanf(dims[0], "%d", &width)
				fmt.Sscanf(dims[1], "%d", &height)
				if width > 0 && height > 0 {
					return width, height
				}
			}
		}
	}

	for _, part := range strings.Split(src, "/") {
		if strings.Contains(part, "x") && !strings.Contains(part, ".") {
			dims := strings.Split(part, "x")
			if len(dims) == 2 {
				fmt.Sscanf(dims[0], "%d", &width)
				fmt.Sscanf(dims[1], "%d", &height)
				if width > 0 && height > 0 {
					return width, height
				}
			}
		}
	}

	return 0, 0
}
