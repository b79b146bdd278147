package sources

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"memeflow/internal/logging"
	"memeflow/internal/model"
)

const (
	minAssetBytes = 2 * 1024
	maxAssetBytes = 50 * 1024 * 1024
	minDimension  = 100
)

// Fetcher downloads candidate media into local temp files with size and
// dimension validation.
type Fetcher struct {
	client *http.Client
	dir    string
	log    *logging.Logger
}

func NewFetcher(dir string, log *logging.Logger) *Fetcher {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Fetcher{
		client: &http.Client{Timeout: 60 * time.Second},
		dir:    dir,
		log:    log,
	}
}

// Fetch downloads mediaURL and returns a validated asset. Rejects
// bodies under 2KB, images under 100x100 and anything over 50MB.
func (f *Fetcher) Fetch(ctx context.Context, mediaURL string, kind model.SourceKind, sourceURL string) (*model.SourceAsset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Referer", "https://www.pinterest.com/")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d for %s", resp.StatusCode, mediaURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty response")
	}
	if len(data) > maxAssetBytes {
		return nil, fmt.Errorf("asset exceeds %d bytes", maxAssetBytes)
	}
	if len(data) < minAssetBytes {
		return nil, fmt.Errorf("asset too small: %d bytes", len(data))
	}

	width, height := 0, 0
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		width, height = cfg.Width, cfg.Height
		if width < minDimension || height < minDimension {
			return nil, fmt.Errorf("image too small: %dx%d", width, height)
		}
	}

	contentType := resp.Header.Get("Content-Type")
	ext := extFromContentType(contentType)

	imageHash, err := ComputeImageHash(data)
	if err != nil {
		f.log.Warnf("fetch: hash failed for %s: %v", mediaURL, err)
		imageHash = 0
	}

	h := sha256.Sum256(data)
	id := uuid.NewString()
	path := filepath.Join(f.dir, id+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write asset: %w", err)
	}

	f.log.Infof("fetch: ✓ %s (%d bytes, %dx%d) -> %s", mediaURL, len(data), width, height, path)
	return &model.SourceAsset{
		ID:        id,
		Kind:      kind,
		SourceURL: sourceURL,
		MediaURL:  mediaURL,
		LocalPath: path,
		MimeType:  contentType,
		Width:     width,
		Height:    height,
		AddedAt:   time.Now(),
		SHA256:    hex.EncodeToString(h[:]),
		ImageHash: imageHash,
	}, nil
}

func extFromContentType(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}
