// Package generator sequences meme production: acquire a source asset,
// pick a song, render, upload, and keep the memes index current. One
// generation job runs at a time.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"memeflow/internal"
	"memeflow/internal/logging"
	"memeflow/internal/model"
)

// seedPrime perturbs retry seeds so slot retries never reuse the
// random picks of the failed round.
const seedPrime = 1_000_003

// ErrBusy is returned when a generation job is already running.
type ErrBusy struct {
	Held time.Duration
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("generation already running for %s", e.Held.Round(time.Second))
}

// AssetResolver produces one downloaded source asset per call, or nil.
type AssetResolver interface {
	AcquireAny(ctx context.Context, seed int64) (*model.SourceAsset, error)
}

// Renderer turns an image and an optional audio file into a video.
type Renderer interface {
	Render(ctx context.Context, imagePath, audioPath string) (string, error)
}

// SongPicker supplies background audio.
type SongPicker interface {
	GetRandomSong(ctx context.Context) (*model.Song, error)
	DownloadSongToTemp(ctx context.Context, song *model.Song) (string, error)
}

// MediaStore is the slice of the S3 client the coordinator needs.
type MediaStore interface {
	PutBytes(ctx context.Context, key string, b []byte, contentType string) error
	ReadJSON(ctx context.Context, key string, out any) (bool, error)
	WriteJSON(ctx context.Context, key string, v any) error
}

// BatchResult is the aggregate outcome of one batch: per-item failures
// never abort the batch.
type BatchResult struct {
	Memes  []*model.Meme
	Failed int
	Rounds int
}

func (b *BatchResult) Summary() string {
	return fmt.Sprintf("%d ok, %d failed (%d rounds)", len(b.Memes), b.Failed, b.Rounds)
}

type Coordinator struct {
	cfg      internal.Config
	log      *logging.Logger
	resolver AssetResolver
	renderer Renderer
	songs    SongPicker
	media    MediaStore
	lock     *Lock

	memesMux sync.Mutex
	hashMux  sync.Mutex
}

func NewCoordinator(cfg internal.Config, resolver AssetResolver, renderer Renderer, songs SongPicker, media MediaStore, log *logging.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		resolver: resolver,
		renderer: renderer,
		songs:    songs,
		media:    media,
		lock:     &Lock{},
	}
}

// Lock exposes the single-flight guard for status reporting.
func (c *Coordinator) Lock() *Lock { return c.lock }

// GenerateOne produces a single meme under the lock.
func (c *Coordinator) GenerateOne(ctx context.Context) (*model.Meme, error) {
	res, err := c.GenerateBatch(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(res.Memes) == 0 {
		return nil, errors.New("generation produced nothing")
	}
	return res.Memes[0], nil
}

// GenerateBatch produces n memes sequentially. After each round the
// successes are scanned for duplicates (same source identifier) and
// those slots, plus outright failures, are regenerated with perturbed
// seeds for at most cfg.BatchExtraRounds extra rounds.
//
// A nil resolver result is an ordinary per-slot failure; only a missing
// source configuration aborts the whole call.
func (c *Coordinator) GenerateBatch(ctx context.Context, n int) (*BatchResult, error) {
	if n <= 0 {
		return &BatchResult{}, nil
	}
	if !c.lock.TryLock() {
		held, _ := c.lock.HeldFor()
		return nil, &ErrBusy{Held: held}
	}
	defer func() {
		d := c.lock.Unlock()
		c.log.Infof("generator: lock released after %s", d.Round(time.Second))
	}()

	base := rand.Int63()
	slots := make([]*model.Meme, n)

	pending := make([]int, n)
	for i := range pending {
		pending[i] = i
	}

	rounds := 0
	for attempt := 0; attempt <= c.cfg.BatchExtraRounds && len(pending) > 0; attempt++ {
		rounds++
		c.log.Infof("generator: round %d, %d slot(s) to fill", rounds, len(pending))
		for _, idx := range pending {
			seed := base ^ int64(idx+attempt*seedPrime)
			meme, err := c.generateSlot(ctx, seed)
			if err != nil {
				if errors.Is(err, errNoSourcesConfigured) {
					return nil, err
				}
				c.log.Warnf("generator: slot %d failed: %v", idx, err)
				slots[idx] = nil
				continue
			}
			slots[idx] = meme
		}
		pending = retrySlots(slots)
		if len(pending) > 0 && attempt < c.cfg.BatchExtraRounds {
			c.log.Infof("generator: %d slot(s) duplicated or failed, retrying", len(pending))
			// Duplicate losers are dropped before their slot is redone.
			for _, idx := range pending {
				slots[idx] = nil
			}
		}
	}

	res := &BatchResult{Rounds: rounds}
	for _, m := range slots {
		if m != nil {
			res.Memes = append(res.Memes, m)
		} else {
			res.Failed++
		}
	}
	c.log.Infof("generator: ✓ batch done: %s", res.Summary())
	return res, nil
}

// retrySlots lists slot indexes that are empty or lost a duplicate
// scan. Among slots sharing a source identifier the first stays.
func retrySlots(slots []*model.Meme) []int {
	seen := map[string]int{}
	var out []int
	for i, m := range slots {
		if m == nil {
			out = append(out, i)
			continue
		}
		if _, dup := seen[m.SourceURL]; dup {
			out = append(out, i)
			continue
		}
		seen[m.SourceURL] = i
	}
	return out
}

var errNoSourcesConfigured = errors.New("no sources configured")

func (c *Coordinator) generateSlot(ctx context.Context, seed int64) (*model.Meme, error) {
	asset, err := c.resolver.AcquireAny(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoSourcesConfigured, err)
	}
	if asset == nil {
		return nil, errors.New("no asset acquired")
	}
	defer os.Remove(asset.LocalPath)

	if asset.ImageHash != 0 && c.isKnownHash(ctx, asset.ImageHash) {
		return nil, fmt.Errorf("asset %s is a visual duplicate", asset.ID)
	}

	audioPath := ""
	var song *model.Song
	if c.songs != nil {
		song, err = c.songs.GetRandomSong(ctx)
		if err != nil {
			c.log.Warnf("generator: no song available, rendering silent: %v", err)
		} else {
			audioPath, err = c.songs.DownloadSongToTemp(ctx, song)
			if err != nil {
				c.log.Warnf("generator: song download failed, rendering silent: %v", err)
				audioPath = ""
			} else {
				defer os.Remove(audioPath)
			}
		}
	}

	videoPath, err := c.renderer.Render(ctx, asset.LocalPath, audioPath)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	defer os.Remove(videoPath)

	meme := &model.Meme{
		ID:        uuid.NewString(),
		VideoKey:  c.cfg.MemesPrefix + uuid.NewString() + ".mp4",
		SourceURL: asset.SourceURL,
		CreatedAt: time.Now(),
		SHA256:    asset.SHA256,
		ImageHash: asset.ImageHash,
	}
	if song != nil {
		meme.SongID = song.ID
	}

	if err := c.uploadMeme(ctx, meme, videoPath, asset); err != nil {
		return nil, err
	}
	if err := c.appendToIndex(ctx, meme); err != nil {
		c.log.Warnf("generator: index update failed: %v", err)
	}
	if asset.ImageHash != 0 {
		c.recordHash(ctx, asset.ImageHash)
	}
	return meme, nil
}

// maxKnownHashes bounds the perceptual-hash index, oldest first.
const maxKnownHashes = 1000

func (c *Coordinator) isKnownHash(ctx context.Context, hash uint64) bool {
	c.hashMux.Lock()
	defer c.hashMux.Unlock()

	var idx model.ImageHashIndex
	if _, err := c.media.ReadJSON(ctx, c.cfg.ImageHashKey, &idx); err != nil {
		return false
	}
	return lo.Contains(idx.Hashes, hash)
}

func (c *Coordinator) recordHash(ctx context.Context, hash uint64) {
	c.hashMux.Lock()
	defer c.hashMux.Unlock()

	var idx model.ImageHashIndex
	if _, err := c.media.ReadJSON(ctx, c.cfg.ImageHashKey, &idx); err != nil {
		idx = model.ImageHashIndex{}
	}
	if lo.Contains(idx.Hashes, hash) {
		return
	}
	idx.Hashes = append(idx.Hashes, hash)
	if len(idx.Hashes) > maxKnownHashes {
		idx.Hashes = idx.Hashes[len(idx.Hashes)-maxKnownHashes:]
	}
	idx.UpdatedAt = time.Now()
	if err := c.media.WriteJSON(ctx, c.cfg.ImageHashKey, &idx); err != nil {
		c.log.Warnf("generator: hash index update failed: %v", err)
	}
}

func (c *Coordinator) uploadMeme(ctx context.Context, meme *model.Meme, videoPath string, asset *model.SourceAsset) error {
	video, err := os.ReadFile(videoPath)
	if err != nil {
		return fmt.Errorf("read rendered video: %w", err)
	}
	if err := c.media.PutBytes(ctx, meme.VideoKey, video, "video/mp4"); err != nil {
		return fmt.Errorf("upload video: %w", err)
	}

	if thumb, err := os.ReadFile(asset.LocalPath); err == nil {
		key := c.cfg.MemesPrefix + meme.ID + "-thumb" + extForMime(asset.MimeType)
		if err := c.media.PutBytes(ctx, key, thumb, asset.MimeType); err != nil {
			c.log.Warnf("generator: thumb upload failed: %v", err)
		} else {
			meme.ThumbKey = key
		}
	}
	return nil
}

func extForMime(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// appendToIndex does a read-modify-write of memes.json under the index
// mutex, trimming to the configured cap, oldest first.
func (c *Coordinator) appendToIndex(ctx context.Context, meme *model.Meme) error {
	c.memesMux.Lock()
	defer c.memesMux.Unlock()

	var idx model.MemesIndex
	if _, err := c.media.ReadJSON(ctx, c.cfg.MemesJSONKey, &idx); err != nil {
		c.log.Warnf("generator: memes index read failed, rebuilding: %v", err)
		idx = model.MemesIndex{}
	}
	idx.Items = append(idx.Items, *meme)
	if c.cfg.MaxMemes > 0 && len(idx.Items) > c.cfg.MaxMemes {
		idx.Items = idx.Items[len(idx.Items)-c.cfg.MaxMemes:]
	}
	idx.UpdatedAt = time.Now()
	return c.media.WriteJSON(ctx, c.cfg.MemesJSONKey, &idx)
}

// MemeByID looks a meme up in the persisted index.
func (c *Coordinator) MemeByID(ctx context.Context, id string) (*model.Meme, bool) {
	var idx model.MemesIndex
	if _, err := c.media.ReadJSON(ctx, c.cfg.MemesJSONKey, &idx); err != nil {
		return nil, false
	}
	m, ok := lo.Find(idx.Items, func(m model.Meme) bool { return m.ID == id })
	if !ok {
		return nil, false
	}
	return &m, true
}

// MemeCount reports how many rendered memes the index holds.
func (c *Coordinator) MemeCount(ctx context.Context) int {
	var idx model.MemesIndex
	if _, err := c.media.ReadJSON(ctx, c.cfg.MemesJSONKey, &idx); err != nil {
		return 0
	}
	return len(idx.Items)
}
