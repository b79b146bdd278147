package generator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memeflow/internal"
	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/store"
)

// fakeResolver serves assets from a scripted list of source URLs,
// cycling when the batch asks for more than scripted.
type fakeResolver struct {
	mu      sync.Mutex
	sources []string
	calls   int
	seeds   []int64
	err     error
	dir     string
}

func (f *fakeResolver) AcquireAny(_ context.Context, seed int64) (*model.SourceAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeds = append(f.seeds, seed)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.sources) == 0 {
		return nil, nil
	}
	src := f.sources[f.calls%len(f.sources)]
	f.calls++
	if src == "" {
		return nil, nil // scripted per-slot failure
	}
	path := filepath.Join(f.dir, "asset.jpg")
	os.WriteFile(path, []byte("image-bytes-image-bytes"), 0o644)
	return &model.SourceAsset{
		ID:        src,
		Kind:      model.SourceKindBoard,
		SourceURL: src,
		LocalPath: path,
		MimeType:  "image/jpeg",
		AddedAt:   time.Now(),
	}, nil
}

type fakeRenderer struct {
	dir  string
	fail bool
}

func (f *fakeRenderer) Render(_ context.Context, imagePath, _ string) (string, error) {
	if f.fail {
		return "", os.ErrInvalid
	}
	out := filepath.Join(f.dir, filepath.Base(imagePath)+".mp4")
	if err := os.WriteFile(out, []byte("video-bytes"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func newTestCoordinator(t *testing.T, resolver AssetResolver) (*Coordinator, *store.Memory) {
	t.Helper()
	cfg := internal.Config{
		MemesJSONKey:     "memes.json",
		MemesPrefix:      "memes/",
		MaxMemes:         50,
		BatchExtraRounds: 2,
	}
	mem := store.NewMemory()
	media := &memMedia{Memory: mem}
	c := NewCoordinator(cfg, resolver, &fakeRenderer{dir: t.TempDir()}, nil, media, logging.NewDiscard())
	return c, mem
}

// memMedia adds PutBytes on top of the memory JSON store.
type memMedia struct {
	*store.Memory
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memMedia) PutBytes(_ context.Context, key string, b []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = b
	return nil
}

func TestGenerateBatchAllDistinct(t *testing.T) {
	resolver := &fakeResolver{dir: t.TempDir(), sources: []string{"s1", "s2", "s3"}}
	c, _ := newTestCoordinator(t, resolver)

	res, err := c.GenerateBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, res.Memes, 3)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.Rounds, "distinct sources need no retry round")
	assert.Equal(t, 3, resolver.calls)
}

func TestGenerateBatchRetriesDuplicates(t *testing.T) {
	// First round hands out s1 three times; the cycle then moves on, so
	// the retry round can find fresh sources.
	resolver := &fakeResolver{dir: t.TempDir(), sources: []string{"s1", "s1", "s1", "s2", "s3"}}
	c, _ := newTestCoordinator(t, resolver)

	res, err := c.GenerateBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, res.Memes, 3)
	assert.GreaterOrEqual(t, res.Rounds, 2, "duplicate sources force a retry round")

	ids := map[string]bool{}
	for _, m := range res.Memes {
		ids[m.SourceURL] = true
	}
	assert.Len(t, ids, 3, "final batch has distinct source identifiers")
}

func TestGenerateBatchRetryBound(t *testing.T) {
	// Resolver always returns the same source: retries can never fix
	// the duplicates, so the batch must stop after the extra-round cap.
	resolver := &fakeResolver{dir: t.TempDir(), sources: []string{"same"}}
	c, _ := newTestCoordinator(t, resolver)

	res, err := c.GenerateBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rounds, "one initial round plus two extra rounds")
	// n slots in round one, duplicates retried in two further rounds.
	assert.LessOrEqual(t, resolver.calls, 3+2*2)
}

func TestGenerateBatchPerturbsSeeds(t *testing.T) {
	resolver := &fakeResolver{dir: t.TempDir(), sources: []string{"same"}}
	c, _ := newTestCoordinator(t, resolver)

	_, err := c.GenerateBatch(context.Background(), 2)
	require.NoError(t, err)

	seen := map[int64]bool{}
	for _, s := range resolver.seeds {
		assert.False(t, seen[s], "every attempt must use a distinct seed")
		seen[s] = true
	}
}

func TestGenerateBatchFailuresDoNotAbort(t *testing.T) {
	// Slot 2 never gets an asset; the rest of the batch still lands.
	resolver := &fakeResolver{dir: t.TempDir(), sources: []string{"s1", "", "s3", "", ""}}
	c, _ := newTestCoordinator(t, resolver)

	res, err := c.GenerateBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, len(res.Memes)+res.Failed, 3)
	assert.NotEmpty(t, res.Memes)
}

func TestGenerateBatchConfigErrorAborts(t *testing.T) {
	resolver := &fakeResolver{dir: t.TempDir(), err: os.ErrNotExist}
	c, _ := newTestCoordinator(t, resolver)

	_, err := c.GenerateBatch(context.Background(), 3)
	assert.Error(t, err, "resolver configuration failure is fatal for the command")

	// And the lock is released afterwards.
	assert.True(t, c.lock.TryLock())
	c.lock.Unlock()
}

func TestGenerateBatchBusy(t *testing.T) {
	resolver := &fakeResolver{dir: t.TempDir(), sources: []string{"s1"}}
	c, _ := newTestCoordinator(t, resolver)

	require.True(t, c.lock.TryLock())
	defer c.lock.Unlock()

	_, err := c.GenerateBatch(context.Background(), 1)
	var busy *ErrBusy
	require.ErrorAs(t, err, &busy)
	assert.GreaterOrEqual(t, busy.Held, time.Duration(0))
}

func TestGenerateOneUpdatesIndex(t *testing.T) {
	resolver := &fakeResolver{dir: t.TempDir(), sources: []string{"s1"}}
	c, mem := newTestCoordinator(t, resolver)

	meme, err := c.GenerateOne(context.Background())
	require.NoError(t, err)
	require.NotNil(t, meme)
	assert.Equal(t, "s1", meme.SourceURL)

	var idx model.MemesIndex
	found, err := mem.ReadJSON(context.Background(), "memes.json", &idx)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, idx.Items, 1)
	assert.Equal(t, meme.ID, idx.Items[0].ID)

	got, ok := c.MemeByID(context.Background(), meme.ID)
	require.True(t, ok)
	assert.Equal(t, meme.VideoKey, got.VideoKey)
	assert.Equal(t, 1, c.MemeCount(context.Background()))
}
