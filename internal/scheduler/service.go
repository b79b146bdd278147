// Package scheduler owns the daily posting schedule and the long-lived
// service that wires the pipeline together: availability monitor,
// source resolver, generation coordinator, audio library, uploaders
// and the maintenance cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"memeflow/internal"
	"memeflow/internal/ai"
	"memeflow/internal/audio"
	"memeflow/internal/generator"
	"memeflow/internal/history"
	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/monitor"
	"memeflow/internal/render"
	"memeflow/internal/s3"
	"memeflow/internal/sourcecache"
	"memeflow/internal/sources"
	"memeflow/internal/store"
	"memeflow/internal/uploaders"
)

type Service struct {
	cfg  internal.Config
	log  *logging.Logger
	cron *cron.Cron

	s3c         s3.Client
	coordinator *generator.Coordinator
	availmon    *monitor.Monitor
	cache       *sourcecache.Cache
	history     *history.Ledger
	songs       *audio.Indexer
	titles      *ai.TitleGenerator

	scheduleMux sync.Mutex
	schedule    *DailySchedule

	cfgMux           sync.Mutex
	uploadersManager *uploaders.Manager

	watchdog *Watchdog
}

// Run starts the cron jobs and the schedule watchdog and blocks until
// the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.cron.Start()
	s.watchdog.Start(ctx)

	<-ctx.Done()

	s.watchdog.Stop()
	ctxStop := s.cron.Stop()
	select {
	case <-ctxStop.Done():
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("cron stop timeout")
	}
}

func (s *Service) GetConfig() internal.Config {
	s.cfgMux.Lock()
	defer s.cfgMux.Unlock()
	return s.cfg
}

func (s *Service) GetS3Client() s3.Client { return s.s3c }

func (s *Service) Coordinator() *generator.Coordinator { return s.coordinator }

func (s *Service) Monitor() *monitor.Monitor { return s.availmon }

func (s *Service) Songs() *audio.Indexer { return s.songs }

func (s *Service) GetSchedule() *DailySchedule {
	s.scheduleMux.Lock()
	defer s.scheduleMux.Unlock()
	return s.schedule
}

func (s *Service) SetSchedule(sched *DailySchedule) {
	s.scheduleMux.Lock()
	defer s.scheduleMux.Unlock()
	s.schedule = sched
}

// RefreshSchedule reloads today's schedule from S3, regenerating it
// when missing or stale, and installs it on the service.
func (s *Service) RefreshSchedule(ctx context.Context, now time.Time) (*DailySchedule, error) {
	cfg := s.GetConfig()
	sched, err := GetOrCreateSchedule(ctx, s.s3c, &cfg, now)
	if err != nil {
		return nil, err
	}
	s.SetSchedule(sched)
	return sched, nil
}

// ClearSchedule drops the persisted schedule; the watchdog rebuilds a
// fresh one on its next tick.
func (s *Service) ClearSchedule(ctx context.Context) error {
	s.SetSchedule(nil)
	return SaveSchedule(ctx, s.s3c, s.cfg.ScheduleJSONKey, &DailySchedule{UpdatedAt: time.Now()})
}

// SetNextSlot overrides the next pending slot with the given time,
// keeping later slots intact.
func (s *Service) SetNextSlot(ctx context.Context, at time.Time) error {
	s.scheduleMux.Lock()
	defer s.scheduleMux.Unlock()

	if s.schedule == nil || len(s.schedule.Entries) == 0 {
		return errors.New("no schedule loaded")
	}
	now := time.Now()
	for i := range s.schedule.Entries {
		if s.schedule.Entries[i].Time.After(now) {
			s.schedule.Entries[i].Time = at
			s.schedule.UpdatedAt = now
			return SaveSchedule(ctx, s.s3c, s.cfg.ScheduleJSONKey, s.schedule)
		}
	}
	return errors.New("no pending slot to move")
}

func (s *Service) SavePostsChatID(ctx context.Context, chatID int64) error {
	s.cfgMux.Lock()
	defer s.cfgMux.Unlock()
	s.cfg.PostsChatID = chatID
	s.uploadersManager.UpdateTelegramChatID(strconv.FormatInt(chatID, 10))
	type configStore struct {
		PostsChatID int64 `json:"posts_chat_id"`
	}
	return s.s3c.WriteJSON(ctx, "config.json", &configStore{PostsChatID: chatID})
}

func (s *Service) LoadPostsChatID(ctx context.Context) error {
	s.cfgMux.Lock()
	defer s.cfgMux.Unlock()
	type configStore struct {
		PostsChatID int64 `json:"posts_chat_id"`
	}
	var saved configStore
	found, err := s.s3c.ReadJSON(ctx, "config.json", &saved)
	if err != nil {
		return err
	}
	if found && saved.PostsChatID != 0 {
		s.cfg.PostsChatID = saved.PostsChatID
		s.uploadersManager.UpdateTelegramChatID(strconv.FormatInt(saved.PostsChatID, 10))
		s.log.Infof("loaded POSTS_CHAT_ID=%d from S3", saved.PostsChatID)
	}
	return nil
}

// GetSongsCount returns the number of indexed songs.
func (s *Service) GetSongsCount(ctx context.Context) (int, error) {
	var songsIdx model.SongsIndex
	found, err := s.s3c.ReadJSON(ctx, s.cfg.SongsJSONKey, &songsIdx)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return len(songsIdx.Items), nil
}

// GetMemesCount returns the number of generated meme videos.
func (s *Service) GetMemesCount(ctx context.Context) int {
	return s.coordinator.MemeCount(ctx)
}

// GetPendingCount returns the size of the secondary-source backlog.
func (s *Service) GetPendingCount(ctx context.Context) int {
	return s.cache.PendingCount(ctx)
}

// GetHistoryCount returns how many source URLs have already been used.
func (s *Service) GetHistoryCount(ctx context.Context) int {
	return s.history.Len(ctx)
}

// DeleteMemesOlderThan removes memes created more than duration ago,
// deleting their media objects and compacting the index.
func (s *Service) DeleteMemesOlderThan(ctx context.Context, duration time.Duration) error {
	s.log.Infof("deleting memes older than %v", duration)

	var memesIdx model.MemesIndex
	found, err := s.s3c.ReadJSON(ctx, s.cfg.MemesJSONKey, &memesIdx)
	if err != nil {
		return err
	}
	if !found || len(memesIdx.Items) == 0 {
		s.log.Infof("no memes found to cleanup")
		return nil
	}

	now := time.Now()
	var keep []model.Meme
	deleted := 0
	for _, meme := range memesIdx.Items {
		age := now.Sub(meme.CreatedAt)
		if age <= duration {
			keep = append(keep, meme)
			continue
		}
		s.log.Infof("deleting old meme %s (age %v)", meme.ID, age.Round(time.Minute))
		if err := s.s3c.Delete(ctx, meme.VideoKey); err != nil {
			s.log.Errorf("failed to delete meme video %s: %v", meme.VideoKey, err)
		}
		if meme.ThumbKey != "" {
			if err := s.s3c.Delete(ctx, meme.ThumbKey); err != nil {
				s.log.Errorf("failed to delete meme thumb %s: %v", meme.ThumbKey, err)
			}
		}
		deleted++
	}
	if deleted == 0 {
		return nil
	}

	memesIdx.Items = keep
	memesIdx.UpdatedAt = now
	if err := s.s3c.WriteJSON(ctx, s.cfg.MemesJSONKey, &memesIdx); err != nil {
		return err
	}
	s.log.Infof("✓ deleted %d old memes", deleted)
	return nil
}

// DownloadMemeToTemp fetches a rendered meme video from S3 into a temp
// file for publishing. Caller removes the file.
func (s *Service) DownloadMemeToTemp(ctx context.Context, meme *model.Meme) (string, error) {
	ext := ".mp4"
	if i := strings.LastIndex(meme.VideoKey, "."); i >= 0 {
		ext = meme.VideoKey[i:]
	}
	tmp, err := os.CreateTemp(os.TempDir(), "meme-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	reader, err := s.s3c.GetReader(ctx, meme.VideoKey)
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("open meme video: %w", err)
	}
	defer reader.Reader.Close()

	if _, err := tmp.ReadFrom(reader.Reader); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download meme video: %w", err)
	}
	return tmp.Name(), nil
}

// downloadKeyToTemp copies an S3 object into a temp file.
func (s *Service) downloadKeyToTemp(ctx context.Context, key, prefix string) (string, error) {
	tmp, err := os.CreateTemp(os.TempDir(), prefix+"-*")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	reader, err := s.s3c.GetReader(ctx, key)
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	defer reader.Reader.Close()

	if _, err := tmp.ReadFrom(reader.Reader); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// InitYouTubeFromS3 fetches the OAuth secrets from the tokens prefix
// and registers the YouTube uploader. Missing credentials are not an
// error for the service, only for this call.
func (s *Service) InitYouTubeFromS3(ctx context.Context) error {
	secretsPath, err := s.downloadKeyToTemp(ctx, "tokens/client_secrets.json", "client_secrets")
	if err != nil {
		return fmt.Errorf("client_secrets.json: %w", err)
	}
	tokenPath, err := s.downloadKeyToTemp(ctx, "tokens/token.json", "token")
	if err != nil {
		os.Remove(secretsPath)
		return fmt.Errorf("token.json: %w", err)
	}

	s.GetUploadersManager().AddUploader("youtube", uploaders.NewYouTubeUploader(secretsPath, tokenPath))
	s.log.Infof("✓ youtube uploader initialized from S3 credentials")
	return nil
}

// PublishMeme pushes one generated meme to every configured platform.
// Per-platform failures are logged, never raised.
func (s *Service) PublishMeme(ctx context.Context, meme *model.Meme) {
	videoPath, err := s.DownloadMemeToTemp(ctx, meme)
	if err != nil {
		s.log.Errorf("publish: cannot fetch meme %s: %v", meme.ID, err)
		return
	}
	defer os.Remove(videoPath)

	title := meme.Title
	if title == "" {
		var song *model.Song
		if meme.SongID != "" {
			song = s.songs.SongByID(ctx, meme.SongID)
		}
		title, err = s.titles.GenerateTitleForMeme(ctx, song)
		if err != nil {
			s.log.Warnf("publish: title generation failed: %v", err)
			title = "Meme of the day"
		}
	}

	req := &uploaders.UploadRequest{
		VideoPath: videoPath,
		Title:     title,
		Caption:   title,
		Privacy:   "public",
	}
	results := s.GetUploadersManager().UploadToAll(ctx, req)
	for platform, res := range results {
		if res.Success {
			s.log.Infof("publish: ✓ %s: %s", platform, res.URL)
		} else {
			s.log.Errorf("publish: ✗ %s: %s", platform, res.Error)
		}
	}
}

// RunScheduledGeneration is the slot action: a batch of daily size
// under the generation lock, every success published.
func (s *Service) RunScheduledGeneration(ctx context.Context) error {
	res, err := s.coordinator.GenerateBatch(ctx, s.cfg.DailyGenerations)
	if err != nil {
		return err
	}
	s.log.Infof("scheduled generation: %s", res.Summary())
	for _, meme := range res.Memes {
		s.PublishMeme(ctx, meme)
	}
	return nil
}

func (s *Service) GetUploadersManager() *uploaders.Manager {
	s.cfgMux.Lock()
	defer s.cfgMux.Unlock()
	return s.uploadersManager
}

func BuildService(ctx context.Context, log *logging.Logger) (*Service, error) {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return nil, err
	}

	s3c, err := s3.New(cfg)
	if err != nil {
		return nil, err
	}

	localState := store.NewFile(filepath.Dir(cfg.AvailabilityPath))
	availmon := monitor.New(cfg.PrimaryHomeURL, localState, filepath.Base(cfg.AvailabilityPath),
		cfg.RecheckInterval, cfg.FailureThreshold, log)

	hist := history.NewLedger(s3c, cfg.HistoryJSONKey, log)
	cache := sourcecache.New(store.NewFile(filepath.Dir(cfg.SourceCachePath)), filepath.Base(cfg.SourceCachePath),
		cfg.RateWindow, cfg.PendingCap, log)

	resolver := sources.NewResolver(cfg, availmon, hist, cache, log)
	renderer := render.NewFFmpeg(log)
	songs := audio.NewIndexer(cfg, s3c, log)
	titles := ai.NewTitleGenerator(cfg.GeminiAPIKey, log)

	coordinator := generator.NewCoordinator(cfg, resolver, renderer, songs, s3c, log)

	c := cron.New(cron.WithSeconds())
	s := &Service{
		cfg:              cfg,
		log:              log,
		cron:             c,
		s3c:              s3c,
		coordinator:      coordinator,
		availmon:         availmon,
		cache:            cache,
		history:          hist,
		songs:            songs,
		titles:           titles,
		uploadersManager: uploaders.NewManager(),
	}
	s.watchdog = NewWatchdog(s, log)

	// Hourly: keep the song library populated.
	if _, err := c.AddFunc("0 0 * * * *", func() {
		log.Infof("cron: ensuring songs")
		if err := songs.EnsureSongs(context.Background()); err != nil {
			log.Errorf("cron ensure songs: %v", err)
		}
	}); err != nil {
		return nil, err
	}

	// Daily at 04:30: drop memes past their retention window.
	if _, err := c.AddFunc("0 30 4 * * *", func() {
		if err := s.DeleteMemesOlderThan(context.Background(), cfg.MaxAge); err != nil {
			log.Errorf("cron meme cleanup: %v", err)
		}
	}); err != nil {
		return nil, err
	}

	// Load POSTS_CHAT_ID and the YouTube credentials from S3 at startup.
	go func() {
		time.Sleep(1 * time.Second)
		if err := s.LoadPostsChatID(context.Background()); err != nil {
			log.Errorf("failed to load POSTS_CHAT_ID: %v", err)
		}
		if err := s.InitYouTubeFromS3(context.Background()); err != nil {
			log.Warnf("youtube uploader not available: %v", err)
		}
	}()

	log.Infof("service built with %d uploader platform(s)", len(s.uploadersManager.AvailablePlatforms()))
	return s, nil
}
