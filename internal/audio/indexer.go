// Package audio maintains the song library backing rendered clips:
// playlist ingestion into S3 and random picks for the generator.
package audio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"memeflow/internal"
	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/s3"
)

type Indexer struct {
	cfg internal.Config
	s3  s3.Client
	log *logging.Logger
}

func NewIndexer(cfg internal.Config, s3c s3.Client, log *logging.Logger) *Indexer {
	return &Indexer{cfg: cfg, s3: s3c, log: log}
}

// EnsureSongs pulls every configured playlist and ingests songs that
// are not in the index yet. The index is persisted after each download
// so an interrupted run keeps its progress.
func (idx *Indexer) EnsureSongs(ctx context.Context) error {
	var songsIdx model.SongsIndex
	found, err := idx.s3.ReadJSON(ctx, idx.cfg.SongsJSONKey, &songsIdx)
	if err != nil {
		return fmt.Errorf("read songs index: %w", err)
	}
	if !found {
		songsIdx = model.SongsIndex{Items: []model.Song{}}
	}

	playlists, err := idx.loadPlaylists(ctx)
	if err != nil {
		idx.log.Infof("audio: no playlists configured, skipping ingestion: %v", err)
		return nil
	}
	if len(playlists) == 0 {
		return nil
	}

	client := youtube.Client{}
	added := 0
	for i, plURL := range playlists {
		idx.log.Infof("audio: playlist %d/%d: %s", i+1, len(playlists), plURL)
		pl, err := client.GetPlaylist(plURL)
		if err != nil {
			idx.log.Errorf("audio: fetch playlist %s: %v", plURL, err)
			continue
		}
		for _, entry := range pl.Videos {
			if idx.songExists(songsIdx, entry.ID) {
				continue
			}
			if err := idx.ingestSong(ctx, &client, entry, &songsIdx); err != nil {
				idx.log.Errorf("audio: ingest %s: %v", entry.ID, err)
				continue
			}
			added++
			songsIdx.UpdatedAt = time.Now()
			if err := idx.s3.WriteJSON(ctx, idx.cfg.SongsJSONKey, &songsIdx); err != nil {
				idx.log.Errorf("audio: persist songs index: %v", err)
			}
		}
	}

	idx.log.Infof("audio: ✓ library has %d songs, %d new", len(songsIdx.Items), added)
	return nil
}

func (idx *Indexer) ingestSong(ctx context.Context, client *youtube.Client, entry *youtube.PlaylistEntry, songsIdx *model.SongsIndex) error {
	video, err := client.GetVideo(entry.ID)
	if err != nil {
		return fmt.Errorf("get video: %w", err)
	}
	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return fmt.Errorf("no audio formats")
	}
	format := formats[0]

	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("audio-%s.m4a", entry.ID))
	defer os.Remove(tmpFile)

	f, err := os.Create(tmpFile)
	if err != nil {
		return err
	}
	stream, _, err := client.GetStream(video, &format)
	if err != nil {
		f.Close()
		return fmt.Errorf("get stream: %w", err)
	}
	_, err = io.Copy(f, stream)
	f.Close()
	stream.Close()
	if err != nil {
		return fmt.Errorf("copy stream: %w", err)
	}

	data, err := os.ReadFile(tmpFile)
	if err != nil {
		return err
	}
	h := sha256.Sum256(data)

	key := idx.cfg.SongsPrefix + entry.ID + ".m4a"
	if err := idx.s3.PutBytes(ctx, key, data, "audio/mp4"); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	idx.log.Infof("audio: ✓ ingested %s (%s)", entry.Title, entry.ID)

	songsIdx.Items = append(songsIdx.Items, model.Song{
		ID:         entry.ID,
		Title:      entry.Title,
		Author:     cleanAuthorName(video.Author),
		SourceURL:  "https://www.youtube.com/watch?v=" + entry.ID,
		AudioKey:   key,
		DurationS:  entry.Duration.Seconds(),
		AddedAt:    time.Now(),
		LastSeenAt: time.Now(),
		SHA256:     hex.EncodeToString(h[:]),
	})
	return nil
}

// cleanAuthorName drops the " - Topic" suffix YouTube adds to official
// audio channels.
func cleanAuthorName(author string) string {
	return strings.TrimSuffix(author, " - Topic")
}

func (idx *Indexer) songExists(songsIdx model.SongsIndex, id string) bool {
	return lo.ContainsBy(songsIdx.Items, func(s model.Song) bool { return s.ID == id })
}

// loadPlaylists reads the playlist list from the payload prefix in S3,
// falling back to a local file for development setups.
func (idx *Indexer) loadPlaylists(ctx context.Context) ([]string, error) {
	key := idx.cfg.PayloadPrefix + "music_playlists.json"
	data, _, err := idx.s3.GetBytes(ctx, key)
	if err != nil {
		local, readErr := os.ReadFile("music_playlists.json")
		if readErr != nil {
			return nil, fmt.Errorf("music_playlists.json not found: %v", err)
		}
		data = local
	}

	res := gjson.GetBytes(data, "@this")
	if !res.IsArray() {
		return nil, fmt.Errorf("music_playlists.json must be an array")
	}
	var out []string
	for _, item := range res.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetRandomSong picks a uniformly random song from the index.
func (idx *Indexer) GetRandomSong(ctx context.Context) (*model.Song, error) {
	var songsIdx model.SongsIndex
	found, err := idx.s3.ReadJSON(ctx, idx.cfg.SongsJSONKey, &songsIdx)
	if err != nil || !found || len(songsIdx.Items) == 0 {
		return nil, fmt.Errorf("no songs available")
	}
	return &songsIdx.Items[rand.Intn(len(songsIdx.Items))], nil
}

// SongByID looks a song up in the index, nil when absent.
func (idx *Indexer) SongByID(ctx context.Context, id string) *model.Song {
	var songsIdx model.SongsIndex
	if _, err := idx.s3.ReadJSON(ctx, idx.cfg.SongsJSONKey, &songsIdx); err != nil {
		return nil
	}
	song, ok := lo.Find(songsIdx.Items, func(s model.Song) bool { return s.ID == id })
	if !ok {
		return nil
	}
	return &song
}

// DownloadSongToTemp fetches a song's audio from S3 into a temp file.
// Caller removes the file.
func (idx *Indexer) DownloadSongToTemp(ctx context.Context, song *model.Song) (string, error) {
	if song == nil || song.AudioKey == "" {
		return "", fmt.Errorf("song has no audio key")
	}
	data, _, err := idx.s3.GetBytes(ctx, song.AudioKey)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", song.AudioKey, err)
	}
	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("song-%s.m4a", song.ID))
	return tmpFile, os.WriteFile(tmpFile, data, 0o644)
}
