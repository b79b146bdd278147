package model

import "time"

type Song struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	SourceURL  string    `json:"source_url"`
	AudioKey   string    `json:"audio_key"` // s3 key
	DurationS  float64   `json:"duration_s"`
	AddedAt    time.Time `json:"added_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	SHA256     string    `json:"sha256"`
}

type SongsIndex struct {
	UpdatedAt time.Time `json:"updated_at"`
	Items     []Song    `json:"items"`
}

type SourceKind string

const (
	SourceKindBoard     SourceKind = "board"
	SourceKindSecondary SourceKind = "secondary"
	SourceKindMemeAPI   SourceKind = "meme_api"
	SourceKindUnknown   SourceKind = "unknown"
)

// SourceAsset is one downloaded candidate image sitting in a local temp
// file, ready for rendering. SourceURL is the identifier used for
// history and duplicate detection.
type SourceAsset struct {
	ID        string     `json:"id"`
	Kind      SourceKind `json:"kind"`
	SourceURL string     `json:"source_url"`
	MediaURL  string     `json:"media_url"`
	LocalPath string     `json:"-"`
	MimeType  string     `json:"mime_type"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	AddedAt   time.Time  `json:"added_at"`
	SHA256    string     `json:"sha256"`
	ImageHash uint64     `json:"image_hash,omitempty"`
}

type Meme struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	VideoKey  string    `json:"video_key"`
	ThumbKey  string    `json:"thumb_key"`
	SongID    string    `json:"song_id"`
	SourceURL string    `json:"source_url"`
	CreatedAt time.Time `json:"created_at"`
	SHA256    string    `json:"sha256"`
	ImageHash uint64    `json:"image_hash,omitempty"`
}

type MemesIndex struct {
	UpdatedAt time.Time `json:"updated_at"`
	Items     []Meme    `json:"items"`
}

type ImageHashIndex struct {
	UpdatedAt time.Time `json:"updated_at"`
	Hashes    []uint64  `json:"hashes"`
}

// AvailabilityStatus is the persisted circuit-breaker record for the
// primary source. Timestamps are unix seconds.
type AvailabilityStatus struct {
	LastCheckTS         float64 `json:"last_check_ts"`
	IsBlocked           bool    `json:"is_blocked"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastSuccessTS       float64 `json:"last_success_ts"`
	FallbackMode        bool    `json:"fallback_mode"`
	RecoveryAttempts    int     `json:"recovery_attempts"`
}

// CachedIdentity is a resolved secondary-source account id keyed by
// lowercased handle.
type CachedIdentity struct {
	ResolvedID string    `json:"resolved_id"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// CandidateEntry is one media URL queued for later consumption.
type CandidateEntry struct {
	Owner    string    `json:"owner"`
	URL      string    `json:"url"`
	QueuedAt time.Time `json:"queued_at"`
}

// SourceCacheState is the persisted document behind the secondary-source
// cache: identity map, pending candidate backlog and the rate window.
type SourceCacheState struct {
	UpdatedAt     time.Time                 `json:"updated_at"`
	NextAllowedTS float64                   `json:"next_allowed_ts"`
	Identities    map[string]CachedIdentity `json:"identities"`
	Pending       []CandidateEntry          `json:"pending"`
}

// HistoryIndex records every source URL that ever made it into a
// rendered meme. Append-only.
type HistoryIndex struct {
	UpdatedAt time.Time `json:"updated_at"`
	URLs      []string  `json:"urls"`
}
