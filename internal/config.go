package internal

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	TelegramToken string
	S3Endpoint    string
	S3Region      string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string

	GeminiAPIKey string
	XBearerToken string

	// Primary board pages to scrape. Comma-separated in PRIMARY_BOARDS,
	// payload/boards.json in S3 wins when present.
	PrimaryBoards []string
	// Home page probed by the availability monitor.
	PrimaryHomeURL string
	// Secondary-source profile handles, comma-separated in SECONDARY_HANDLES.
	SecondaryHandles []string

	SongsJSONKey    string
	MemesJSONKey    string
	ScheduleJSONKey string
	HistoryJSONKey  string
	ImageHashKey    string

	AvailabilityPath string
	SourceCachePath  string

	SongsPrefix   string
	MemesPrefix   string
	PayloadPrefix string

	RecheckInterval  time.Duration
	FailureThreshold int
	RateWindow       time.Duration
	PendingCap       int

	MaxMemes         int
	MaxAge           time.Duration
	DailyGenerations int
	BatchExtraRounds int
	PostsChatID      int64
	Silent           bool

	Location *time.Location
}

func LoadConfig() (Config, error) {
	cfg := Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		S3Region:      os.Getenv("S3_REGION"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3AccessKey:   firstNonEmpty(os.Getenv("S3_ACCESS_KEY"), os.Getenv("S3_ACCESS_KEY_ID")),
		S3SecretKey:   firstNonEmpty(os.Getenv("S3_SECRET_ACCESS_KEY"), os.Getenv("S3_SECRET_ACCESS_KEY_ID")),
		GeminiAPIKey:  firstNonEmpty(os.Getenv("GOOGLE_API_KEY"), os.Getenv("GEMINI_API_KEY")),
		XBearerToken:  os.Getenv("X_BEARER_TOKEN"),

		PrimaryHomeURL: firstNonEmpty(os.Getenv("PRIMARY_HOME_URL"), "https://www.pinterest.com/"),

		SongsJSONKey:    "songs.json",
		MemesJSONKey:    "memes.json",
		ScheduleJSONKey: "schedule.json",
		HistoryJSONKey:  "history.json",
		ImageHashKey:    "image_hashes.json",

		AvailabilityPath: "state/availability.json",
		SourceCachePath:  "state/source_cache.json",

		SongsPrefix:   "songs/",
		MemesPrefix:   "memes/",
		PayloadPrefix: "payload/",

		RecheckInterval:  5 * time.Minute,
		FailureThreshold: 3,
		RateWindow:       15 * time.Minute,
		PendingCap:       500,

		MaxMemes:         10,
		MaxAge:           24 * time.Hour,
		DailyGenerations: 3,
		BatchExtraRounds: 2,
		PostsChatID:      0,
		Silent:           true,

		Location: time.FixedZone("Asia/Tomsk", 7*3600),
	}

	if v := os.Getenv("PRIMARY_BOARDS"); v != "" {
		cfg.PrimaryBoards = splitList(v)
	}
	if v := os.Getenv("SECONDARY_HANDLES"); v != "" {
		cfg.SecondaryHandles = splitList(v)
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.AvailabilityPath = v + "/availability.json"
		cfg.SourceCachePath = v + "/source_cache.json"
	}
	if v := os.Getenv("RECHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RecheckInterval = d
		}
	}
	if v := os.Getenv("RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RateWindow = d
		}
	}
	if v := os.Getenv("MAX_MEMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxMemes = n
		}
	}
	if v := os.Getenv("MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaxAge = d
		}
	}
	if v := os.Getenv("DAILY_GENERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DailyGenerations = n
		}
	}
	if v := os.Getenv("POSTS_CHATID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n != 0 {
			cfg.PostsChatID = n
		}
	}
	if v := os.Getenv("SILENT"); v != "" {
		cfg.Silent = v != "false" && v != "0"
	}
	if v := os.Getenv("TZ_NAME"); v != "" {
		if loc, err := time.LoadLocation(v); err == nil {
			cfg.Location = loc
		}
	}

	if cfg.TelegramToken == "" {
		return cfg, errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.S3Endpoint == "" || cfg.S3Region == "" || cfg.S3Bucket == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
		return cfg, errors.New("S3_* env vars are required")
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
