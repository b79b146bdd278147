// Package uploaders publishes rendered clips to the configured social
// platforms. Per-platform failures come back as result values so one
// broken platform never blocks the others.
package uploaders

import (
	"context"
	"fmt"
	"os"
)

type Manager struct {
	uploaders map[string]Uploader
}

// NewManager builds a manager with every platform whose credentials are
// present in the environment. YouTube is added later once its secrets
// have been fetched from S3.
func NewManager() *Manager {
	m := &Manager{uploaders: make(map[string]Uploader)}

	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("POSTS_CHATID")
	if chatID == "" {
		chatID = os.Getenv("POSTS_CHAT_ID")
	}
	if botToken != "" && chatID != "" {
		m.uploaders["telegram"] = NewTelegramUploader(botToken, chatID)
	}

	consumerKey := os.Getenv("X_CONSUMER_KEY")
	consumerSecret := os.Getenv("X_CONSUMER_SECRET")
	accessToken := os.Getenv("X_ACCESS_TOKEN")
	accessTokenSecret := os.Getenv("X_ACCESS_TOKEN_SECRET")
	if consumerKey != "" && consumerSecret != "" && accessToken != "" && accessTokenSecret != "" {
		m.uploaders["x"] = NewXUploader(consumerKey, consumerSecret, accessToken, accessTokenSecret)
	}

	return m
}

func (m *Manager) GetUploader(platform string) (Uploader, error) {
	uploader, ok := m.uploaders[platform]
	if !ok {
		return nil, fmt.Errorf("uploader not found for platform: %s", platform)
	}
	return uploader, nil
}

func (m *Manager) Upload(ctx context.Context, platform string, req *UploadRequest) (*UploadResult, error) {
	uploader, err := m.GetUploader(platform)
	if err != nil {
		return failure(platform, err.Error()), err
	}
	return uploader.Upload(ctx, req)
}

// UploadToAll pushes the clip to every configured platform, collecting
// per-platform results.
func (m *Manager) UploadToAll(ctx context.Context, req *UploadRequest) map[string]*UploadResult {
	results := make(map[string]*UploadResult)
	for platform := range m.uploaders {
		result, _ := m.Upload(ctx, platform, req)
		results[platform] = result
	}
	return results
}

func (m *Manager) AvailablePlatforms() []string {
	platforms := make([]string, 0, len(m.uploaders))
	for platform := range m.uploaders {
		platforms = append(platforms, platform)
	}
	return platforms
}

// UpdateTelegramChatID re-targets the Telegram uploader when the posts
// channel id changes at runtime.
func (m *Manager) UpdateTelegramChatID(chatID string) {
	if uploader, ok := m.uploaders["telegram"]; ok {
		if tg, ok := uploader.(*TelegramUploader); ok {
			tg.SetChatID(chatID)
		}
	}
}

func (m *Manager) AddUploader(platform string, uploader Uploader) {
	m.uploaders[platform] = uploader
}
