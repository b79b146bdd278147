package uploaders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

// TelegramUploader posts rendered clips to a Telegram channel via the
// sendVideo endpoint.
type TelegramUploader struct {
	botToken string
	chatID   string
}

func NewTelegramUploader(botToken, chatID string) *TelegramUploader {
	return &TelegramUploader{botToken: botToken, chatID: chatID}
}

// SetChatID swaps the target chat, used when the channel id is loaded
// from S3 after startup.
func (t *TelegramUploader) SetChatID(chatID string) {
	t.chatID = chatID
}

func (t *TelegramUploader) Platform() string { return "telegram" }

func (t *TelegramUploader) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	if t.botToken == "" || t.chatID == "" {
		return failure("telegram", "missing bot token or chat id"),
			fmt.Errorf("telegram uploader not configured")
	}

	videoFile, err := os.Open(req.VideoPath)
	if err != nil {
		return failure("telegram", fmt.Sprintf("open video: %v", err)), err
	}
	defer videoFile.Close()

	caption := req.Caption
	if caption == "" {
		caption = req.Title
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("video", "video.mp4")
	if err != nil {
		return failure("telegram", err.Error()), err
	}
	if _, err := io.Copy(part, videoFile); err != nil {
		return failure("telegram", fmt.Sprintf("copy video: %v", err)), err
	}
	_ = writer.WriteField("chat_id", t.chatID)
	_ = writer.WriteField("caption", caption)
	_ = writer.WriteField("parse_mode", "HTML")
	if err := writer.Close(); err != nil {
		return failure("telegram", err.Error()), err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendVideo", t.botToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return failure("telegram", err.Error()), err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(httpReq)
	if err != nil {
		return failure("telegram", fmt.Sprintf("request failed: %v", err)), err
	}
	defer resp.Body.Close()

	var result struct {
		Ok          bool   `json:"ok"`
		Description string `json:"description"`
		ErrorCode   int    `json:"error_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return failure("telegram", fmt.Sprintf("parse response: %v", err)), err
	}
	if !result.Ok {
		errMsg := result.Description
		if result.ErrorCode != 0 {
			errMsg = fmt.Sprintf("error %d: %s", result.ErrorCode, errMsg)
		}
		return failure("telegram", errMsg), fmt.Errorf("telegram post failed: %s", errMsg)
	}

	return &UploadResult{
		Success:  true,
		Platform: "telegram",
		Details:  map[string]string{"status": "video sent to channel"},
	}, nil
}

func failure(platform, msg string) *UploadResult {
	return &UploadResult{Success: false, Platform: platform, Error: msg}
}
