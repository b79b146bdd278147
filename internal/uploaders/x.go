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
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
)

// XUploader posts clips via the X API v2 chunked media upload.
type XUploader struct {
	configured bool
	httpClient *http.Client
}

func NewXUploader(consumerKey, consumerSecret, accessToken, accessTokenSecret string) *XUploader {
	config := oauth1.NewConfig(consumerKey, consumerSecret)
	token := oauth1.NewToken(accessToken, accessTokenSecret)
	return &XUploader{
		configured: consumerKey != "" && consumerSecret != "" && accessToken != "" && accessTokenSecret != "",
		httpClient: config.Client(context.Background(), token),
	}
}

func (x *XUploader) Platform() string { return "x" }

type processingInfo struct {
	State           string `json:"state"`
	CheckAfterSecs  int    `json:"check_after_secs"`
	ProgressPercent int    `json:"progress_percent"`
}

type mediaUploadResponse struct {
	Data struct {
		ID             string          `json:"id"`
		MediaKey       string          `json:"media_key"`
		ProcessingInfo *processingInfo `json:"processing_info"`
	} `json:"data"`
	Errors []map[string]any `json:"errors"`
}

type postCreateResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
	Errors []map[string]any `json:"errors"`
}

const mediaChunkSize = 5 * 1024 * 1024

// uploadMedia runs the initialize/append/finalize cycle and waits for
// server-side processing to finish.
func (x *XUploader) uploadMedia(ctx context.Context, videoPath string) (string, error) {
	fileData, err := os.ReadFile(videoPath)
	if err != nil {
		return "", fmt.Errorf("read video file: %w", err)
	}

	initBody, _ := json.Marshal(map[string]any{
		"media_type":     "video/mp4",
		"total_bytes":    len(fileData),
		"media_category": "tweet_video",
	})
	initRes, err := x.postJSON(ctx, "https://api.x.com/2/media/upload/initialize", initBody)
	if err != nil {
		return "", fmt.Errorf("INIT: %w", err)
	}
	mediaID := initRes.Data.ID

	for i := 0; i < len(fileData); i += mediaChunkSize {
		end := i + mediaChunkSize
		if end > len(fileData) {
			end = len(fileData)
		}

		var appendBody bytes.Buffer
		writer := multipart.NewWriter(&appendBody)
		writer.WriteField("segment_index", strconv.Itoa(i/mediaChunkSize))
		part, _ := writer.CreateFormFile("media", "video.mp4")
		part.Write(fileData[i:end])
		writer.Close()

		appendURL := fmt.Sprintf("https://api.x.com/2/media/upload/%s/append", mediaID)
		appendReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, appendURL, &appendBody)
		appendReq.Header.Set("Content-Type", writer.FormDataContentType())

		appendResp, err := x.httpClient.Do(appendReq)
		if err != nil {
			return "", fmt.Errorf("APPEND: %w", err)
		}
		if appendResp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(appendResp.Body)
			appendResp.Body.Close()
			return "", fmt.Errorf("APPEND status %d: %s", appendResp.StatusCode, string(b))
		}
		appendResp.Body.Close()
	}

	finalizeURL := fmt.Sprintf("https://api.x.com/2/media/upload/%s/finalize", mediaID)
	finalizeRes, err := x.postJSON(ctx, finalizeURL, nil)
	if err != nil {
		return "", fmt.Errorf("FINALIZE: %w", err)
	}

	info := finalizeRes.Data.ProcessingInfo
	for attempt := 0; info != nil && attempt < 60; attempt++ {
		if info.State == "succeeded" {
			break
		}
		if info.State == "failed" {
			return "", fmt.Errorf("media processing failed")
		}
		checkAfter := info.CheckAfterSecs
		if checkAfter == 0 {
			checkAfter = 1
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(checkAfter) * time.Second):
		}

		statusURL := fmt.Sprintf("https://api.x.com/2/media/upload?command=STATUS&media_id=%s", mediaID)
		statusReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		statusResp, err := x.httpClient.Do(statusReq)
		if err != nil {
			return "", fmt.Errorf("STATUS: %w", err)
		}
		b, _ := io.ReadAll(statusResp.Body)
		statusResp.Body.Close()
		if statusResp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("STATUS %d: %s", statusResp.StatusCode, string(b))
		}
		var statusRes mediaUploadResponse
		if err := json.Unmarshal(b, &statusRes); err != nil {
			return "", fmt.Errorf("parse STATUS: %w", err)
		}
		info = statusRes.Data.ProcessingInfo
	}

	return mediaID, nil
}

func (x *XUploader) postJSON(ctx context.Context, url string, body []byte) (*mediaUploadResponse, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := x.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	var out mediaUploadResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

func (x *XUploader) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	if !x.configured {
		return failure("x", "missing credentials"), fmt.Errorf("x uploader not configured")
	}

	text := RemoveShortsHashtag(req.Caption)
	if text == "" {
		text = req.Title
	}

	mediaID, err := x.uploadMedia(ctx, req.VideoPath)
	if err != nil {
		return failure("x", fmt.Sprintf("media upload: %v", err)), fmt.Errorf("upload media: %w", err)
	}

	postJSON, _ := json.Marshal(map[string]any{
		"text":  text,
		"media": map[string]any{"media_ids": []string{mediaID}},
	})
	postReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.x.com/2/tweets", bytes.NewReader(postJSON))
	postReq.Header.Set("Content-Type", "application/json")

	postResp, err := x.httpClient.Do(postReq)
	if err != nil {
		return failure("x", fmt.Sprintf("post creation: %v", err)), fmt.Errorf("create post: %w", err)
	}
	defer postResp.Body.Close()

	b, _ := io.ReadAll(postResp.Body)
	var postRes postCreateResponse
	if postResp.StatusCode != http.StatusCreated {
		_ = json.Unmarshal(b, &postRes)
		errMsg := fmt.Sprintf("status=%d", postResp.StatusCode)
		if len(postRes.Errors) > 0 {
			if detail, ok := postRes.Errors[0]["detail"].(string); ok {
				errMsg += " | " + detail
			}
		}
		return failure("x", errMsg), fmt.Errorf("post creation failed: %s", errMsg)
	}
	if err := json.Unmarshal(b, &postRes); err != nil {
		return failure("x", fmt.Sprintf("parse response: %v", err)), err
	}

	return &UploadResult{
		Success:  true,
		Platform: "x",
		URL:      fmt.Sprintf("https://x.com/i/web/status/%s", postRes.Data.ID),
		Details:  map[string]string{"tweet_id": postRes.Data.ID, "text": text},
	}, nil
}

// RemoveShortsHashtag strips the #shorts tag, which only makes sense on
// YouTube.
func RemoveShortsHashtag(s string) string {
	if s == "" {
		return s
	}
	result := regexp.MustCompile(`(?i)(?:^|\s)#shorts\b`).ReplaceAllString(s, " ")
	result = regexp.MustCompile(`\s{2,}`).ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}
