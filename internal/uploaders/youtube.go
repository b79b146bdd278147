package uploaders

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	youtube "google.golang.org/api/youtube/v3"
)

// YouTubeUploader inserts rendered clips as Shorts via the Data API.
// OAuth credentials and a pre-issued token live in local files,
// typically fetched from S3 at startup.
type YouTubeUploader struct {
	credentialsPath string
	tokenPath       string
}

func NewYouTubeUploader(credentialsPath, tokenPath string) *YouTubeUploader {
	if credentialsPath == "" {
		credentialsPath = "client_secrets.json"
	}
	if tokenPath == "" {
		tokenPath = "token.json"
	}
	return &YouTubeUploader{credentialsPath: credentialsPath, tokenPath: tokenPath}
}

func (y *YouTubeUploader) Platform() string { return "youtube" }

func (y *YouTubeUploader) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	service, err := y.authenticate(ctx)
	if err != nil {
		return failure("youtube", fmt.Sprintf("authentication failed: %v", err)), err
	}

	videoFile, err := os.Open(req.VideoPath)
	if err != nil {
		return failure("youtube", fmt.Sprintf("open video: %v", err)), err
	}
	defer videoFile.Close()

	privacy := req.Privacy
	if privacy == "" {
		privacy = "public"
	}
	tags := req.Tags
	if len(tags) == 0 {
		tags = []string{"shorts", "meme", "funny"}
	}

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       req.Title,
			Description: req.Description,
			Tags:        tags,
			CategoryId:  "24", // Entertainment
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           privacy,
			SelfDeclaredMadeForKids: false,
		},
	}

	inserted, err := service.Videos.Insert([]string{"snippet", "status"}, video).Media(videoFile).Do()
	if err != nil {
		return failure("youtube", fmt.Sprintf("upload failed: %v", err)), err
	}

	return &UploadResult{
		Success:  true,
		Platform: "youtube",
		URL:      "https://youtube.com/shorts/" + inserted.Id,
		Details:  map[string]string{"video_id": inserted.Id, "title": req.Title},
	}, nil
}

func (y *YouTubeUploader) authenticate(ctx context.Context) (*youtube.Service, error) {
	credBytes, err := os.ReadFile(y.credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(credBytes, youtube.YoutubeUploadScope, youtube.YoutubeScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	token, err := y.loadToken()
	if err != nil || token == nil || !token.Valid() {
		return nil, fmt.Errorf("token not found or expired, re-authenticate first")
	}

	return youtube.NewService(ctx, option.WithHTTPClient(config.Client(ctx, token)))
}

func (y *YouTubeUploader) loadToken() (*oauth2.Token, error) {
	f, err := os.Open(y.tokenPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	token := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(token)
	return token, err
}
