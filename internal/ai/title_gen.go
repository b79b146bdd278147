// Package ai produces short upload captions via the Gemini API, with a
// plain fallback when no key is configured.
package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"memeflow/internal/logging"
	"memeflow/internal/model"
)

const titleModel = "gemini-2.0-flash-exp"

type TitleGenerator struct {
	apiKey string
	log    *logging.Logger
}

func NewTitleGenerator(apiKey string, log *logging.Logger) *TitleGenerator {
	return &TitleGenerator{apiKey: apiKey, log: log}
}

// GenerateTitleForMeme asks the model for a short clip title. Without
// an API key, or when the model returns nothing, a fallback built from
// the song title is used instead.
func (tg *TitleGenerator) GenerateTitleForMeme(ctx context.Context, song *model.Song) (string, error) {
	fallback := "Мем дня"
	if song != nil && song.Title != "" {
		fallback = fmt.Sprintf("Мем под трек: %s", song.Title)
	}

	if tg.apiKey == "" {
		tg.log.Infof("ai: no api key, using fallback title")
		return fallback, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  tg.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("genai client: %w", err)
	}

	track := "без музыки"
	if song != nil {
		track = song.Title
	}
	prompt := fmt.Sprintf(
		"Ты — креативный копирайтер для коротких видео. "+
			"Создай одно короткое (до 60 символов), цепляющее название для мем-видео под трек '%s'. "+
			"Название должно быть на русском, без эмодзи, без хэштегов, просто текст.",
		track,
	)

	resp, err := client.Models.GenerateContent(ctx, titleModel, []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	title := strings.TrimSpace(resp.Text())
	if title == "" {
		title = fallback
	}
	return title, nil
}
