package services

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Gemini Image Generation Service
// Uses the Google Gen AI SDK to render scene prompts to still images.
// ---------------------------------------------------------------------------

const defaultGeminiImageModel = "gemini-2.5-flash-image"

// GeminiService generates scene images via Gemini image models. It sits
// first in the image provider chain, with DALL-E as the fallback.
type GeminiService struct {
	apiKey string
	model  string
}

var _ ImageProvider = (*GeminiService)(nil)

func NewGeminiService(apiKey, model string) *GeminiService {
	if model == "" {
		model = defaultGeminiImageModel
	}
	return &GeminiService{
		apiKey: apiKey,
		model:  model,
	}
}

func (s *GeminiService) Name() string { return "gemini" }

// GenerateImage renders a scene prompt to a portrait still image.
// Returns the raw image bytes (PNG or JPEG, whatever the model emits).
func (s *GeminiService) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
		ImageConfig: &genai.ImageConfig{
			AspectRatio: "9:16",
		},
	}

	log.Printf("[Gemini] Generating image (model=%s, promptLen=%d)", s.model, len(prompt))

	resp, err := client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("gemini image request failed: %w", err)
	}

	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				log.Printf("[Gemini] Image generated (%d bytes, %s)", len(part.InlineData.Data), part.InlineData.MIMEType)
				return part.InlineData.Data, nil
			}
		}
	}

	return nil, fmt.Errorf("gemini returned no image data")
}
