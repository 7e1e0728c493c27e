package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/storyreel/storyreel/internal/models"
)

// ---------------------------------------------------------------------------
// SynthesisProvider is the common interface for text-to-speech providers.
// Providers are unreliable and rate-limited; the chain tries a fixed ordered
// list in sequence and classifies failures instead of swallowing them.
// ---------------------------------------------------------------------------

// SpeechResult is the common response type from any TTS provider.
type SpeechResult struct {
	AudioData []byte
	Format    string // "mp3", "wav", etc.
}

// SynthesisProvider is the interface that any TTS provider must implement.
type SynthesisProvider interface {
	Name() string
	// Synthesize converts text to audio. voice is a provider-specific voice
	// identifier; pace is a speech-rate multiplier around 1.0.
	Synthesize(ctx context.Context, text, voice string, pace float64) (*SpeechResult, error)
}

// Per-provider retry: synthesis calls are idempotent, so a transient failure
// gets one bounded retry before the chain falls through to the next provider.
const (
	synthAttemptsPerProvider = 2
	synthRetryDelay          = 2 * time.Second
)

// SynthesisChain tries each provider in order. A provider that fails all its
// attempts is logged and skipped; if every provider fails, the last error is
// returned classified as TTS_FAILURE.
type SynthesisChain struct {
	providers []SynthesisProvider
}

func NewSynthesisChain(providers ...SynthesisProvider) *SynthesisChain {
	return &SynthesisChain{providers: providers}
}

// Providers returns the names of the configured providers, in order.
func (c *SynthesisChain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

func (c *SynthesisChain) Synthesize(ctx context.Context, text, voice string, pace float64) (*SpeechResult, error) {
	if len(c.providers) == 0 {
		return nil, models.NewPipelineError(models.ErrCodeTTSFailure, models.StageTTS, "no synthesis providers configured")
	}

	var lastErr error
	for _, provider := range c.providers {
		for attempt := 1; attempt <= synthAttemptsPerProvider; attempt++ {
			result, err := provider.Synthesize(ctx, text, voice, pace)
			if err == nil {
				return result, nil
			}
			lastErr = fmt.Errorf("%s: %w", provider.Name(), err)

			if ctx.Err() != nil {
				return nil, lastErr
			}

			log.Printf("[TTS] provider %s attempt %d/%d failed: %v", provider.Name(), attempt, synthAttemptsPerProvider, err)
			if attempt < synthAttemptsPerProvider {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(synthRetryDelay):
				}
			}
		}
		log.Printf("[TTS] provider %s exhausted, falling back to next provider", provider.Name())
	}

	return nil, models.WrapPipelineError(lastErr, models.ErrCodeTTSFailure, models.StageTTS, "all synthesis providers failed")
}

// ---------------------------------------------------------------------------
// ImageProvider follows the same pattern for image synthesis.
// ---------------------------------------------------------------------------

type ImageProvider interface {
	Name() string
	// GenerateImage returns raw image bytes for a scene prompt.
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

type ImageChain struct {
	providers []ImageProvider
}

func NewImageChain(providers ...ImageProvider) *ImageChain {
	return &ImageChain{providers: providers}
}

func (c *ImageChain) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if len(c.providers) == 0 {
		return nil, models.NewPipelineError(models.ErrCodeValidationFailure, models.StageImages, "no image providers configured")
	}

	var lastErr error
	for _, provider := range c.providers {
		data, err := provider.GenerateImage(ctx, prompt)
		if err == nil {
			return data, nil
		}
		lastErr = fmt.Errorf("%s: %w", provider.Name(), err)

		if ctx.Err() != nil {
			return nil, lastErr
		}
		log.Printf("[Images] provider %s failed, falling back: %v", provider.Name(), err)
	}

	return nil, models.WrapPipelineError(lastErr, models.ErrCodeRenderFailure, models.StageImages, "all image providers failed")
}
