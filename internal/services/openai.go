package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIService wraps the OpenAI client for the three capabilities the
// pipeline uses: TTS speech synthesis, DALL-E image generation, and Whisper
// word-level transcription for subtitles.
type OpenAIService struct {
	client *openai.Client
}

var (
	_ SynthesisProvider = (*OpenAIService)(nil)
	_ ImageProvider     = (*OpenAIService)(nil)
)

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
	}
}

func (s *OpenAIService) Name() string { return "openai" }

// ---------------------------------------------------------------------------
// Text-to-Speech
// ---------------------------------------------------------------------------

// openaiVoices is the set of voice names the speech API accepts. Anything
// else (e.g. an ElevenLabs voice ID leaking through the chain) falls back to
// the default so a provider fallback does not fail on an invalid parameter.
var openaiVoices = map[string]openai.SpeechVoice{
	"alloy":   openai.VoiceAlloy,
	"echo":    openai.VoiceEcho,
	"fable":   openai.VoiceFable,
	"onyx":    openai.VoiceOnyx,
	"nova":    openai.VoiceNova,
	"shimmer": openai.VoiceShimmer,
}

// Synthesize converts text to speech via the OpenAI speech endpoint.
// pace maps to the API speed parameter (supported range 0.25 to 4.0; the
// plan validation keeps it far inside that).
func (s *OpenAIService) Synthesize(ctx context.Context, text, voice string, pace float64) (*SpeechResult, error) {
	speechVoice, ok := openaiVoices[strings.ToLower(voice)]
	if !ok {
		speechVoice = openai.VoiceNova
	}

	log.Printf("[OpenAI TTS] Generating speech (voice=%s, textLen=%d, speed=%.2f)", speechVoice, len(text), pace)

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1HD,
		Input:          text,
		Voice:          speechVoice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          pace,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech request failed: %w", err)
	}
	defer resp.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp); err != nil {
		return nil, fmt.Errorf("failed to read openai speech response: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("openai returned empty audio")
	}

	log.Printf("[OpenAI TTS] Speech generated (%d bytes)", buf.Len())

	return &SpeechResult{
		AudioData: buf.Bytes(),
		Format:    "mp3",
	}, nil
}

// ---------------------------------------------------------------------------
// Image generation (DALL-E)
// ---------------------------------------------------------------------------

// GenerateImage renders a scene prompt to a portrait image with DALL-E 3.
func (s *OpenAIService) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	log.Printf("[OpenAI image] Generating image (promptLen=%d)", len(prompt))

	resp, err := s.client.CreateImage(ctx, openai.ImageRequest{
		Model:          openai.CreateImageModelDallE3,
		Prompt:         prompt,
		N:              1,
		Size:           openai.CreateImageSize1024x1792,
		Quality:        openai.CreateImageQualityStandard,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai image request failed: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no images")
	}

	imageData, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image data: %w", err)
	}

	log.Printf("[OpenAI image] Image generated (%d bytes)", len(imageData))
	return imageData, nil
}

// ---------------------------------------------------------------------------
// Whisper Transcription (word-level timestamps for subtitle generation)
// ---------------------------------------------------------------------------

// WordTimestamp represents a single word with its precise timing from Whisper.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
}

// TranscribeAudio sends audio to OpenAI Whisper and returns word-level
// timestamps, relative to the start of the supplied audio. Callers pass the
// fully processed scene audio (lead-in pad included) and add the cumulative
// scene offset themselves.
func (s *OpenAIService) TranscribeAudio(ctx context.Context, audioData []byte, language string) ([]WordTimestamp, error) {
	if language == "" {
		language = "en"
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audioData),
		FilePath: "audio.mp3", // Filename hint for the API (required by the library)
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("whisper returned no word timestamps (text: %q)", resp.Text)
	}

	words := make([]WordTimestamp, len(resp.Words))
	for i, w := range resp.Words {
		words[i] = WordTimestamp{
			Word:  strings.TrimSpace(w.Word),
			Start: w.Start,
			End:   w.End,
		}
	}

	log.Printf("[Whisper] Transcribed %d words (duration: %.1fs, text: %q)",
		len(words), resp.Duration, truncateString(resp.Text, 80))

	return words, nil
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
