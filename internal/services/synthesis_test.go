package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyreel/storyreel/internal/models"
)

type scriptedSynth struct {
	name  string
	errs  []error // one per call; calls past the end succeed
	calls int
}

func (s *scriptedSynth) Name() string { return s.name }

func (s *scriptedSynth) Synthesize(ctx context.Context, text, voice string, pace float64) (*SpeechResult, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &SpeechResult{AudioData: []byte(s.name), Format: "mp3"}, nil
}

func TestSynthesisChainFirstProviderWins(t *testing.T) {
	primary := &scriptedSynth{name: "primary"}
	backup := &scriptedSynth{name: "backup"}
	chain := NewSynthesisChain(primary, backup)

	result, err := chain.Synthesize(context.Background(), "hello", "nova", 1.0)
	require.NoError(t, err)
	assert.Equal(t, []byte("primary"), result.AudioData)
	assert.Zero(t, backup.calls)
}

func TestSynthesisChainFallsBack(t *testing.T) {
	boom := errors.New("rate limited")
	primary := &scriptedSynth{name: "primary", errs: []error{boom, boom}}
	backup := &scriptedSynth{name: "backup"}
	chain := NewSynthesisChain(primary, backup)

	result, err := chain.Synthesize(context.Background(), "hello", "nova", 1.0)
	require.NoError(t, err)
	assert.Equal(t, []byte("backup"), result.AudioData)
	assert.Equal(t, 2, primary.calls, "primary gets its retry before the fallback")
}

func TestSynthesisChainEmpty(t *testing.T) {
	chain := NewSynthesisChain()
	_, err := chain.Synthesize(context.Background(), "hello", "nova", 1.0)

	var pe *models.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.ErrCodeTTSFailure, pe.Code)
}

func TestSynthesisChainStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("network down")
	primary := &scriptedSynth{name: "primary", errs: []error{boom, boom}}
	backup := &scriptedSynth{name: "backup"}
	chain := NewSynthesisChain(primary, backup)

	cancel()
	_, err := chain.Synthesize(ctx, "hello", "nova", 1.0)
	require.Error(t, err)
	assert.Equal(t, 1, primary.calls, "cancelled context must not retry")
	assert.Zero(t, backup.calls)
}

type scriptedImages struct {
	name  string
	err   error
	calls int
}

func (s *scriptedImages) Name() string { return s.name }

func (s *scriptedImages) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.name), nil
}

func TestImageChainFallsBack(t *testing.T) {
	primary := &scriptedImages{name: "primary", err: errors.New("quota exceeded")}
	backup := &scriptedImages{name: "backup"}
	chain := NewImageChain(primary, backup)

	data, err := chain.GenerateImage(context.Background(), "a reef")
	require.NoError(t, err)
	assert.Equal(t, []byte("backup"), data)
}

func TestImageChainAllFail(t *testing.T) {
	primary := &scriptedImages{name: "primary", err: errors.New("quota exceeded")}
	backup := &scriptedImages{name: "backup", err: errors.New("bad prompt")}
	chain := NewImageChain(primary, backup)

	_, err := chain.GenerateImage(context.Background(), "a reef")

	var pe *models.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.ErrCodeRenderFailure, pe.Code)
	assert.Contains(t, pe.Message, "all image providers failed")
}
