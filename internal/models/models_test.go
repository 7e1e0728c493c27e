package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerceFloat(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    float64
		wantErr bool
	}{
		{"float64", 4.5, 4.5, false},
		{"int", 3, 3.0, false},
		{"int64", int64(7), 7.0, false},
		{"numeric string", "2.25", 2.25, false},
		{"padded string", "  5 ", 5.0, false},
		{"json.Number", json.Number("1.75"), 1.75, false},
		{"word string", "soon", 0, true},
		{"nil", nil, 0, true},
		{"bool", true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceFloat(tt.input, "field")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "expected numeric value for field")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizedScenes(t *testing.T) {
	plan := RenderPlan{
		Scenes: []ScenePlan{
			{Prompt: "a reef", Narration: "corals", Duration: "4.5"},
			{Prompt: "a whale", Narration: "singing", Duration: 6},
		},
	}

	scenes, err := plan.NormalizedScenes()
	require.NoError(t, err)
	require.Len(t, scenes, 2)
	assert.Equal(t, 0, scenes[0].Index)
	assert.Equal(t, 4.5, scenes[0].Duration)
	assert.Equal(t, 6.0, scenes[1].Duration)
}

func TestNormalizedScenesRejectsBadPlans(t *testing.T) {
	tests := []struct {
		name    string
		plan    RenderPlan
		wantMsg string
	}{
		{"no scenes", RenderPlan{}, "no scenes"},
		{"empty prompt", RenderPlan{Scenes: []ScenePlan{{Prompt: " ", Narration: "n", Duration: 1}}}, "empty prompt"},
		{"empty narration", RenderPlan{Scenes: []ScenePlan{{Prompt: "p", Narration: "", Duration: 1}}}, "empty narration"},
		{"non-numeric duration", RenderPlan{Scenes: []ScenePlan{{Prompt: "p", Narration: "n", Duration: "soon"}}}, "expected numeric value"},
		{"zero duration", RenderPlan{Scenes: []ScenePlan{{Prompt: "p", Narration: "n", Duration: 0}}}, "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.plan.NormalizedScenes()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestPaceMultiplier(t *testing.T) {
	p := RenderPlan{}
	pace, err := p.PaceMultiplier()
	require.NoError(t, err)
	assert.Equal(t, 1.0, pace)

	p.Pace = "1.15"
	pace, err = p.PaceMultiplier()
	require.NoError(t, err)
	assert.Equal(t, 1.15, pace)

	p.Pace = -0.5
	_, err = p.PaceMultiplier()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestQualityOrDefault(t *testing.T) {
	p := RenderPlan{}
	assert.Equal(t, QualityFinal, p.QualityOrDefault())

	p.Quality = QualityProxy
	assert.Equal(t, QualityProxy, p.QualityOrDefault())

	p.Quality = "weird"
	assert.Equal(t, QualityFinal, p.QualityOrDefault())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

func TestClassifyError(t *testing.T) {
	pe := NewPipelineError(ErrCodeTTSFailure, StageTTS, "all providers failed")
	got := ClassifyError(fmt.Errorf("synthesis: %w", pe), StageStitch)
	assert.Equal(t, ErrCodeTTSFailure, got.Code)
	assert.Equal(t, StageTTS, got.Phase, "an already classified error keeps its phase")

	got = ClassifyError(context.DeadlineExceeded, StageStitch)
	assert.Equal(t, ErrCodeTimeout, got.Code)
	assert.Equal(t, StageStitch, got.Phase)

	got = ClassifyError(errors.New("disk full"), StageUpload)
	assert.Equal(t, ErrCodeUnknown, got.Code)
	assert.Equal(t, "disk full", got.Message)

	assert.Nil(t, ClassifyError(nil, StageTTS))
}

func TestPipelineErrorUnwrapAndMeta(t *testing.T) {
	base := errors.New("encoder exited 1")
	pe := WrapPipelineError(base, ErrCodeRenderFailure, StageStitch, "scene 2 failed").
		WithMeta("scene", 2)

	assert.True(t, errors.Is(pe, base))
	assert.Equal(t, 2, pe.Meta["scene"])
	assert.Contains(t, pe.Error(), "RENDER_FAILURE")
	assert.Contains(t, pe.Error(), StageStitch)
}

func TestRenderPlanJSONBRoundTrip(t *testing.T) {
	plan := RenderPlan{
		Topic:  "ocean",
		Voice:  "nova",
		Scenes: []ScenePlan{{Prompt: "p", Narration: "n", Duration: "3"}},
	}

	val, err := plan.Value()
	require.NoError(t, err)

	var decoded RenderPlan
	require.NoError(t, decoded.Scan(val))
	assert.Equal(t, plan.Topic, decoded.Topic)
	require.Len(t, decoded.Scenes, 1)

	scenes, err := decoded.NormalizedScenes()
	require.NoError(t, err)
	assert.Equal(t, 3.0, scenes[0].Duration)
}
