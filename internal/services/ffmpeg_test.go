package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimFadeFilterCoversBothEnds(t *testing.T) {
	filter := trimFadeFilter(5.0, 40)

	assert.Contains(t, filter, "start_periods=1", "leading silence must be trimmed")
	assert.Contains(t, filter, "stop_periods=1", "trailing silence must be trimmed")
	assert.Contains(t, filter, "afade=t=in:st=0:d=0.040")
	assert.Contains(t, filter, "afade=t=out:st=4.960:d=0.040")
}

func TestTrimFadeFilterClampsShortClips(t *testing.T) {
	// A clip shorter than the fade length fades out from t=0 instead of a
	// negative start time.
	filter := trimFadeFilter(0.02, 40)
	assert.Contains(t, filter, "afade=t=out:st=0.000:d=0.040")
}

func TestEffectForSceneIsDeterministic(t *testing.T) {
	for i := 0; i < 12; i++ {
		assert.Equal(t, EffectForScene(i), EffectForScene(i))
	}
	assert.Equal(t, EffectForScene(0), EffectForScene(len(allEffects)))
	assert.NotEqual(t, EffectForScene(0), EffectForScene(1))
}
