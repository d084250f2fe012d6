package timesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecommendationZeroUntilEnoughSamples(t *testing.T) {
	ts := New()

	for i := 0; i < MinUniqueFrames-1; i++ {
		ts.AddSample(20, 0)
	}

	assert.Equal(t, int32(0), ts.Recommendation())
}

func TestRecommendationZeroWhenAdvantageBelowThreshold(t *testing.T) {
	ts := New()

	for i := 0; i < WindowSize; i++ {
		ts.AddSample(1, 0)
	}

	assert.Equal(t, int32(0), ts.Recommendation())
}

func TestRecommendationHalvesAndClamps(t *testing.T) {
	ts := New()

	for i := 0; i < WindowSize; i++ {
		ts.AddSample(40, 0)
	}

	assert.Equal(t, int32(MaxFrameAdvantage), ts.Recommendation())
}

func TestRecommendationModerateAdvantage(t *testing.T) {
	ts := New()

	for i := 0; i < WindowSize; i++ {
		ts.AddSample(10, 0)
	}

	assert.Equal(t, int32(5), ts.Recommendation())
}

func TestResetClearsSamples(t *testing.T) {
	ts := New()
	for i := 0; i < WindowSize; i++ {
		ts.AddSample(40, 0)
	}

	ts.Reset()
	assert.Equal(t, int32(0), ts.Recommendation())
}
