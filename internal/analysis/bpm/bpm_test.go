package bpm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twodeck/engine/internal/engineerr"
)

// clickTrain synthesizes a mono click train at the given BPM: short
// decaying bursts spaced 60/bpm seconds apart, plus a touch of noise so the
// flux signal isn't perfectly periodic zeros between clicks.
func clickTrain(bpm float64, sampleRate float64, seconds float64) []float32 {
	n := int(sampleRate * seconds)
	out := make([]float32, n)
	interval := 60.0 / bpm * sampleRate
	clickLen := int(sampleRate * 0.01)
	for beat := 0.0; int(beat) < n; beat += interval {
		start := int(beat)
		for i := 0; i < clickLen && start+i < n; i++ {
			decay := math.Exp(-float64(i) / (float64(clickLen) / 4))
			out[start+i] += float32(decay)
		}
	}
	return out
}

func TestAnalyzeClickTrain120BPM(t *testing.T) {
	samples := clickTrain(120.0, 44100, 30)
	result, err := Analyze(samples, 44100)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, result.BPM, 0.5)
	assert.LessOrEqual(t, result.FirstBeatSec, 0.05)
}

func TestAnalyzeEmptySamples(t *testing.T) {
	_, err := Analyze(nil, 44100)
	assert.ErrorIs(t, err, engineerr.ErrEmptySamples)
}

func TestAnalyzeInvalidSampleRate(t *testing.T) {
	_, err := Analyze([]float32{0.1, 0.2, 0.3}, 0)
	assert.ErrorIs(t, err, engineerr.ErrInvalidSampleRate)
}

func TestAnalyzeTooShortForAFrame(t *testing.T) {
	samples := make([]float32, 16)
	_, err := Analyze(samples, 44100)
	assert.ErrorIs(t, err, engineerr.ErrEmptyFlux)
}

func TestAnalyzeBPMWithinRange(t *testing.T) {
	for _, bpm := range []float64{70, 95, 128, 175} {
		samples := clickTrain(bpm, 44100, 20)
		result, err := Analyze(samples, 44100)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, result.BPM, 60.0)
		assert.LessOrEqual(t, result.BPM, 200.0)
	}
}

func TestParabolicRefineFallsBackAtEdge(t *testing.T) {
	ac := []float64{0.1, 0.9, 0.2}
	assert.Equal(t, 0.0, parabolicRefine(ac, 0, 0.7))
	assert.Equal(t, 2.0, parabolicRefine(ac, 2, 0.7))
}

func TestParabolicRefineClamped(t *testing.T) {
	ac := []float64{0.0, 1.0, 100.0, 1.0, 0.0}
	refined := parabolicRefine(ac, 2, 0.7)
	assert.InDelta(t, 2.0, refined, 0.7)
}

func TestMovingAverage3HoldsEndpoints(t *testing.T) {
	x := []float64{5, 1, 1, 1, 9}
	out := movingAverage3(x)
	assert.Equal(t, 5.0, out[0])
	assert.Equal(t, 9.0, out[len(out)-1])
	assert.InDelta(t, 1.0, out[2], 1e-9)
}
