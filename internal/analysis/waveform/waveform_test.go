package waveform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twodeck/engine/internal/engineerr"
)

func sineWave(freq, sampleRate float64, seconds float64) []float32 {
	n := int(sampleRate * seconds)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.8 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func TestAnalyzeInvalidSampleRate(t *testing.T) {
	_, err := Analyze([]float32{0.1, 0.2}, 0)
	assert.ErrorIs(t, err, engineerr.ErrInvalidSampleRate)
}

func TestAnalyzeEmptySamples(t *testing.T) {
	result, err := Analyze(nil, 44100)
	require.NoError(t, err)
	require.Len(t, result.Levels, 1)
	require.Len(t, result.Levels[0], 1)
}

func TestAnalyzeShorterThanOneFrame(t *testing.T) {
	samples := make([]float32, 32)
	for i := range samples {
		samples[i] = 0.5
	}
	result, err := Analyze(samples, 44100)
	require.NoError(t, err)
	require.Len(t, result.Levels[0], 1)
	bin := result.Levels[0][0]
	assert.Greater(t, bin.Low, 0.0)
	assert.Greater(t, bin.Mid, 0.0)
	assert.Greater(t, bin.High, 0.0)
}

func TestAnalyzeLowToneDominatesLowBand(t *testing.T) {
	samples := sineWave(100, 44100, 1)
	result, err := Analyze(samples, 44100)
	require.NoError(t, err)
	require.NotEmpty(t, result.Levels[0])

	var lowSum, midSum, highSum float64
	for _, bin := range result.Levels[0] {
		lowSum += bin.Low
		midSum += bin.Mid
		highSum += bin.High
	}
	assert.Greater(t, lowSum, midSum)
	assert.Greater(t, lowSum, highSum)
	assert.Greater(t, result.MaxBandEnergy, 0.0)
}

func TestAnalyzeHighToneDominatesHighBand(t *testing.T) {
	samples := sineWave(8000, 44100, 1)
	result, err := Analyze(samples, 44100)
	require.NoError(t, err)

	var lowSum, highSum float64
	for _, bin := range result.Levels[0] {
		lowSum += bin.Low
		highSum += bin.High
	}
	assert.Greater(t, highSum, lowSum)
}
