// Package waveform computes a multi-band energy envelope for decoded mono
// audio, suitable for drawing a three-color waveform view.
//
// Each 1024-sample, 50%-overlap frame is Hann-windowed and run through
// gonum's real FFT; per-bin magnitudes are summed into low/mid/high bands
// split at the engine's EQ crossover frequencies.
package waveform

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/twodeck/engine/internal/config"
	"github.com/twodeck/engine/internal/engineerr"
)

// Bin holds the summed magnitude in each of the three bands for one frame.
type Bin struct {
	Low  float64
	Mid  float64
	High float64
}

// Analysis is the result of analyzing one track: a pyramid of per-frame
// bins with room for multiple zoom levels (only level 0 is populated for
// now), plus the running maximum band energy used by callers to
// normalize bar heights.
type Analysis struct {
	Levels        [][]Bin
	MaxBandEnergy float64
}

// Analyze computes the multi-band energy envelope of samples captured at
// sampleRate.
func Analyze(samples []float32, sampleRate float64) (Analysis, error) {
	if sampleRate <= 0 {
		return Analysis{}, engineerr.ErrInvalidSampleRate
	}
	if len(samples) == 0 {
		return Analysis{Levels: [][]Bin{{{}}}}, nil
	}

	frameSize := config.WaveformFrameSize
	hopSize := config.WaveformHopSize

	if len(samples) < frameSize {
		low, mid, high := simpleEnergyFallback(samples)
		maxEnergy := math.Max(low, math.Max(mid, high))
		if maxEnergy < epsilon {
			maxEnergy = epsilon
		}
		return Analysis{
			Levels:        [][]Bin{{{Low: low, Mid: mid, High: high}}},
			MaxBandEnergy: maxEnergy,
		}, nil
	}

	window := hannWindow(frameSize)
	fft := fourier.NewFFT(frameSize)

	numFrames := (len(samples)-frameSize)/hopSize + 1
	bins := make([]Bin, numFrames)
	var maxEnergy float64

	windowed := make([]float64, frameSize)
	for f := 0; f < numFrames; f++ {
		start := f * hopSize
		for i := 0; i < frameSize; i++ {
			windowed[i] = float64(samples[start+i]) * window[i]
		}
		coeffs := fft.Coefficients(nil, windowed)

		var low, mid, high float64
		for k, c := range coeffs {
			mag := math.Hypot(real(c), imag(c))
			freq := float64(k) * sampleRate / float64(frameSize)
			switch {
			case freq < config.LowMidCrossoverHz:
				low += mag
			case freq < config.MidHighCrossoverHz:
				mid += mag
			default:
				high += mag
			}
		}
		bins[f] = Bin{Low: low, Mid: mid, High: high}
		maxEnergy = math.Max(maxEnergy, math.Max(low, math.Max(mid, high)))
	}

	if maxEnergy < epsilon {
		maxEnergy = epsilon
	}

	return Analysis{Levels: [][]Bin{bins}, MaxBandEnergy: maxEnergy}, nil
}

const epsilon = 1.1920929e-7 // float32 machine epsilon

// simpleEnergyFallback is used when the track is shorter than one frame: a
// coarse mean-|x| proxy split 30/40/30 across bands.
func simpleEnergyFallback(samples []float32) (low, mid, high float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	var total float64
	for _, s := range samples {
		total += math.Abs(float64(s))
	}
	energy := total / float64(len(samples))
	return energy * 0.3, energy * 0.4, energy * 0.3
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
