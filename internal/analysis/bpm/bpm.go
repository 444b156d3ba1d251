// Package bpm estimates tempo and first-beat position from decoded mono
// audio.
//
// Pipeline:
//  1. Peak-normalize and decimate the signal.
//  2. Compute spectral flux (half-wave-rectified frame-to-frame magnitude
//     increase) via a windowed real FFT (gonum.org/v1/gonum/dsp/fourier).
//  3. Autocorrelate the flux signal — by FFT, magnitude-squaring the
//     spectrum, and inverse-FFTing — to find the dominant inter-beat lag.
//  4. Octave-correct and parabolically refine the peak lag to get BPM.
//  5. Reuse the smoothed flux to locate the first beat.
package bpm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/twodeck/engine/internal/config"
	"github.com/twodeck/engine/internal/engineerr"
)

// Result holds the outcome of a successful analysis.
type Result struct {
	BPM          float64
	FirstBeatSec float64
}

// Analyze estimates BPM and first-beat time for mono samples captured at
// sampleRate. It never mutates samples.
func Analyze(samples []float32, sampleRate float64) (Result, error) {
	if len(samples) == 0 {
		return Result{}, engineerr.ErrEmptySamples
	}
	if sampleRate <= 0 {
		return Result{}, fmt.Errorf("%w: %v", engineerr.ErrInvalidSampleRate, sampleRate)
	}

	normalized := normalize(samples)
	downsampled := downsample(normalized, config.BPMDownsampleFactor)
	if len(downsampled) == 0 {
		return Result{}, engineerr.ErrEmptyAfterDownsample
	}
	effectiveRate := sampleRate / float64(config.BPMDownsampleFactor)

	flux, err := spectralFlux(downsampled, config.BPMFrameSize, config.BPMHopSize)
	if err != nil {
		return Result{}, err
	}

	bpm, err := estimateBPM(flux, effectiveRate, config.BPMHopSize)
	if err != nil {
		return Result{}, err
	}

	firstBeat := estimateFirstBeat(flux, effectiveRate, config.BPMHopSize)

	return Result{BPM: bpm, FirstBeatSec: firstBeat}, nil
}

// normalize returns a peak-normalized copy of samples (divides by the max
// absolute sample if it exceeds a tiny epsilon).
func normalize(samples []float32) []float64 {
	out := make([]float64, len(samples))
	peak := 1e-6
	for _, s := range samples {
		a := math.Abs(float64(s))
		if a > peak {
			peak = a
		}
	}
	for i, s := range samples {
		out[i] = float64(s) / peak
	}
	return out
}

// downsample keeps every factor-th sample.
func downsample(samples []float64, factor int) []float64 {
	if factor <= 1 {
		out := make([]float64, len(samples))
		copy(out, samples)
		return out
	}
	out := make([]float64, 0, len(samples)/factor+1)
	for i := 0; i < len(samples); i += factor {
		out = append(out, samples[i])
	}
	return out
}

// spectralFlux computes the half-wave-rectified, mean-normalized spectral
// flux of samples using a Hann-windowed real FFT per frame.
func spectralFlux(samples []float64, frameSize, hopSize int) ([]float64, error) {
	if len(samples) < frameSize {
		return nil, engineerr.ErrEmptyFlux
	}

	window := hannWindow(frameSize)
	fft := fourier.NewFFT(frameSize)

	numFrames := (len(samples)-frameSize)/hopSize + 1
	if numFrames < 2 {
		return nil, engineerr.ErrEmptyFlux
	}

	mags := make([][]float64, numFrames)
	windowed := make([]float64, frameSize)
	for f := 0; f < numFrames; f++ {
		start := f * hopSize
		for i := 0; i < frameSize; i++ {
			windowed[i] = samples[start+i] * window[i]
		}
		coeffs := fft.Coefficients(nil, windowed)
		mag := make([]float64, len(coeffs))
		for i, c := range coeffs {
			mag[i] = math.Hypot(real(c), imag(c))
		}
		mags[f] = mag
	}

	flux := make([]float64, numFrames)
	var sum float64
	for f := 1; f < numFrames; f++ {
		var v float64
		for b := range mags[f] {
			d := mags[f][b] - mags[f-1][b]
			if d > 0 {
				v += d
			}
		}
		flux[f] = v
		sum += v
	}
	if sum <= 0 {
		return nil, engineerr.ErrEmptyFlux
	}
	mean := sum / float64(numFrames-1)
	for i := range flux {
		flux[i] /= mean
	}
	return flux, nil
}

// estimateBPM finds the dominant periodicity of flux via FFT autocorrelation,
// applies octave correction and parabolic refinement, and converts the
// refined lag to BPM.
func estimateBPM(flux []float64, effectiveRate float64, hopSize int) (float64, error) {
	minLag := int(math.Floor(60 * effectiveRate / (config.BPMMax * float64(hopSize))))
	maxLag := int(math.Ceil(60 * effectiveRate / (config.BPMMin * float64(hopSize))))
	if maxLag > len(flux)-1 {
		maxLag = len(flux) - 1
	}
	if minLag < 1 {
		minLag = 1
	}
	if minLag >= maxLag {
		return 0, engineerr.ErrInvalidLagRange
	}
	if maxLag-minLag < 2 {
		return 0, engineerr.ErrEffectiveLagTooSmall
	}

	ac := autocorrelate(flux, maxLag+1)
	if len(ac) <= maxLag {
		return 0, engineerr.ErrAutocorrelationShort
	}
	ac = movingAverage3(ac)

	peak := minLag
	best := ac[minLag]
	for k := minLag + 1; k <= maxLag; k++ {
		if ac[k] > best {
			best = ac[k]
			peak = k
		}
	}
	if best <= 0 {
		return 0, engineerr.ErrNoPeak
	}

	// Octave correction: prefer the faster-tempo half-lag interpretation
	// when it is strongly supported.
	if h := int(math.Round(float64(peak) / 2)); h >= minLag && ac[h] > config.OctaveCorrectionThresholdRatio*ac[peak] {
		peak = h
	}

	refined := parabolicRefine(ac, peak, 0.70)
	if refined <= 0 {
		return 0, engineerr.ErrDegeneratePeriod
	}

	bpm := 60 * effectiveRate / (refined * float64(hopSize))
	return clamp(bpm, config.BPMMin, config.BPMMax), nil
}

// estimateFirstBeat locates the earliest strong onset, preferring a
// candidate within MaxFirstBeatCandidateTimeSec, falling back to the
// earliest peak overall.
func estimateFirstBeat(flux []float64, effectiveRate float64, hopSize int) float64 {
	smoothed := movingAverage3(flux)

	var sum float64
	for _, v := range smoothed {
		sum += v
	}
	mean := sum / float64(len(smoothed))
	threshold := 1.05 * mean

	var peaks []int
	for i := 1; i < len(smoothed)-1; i++ {
		if smoothed[i] > threshold && smoothed[i] >= smoothed[i-1] && smoothed[i] >= smoothed[i+1] {
			peaks = append(peaks, i)
		}
	}
	if len(peaks) == 0 {
		return 0
	}

	chosen := peaks[0]
	for _, p := range peaks {
		t := float64(p) * float64(hopSize) / effectiveRate
		if t <= config.MaxFirstBeatCandidateTimeSec {
			chosen = p
			break
		}
	}

	refined := parabolicRefine(smoothed, chosen, 0.5)
	sec := refined * float64(hopSize) / effectiveRate
	if sec < 0 {
		sec = 0
	}
	return sec
}

// autocorrelate computes the autocorrelation of signal up to lag maxLag
// (inclusive) via FFT: zero-pad to the next power of two at least double
// the signal length, forward FFT, magnitude-square the spectrum, inverse
// FFT, normalize by N.
func autocorrelate(signal []float64, maxLag int) []float64 {
	n := nextPowerOfTwo(2 * len(signal))
	padded := make([]float64, n)
	copy(padded, signal)

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, padded)
	power := make([]complex128, len(coeffs))
	for i, c := range coeffs {
		p := real(c)*real(c) + imag(c)*imag(c)
		power[i] = complex(p, 0)
	}
	ac := fft.Sequence(nil, power)

	out := make([]float64, maxLag+1)
	for i := 0; i <= maxLag && i < len(ac); i++ {
		out[i] = ac[i] / float64(n)
	}
	return out
}

// movingAverage3 applies a 3-point moving average, holding the endpoints.
func movingAverage3(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		switch {
		case i == 0 || i == len(x)-1:
			out[i] = x[i]
		default:
			out[i] = (x[i-1] + x[i] + x[i+1]) / 3
		}
	}
	return out
}

// parabolicRefine fits a parabola through ac[peak-1..peak+1] and returns the
// refined (fractional) lag, clamped to peak±clampTo. Falls back to the
// integer peak when the peak sits at an array edge or the fit is degenerate.
func parabolicRefine(ac []float64, peak int, clampTo float64) float64 {
	if peak <= 0 || peak >= len(ac)-1 {
		return float64(peak)
	}
	yM, y0, yP := ac[peak-1], ac[peak], ac[peak+1]
	denom := yM - 2*y0 + yP
	if math.Abs(denom) < 1e-12 {
		return float64(peak)
	}
	delta := 0.5 * (yM - yP) / denom
	if delta > clampTo {
		delta = clampTo
	}
	if delta < -clampTo {
		delta = -clampTo
	}
	return float64(peak) + delta
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
