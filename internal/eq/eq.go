// Package eq implements the three-band (low shelf / mid peak / high shelf)
// equalizer used in each deck's output-callback DSP graph.
//
// Biquad sections and coefficient design come from
// github.com/cwbudde/algo-dsp/dsp/filter/{biquad,design}: a low shelf and
// a high shelf at the band crossover frequencies with a peaking filter
// between them.
package eq

import (
	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"

	"github.com/twodeck/engine/internal/config"
)

// ThreeBand is a low-shelf → mid-peak → high-shelf biquad chain. It is not
// safe for concurrent use and takes no lock; its only caller, the deck's
// output callback, calls both Process and UpdateIfNeeded from a single
// goroutine.
type ThreeBand struct {
	sampleRate float64

	low  *biquad.Section
	mid  *biquad.Section
	high *biquad.Section

	lastLowDB, lastMidDB, lastHighDB float64
}

// NewThreeBand builds a flat (0 dB) three-band EQ for the given sample
// rate.
func NewThreeBand(sampleRate float64) *ThreeBand {
	t := &ThreeBand{sampleRate: sampleRate}
	t.recompute(0, 0, 0)
	return t
}

// Process runs one sample through low shelf, mid peak, then high shelf.
func (t *ThreeBand) Process(x float64) float64 {
	x = t.low.ProcessSample(x)
	x = t.mid.ProcessSample(x)
	x = t.high.ProcessSample(x)
	return x
}

// UpdateIfNeeded recomputes filter coefficients if any of the three target
// gains (in dB) has moved by more than EQRecalcThreshold since the last
// recompute. It reports whether a recompute happened.
func (t *ThreeBand) UpdateIfNeeded(lowDB, midDB, highDB float64) bool {
	if absDiff(lowDB, t.lastLowDB) <= config.EQRecalcThreshold &&
		absDiff(midDB, t.lastMidDB) <= config.EQRecalcThreshold &&
		absDiff(highDB, t.lastHighDB) <= config.EQRecalcThreshold {
		return false
	}
	t.recompute(lowDB, midDB, highDB)
	return true
}

func (t *ThreeBand) recompute(lowDB, midDB, highDB float64) {
	lowCoeffs := design.LowShelf(config.LowMidCrossoverHz, lowDB, config.ShelfQ, t.sampleRate)
	midCoeffs := design.Peak(config.MidCenterHz, midDB, config.MidQ, t.sampleRate)
	highCoeffs := design.HighShelf(config.MidHighCrossoverHz, highDB, config.ShelfQ, t.sampleRate)

	t.low = biquad.NewSection(lowCoeffs)
	t.mid = biquad.NewSection(midCoeffs)
	t.high = biquad.NewSection(highCoeffs)

	t.lastLowDB, t.lastMidDB, t.lastHighDB = lowDB, midDB, highDB
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}
