package control

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twodeck/engine/internal/cue"
	"github.com/twodeck/engine/internal/deck"
)

func sineTrack(seconds float64, rate float64) *deck.Track {
	n := int(seconds * rate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	return &deck.Track{Samples: samples, SampleRate: rate}
}

func newTestRenderer(t *deck.Track, rate float64) (*renderer, *deck.Deck, chan note) {
	d := deck.New("a")
	d.LoadTrack(t, rate)
	notes := make(chan note, 64)
	return newRenderer(d, t, rate, cue.New(), notes), d, notes
}

func renderOnce(r *renderer, frames, channels int) [][]float32 {
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	r.render(out)
	return out
}

func TestRenderPausedDeckEmitsSilence(t *testing.T) {
	track := sineTrack(1, 44100)
	r, _, _ := newTestRenderer(track, 44100)

	out := renderOnce(r, 64, 2)
	for ch := range out {
		for _, v := range out[ch] {
			assert.Zero(t, v)
		}
	}
}

func TestRenderPlayingDeckAdvancesReadHead(t *testing.T) {
	track := sineTrack(1, 44100)
	r, d, _ := newTestRenderer(track, 44100)
	d.SetPlaying(true)

	out := renderOnce(r, 64, 2)

	var energy float64
	for _, v := range out[0] {
		energy += float64(v * v)
	}
	assert.Greater(t, energy, 0.0)

	// Pitch 1, matched rates: one input sample per output frame.
	assert.InDelta(t, 64.0, d.ReadHead(), 1e-9)

	// Mono fan-out: both channels carry the same signal.
	assert.Equal(t, out[0], out[1])
}

func TestRenderRespectsPitchAndRateRatio(t *testing.T) {
	track := sineTrack(1, 44100)
	r, d, _ := newTestRenderer(track, 48000)
	d.SetPlaying(true)
	d.SnapCurrentPitch(2.0)

	renderOnce(r, 48, 1)
	assert.InDelta(t, 48*2.0*44100.0/48000.0, d.ReadHead(), 1e-6)
}

func TestRenderEndOfTrackStopsOnce(t *testing.T) {
	track := sineTrack(0.01, 44100) // 441 samples
	r, d, notes := newTestRenderer(track, 44100)
	d.SetPlaying(true)
	d.SetReadHead(float64(len(track.Samples) - 10))

	out := renderOnce(r, 64, 1)

	assert.False(t, d.IsPlaying())
	// Remainder of the buffer after the end is silence.
	for _, v := range out[0][10:] {
		assert.Zero(t, v)
	}

	var ended bool
	for len(notes) > 0 {
		if n := <-notes; n.kind == noteEnded {
			ended = true
		}
	}
	assert.True(t, ended)

	// Next buffer: deck is stopped, no second ended note.
	renderOnce(r, 64, 1)
	for len(notes) > 0 {
		assert.NotEqual(t, noteEnded, (<-notes).kind)
	}
}

func TestRenderSeekFadeAttenuatesFirstBuffers(t *testing.T) {
	track := sineTrack(1, 44100)

	// Reference: steady-state peak without a fade.
	r, d, _ := newTestRenderer(track, 44100)
	d.SetPlaying(true)
	ref := renderOnce(r, 64, 1)
	refPeak := peak(ref[0])
	require.Greater(t, refPeak, float32(0))

	r2, d2, _ := newTestRenderer(track, 44100)
	d2.SetPlaying(true)
	d2.ArmSeekFade()
	faded := renderOnce(r2, 64, 1)
	assert.Less(t, peak(faded[0]), refPeak)
}

func TestRenderSeekFadeCompletes(t *testing.T) {
	track := sineTrack(1, 44100)
	r, d, _ := newTestRenderer(track, 44100)
	d.SetPlaying(true)
	d.ArmSeekFade()

	// 8ms at 44100 is ~353 samples; a handful of 64-frame buffers clears
	// the fade entirely.
	for i := 0; i < 10; i++ {
		renderOnce(r, 64, 1)
	}
	gain, ok := d.TrySeekFadeGain(0)
	assert.False(t, ok, "fade state should be disarmed")
	assert.Equal(t, 1.0, gain)
}

func TestRenderTrimSmoothingConvergesExponentially(t *testing.T) {
	track := sineTrack(1, 44100)
	r, d, _ := newTestRenderer(track, 44100)
	d.SetPlaying(true)
	d.SetTargetTrim(0.0)

	prev := d.CurrentTrim()
	for i := 0; i < 50; i++ {
		renderOnce(r, 64, 1)
		cur := d.CurrentTrim()
		assert.Less(t, cur, prev)
		prev = cur
	}
	assert.Less(t, prev, 0.01)
}

func TestRenderFeedsCueRing(t *testing.T) {
	track := sineTrack(1, 44100)
	d := deck.New("a")
	d.LoadTrack(track, 44100)
	d.SetPlaying(true)
	cueOut := cue.New()
	cueOut.SetSource("a")
	notes := make(chan note, 64)
	r := newRenderer(d, track, 44100, cueOut, notes)

	renderOnce(r, 64, 2)
	assert.Equal(t, 64, cueOut.Fill())

	// Another deck's samples don't reach the ring.
	cueOut.SetSource("b")
	renderOnce(r, 64, 2)
	assert.Equal(t, 0, cueOut.Fill())
}

func peak(s []float32) float32 {
	var p float32
	for _, v := range s {
		if v < 0 {
			v = -v
		}
		if v > p {
			p = v
		}
	}
	return p
}
