package control

import (
	"time"

	"github.com/twodeck/engine/internal/config"
	"github.com/twodeck/engine/internal/cue"
	"github.com/twodeck/engine/internal/deck"
	"github.com/twodeck/engine/internal/resample"
)

// noteKind tags messages from the real-time callback to the control loop.
type noteKind int

const (
	noteTick  noteKind = iota // periodic read-head publication
	noteEnded                 // callback hit end of track and stopped itself
)

// note is the only message type that crosses from the audio thread to the
// control loop. Sends are always non-blocking.
type note struct {
	deckID   string
	kind     noteKind
	readHead float64
}

// renderer is the per-stream DSP state for one deck: everything the
// output callback needs, captured at stream-build time so the callback
// itself reads deck state only through atomics and try-locks.
type renderer struct {
	deck       *deck.Deck
	track      *deck.Track
	outputRate float64
	cueOut     *cue.Output
	notes      chan<- note

	// tickFrames is ~8ms of output; framesSinceTick counts up to it.
	tickFrames      int
	framesSinceTick int

	// cueBuf collects this buffer's samples for a single ring push
	// instead of one try-lock per sample.
	cueBuf []float32
}

func newRenderer(d *deck.Deck, t *deck.Track, outputRate float64, cueOut *cue.Output, notes chan<- note) *renderer {
	return &renderer{
		deck:       d,
		track:      t,
		outputRate: outputRate,
		cueOut:     cueOut,
		notes:      notes,
		tickFrames: int(0.008 * outputRate),
		cueBuf:     make([]float32, 0, 4096),
	}
}

// render is the output callback body. It runs on the device's real-time
// thread: no allocation, no blocking locks, no channel sends that could
// block. Malformed state degrades to silence for the buffer.
func (r *renderer) render(out [][]float32) {
	if len(out) == 0 {
		return
	}
	frames := len(out[0])
	d := r.deck

	r.framesSinceTick += frames
	if r.framesSinceTick >= r.tickFrames {
		r.framesSinceTick = 0
		r.trySend(note{deckID: d.ID, kind: noteTick, readHead: d.ReadHead()})
	}

	if !d.IsPlaying() {
		silence(out, 0, frames)
		return
	}

	readHead := d.ReadHead()
	d.CaptureAnchor(time.Now(), readHead)

	// One smoothing step per buffer toward each target.
	const alpha = config.EQSmoothingFactor
	tLow, tMid, tHigh := d.TargetEQ()
	cLow, cMid, cHigh := d.CurrentEQ()
	cLow = alpha*tLow + (1-alpha)*cLow
	cMid = alpha*tMid + (1-alpha)*cMid
	cHigh = alpha*tHigh + (1-alpha)*cHigh
	d.SetCurrentEQ(cLow, cMid, cHigh)

	trim := alpha*d.TargetTrim() + (1-alpha)*d.CurrentTrim()
	d.SetCurrentTrim(trim)

	pitch := alpha*d.TargetPitch() + (1-alpha)*d.CurrentPitch()
	d.SetCurrentPitch(pitch)

	eq := d.EQChain()
	eq.UpdateIfNeeded(cLow, cMid, cHigh)

	fadeStep := float64(frames) / (r.outputRate * config.SeekFadeDurationSeconds)
	fadeGain, _ := d.TrySeekFadeGain(fadeStep)

	fader := d.FaderLevel()
	advance := pitch * r.track.SampleRate / r.outputRate
	samples := r.track.Samples
	n := len(samples)

	tap := r.cueOut.Tap(d.ID)
	cueBuf := r.cueBuf[:0]

	for i := 0; i < frames; i++ {
		if int(readHead) >= n-3 {
			d.SetPlaying(false)
			silence(out, i, frames)
			r.trySend(note{deckID: d.ID, kind: noteEnded, readHead: readHead})
			break
		}

		s := float64(resample.CubicHermite(samples, readHead))
		s *= trim
		s *= fader
		s = eq.Process(s)
		s *= fadeGain

		v := float32(s)
		for ch := range out {
			out[ch][i] = v
		}
		if tap != nil && len(cueBuf) < cap(cueBuf) {
			cueBuf = append(cueBuf, v)
		}

		readHead += advance
	}

	if readHead > float64(n) {
		readHead = float64(n)
	}
	d.SetReadHead(readHead)

	if tap != nil && len(cueBuf) > 0 {
		tap.Push(cueBuf)
	}
}

func (r *renderer) trySend(m note) {
	select {
	case r.notes <- m:
	default:
	}
}

func silence(out [][]float32, from, to int) {
	for ch := range out {
		for i := from; i < to; i++ {
			out[ch][i] = 0
		}
	}
}
