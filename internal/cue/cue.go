// Package cue implements the headphone monitor output: a second device
// stream fed by a bounded ring buffer tapped from a single selected
// deck's main output callback.
//
// The tap side and the drain side are both real-time audio callbacks, so
// the ring between them is strictly try-lock; samples are dropped rather
// than either side blocking. The mono tap is duplicated to every channel
// of the cue device on the way out.
package cue

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/twodeck/engine/internal/config"
	"github.com/twodeck/engine/internal/device"
)

// Output is the process-wide cue monitor. It is an explicit component
// owned by the control loop, created at startup and torn down at
// shutdown.
type Output struct {
	ring   *ring
	source atomic.Value // string: deck id currently tapped, "" = none

	mu     sync.Mutex
	stream *device.Stream
}

// New returns an Output with no device bound and no source deck.
func New() *Output {
	o := &Output{ring: newRing(config.CueBufferSize)}
	o.source.Store("")
	return o
}

// SetSource designates deckID as the tapped deck (empty clears). The
// ring is flushed so stale audio from the previous source doesn't bleed
// into the monitor.
func (o *Output) SetSource(deckID string) {
	o.source.Store(deckID)
	var scratch [config.CueBufferSize]float32
	o.ring.tryPop(scratch[:], 0)
}

// Source returns the currently tapped deck id, or "".
func (o *Output) Source() string {
	return o.source.Load().(string)
}

// Tap returns the push target for deckID's callback, or nil when that
// deck is not the cue source. Called once per output buffer, not per
// sample.
func (o *Output) Tap(deckID string) *Writer {
	if deckID == "" || o.source.Load().(string) != deckID {
		return nil
	}
	return &Writer{ring: o.ring}
}

// Writer is the per-buffer handle a deck callback pushes samples through.
type Writer struct {
	ring *ring
}

// Push stores samples in the cue ring, dropping on contention or
// overflow.
func (w *Writer) Push(samples []float32) {
	w.ring.tryPush(samples)
}

// Bind opens and starts the cue stream on the named output device
// (empty = system default). Any previously bound stream is torn down
// first.
func (o *Output) Bind(mgr *device.Manager, deviceName string) error {
	o.Unbind()

	cfg, err := mgr.PickConfig(deviceName, 48000)
	if err != nil {
		return err
	}

	// Scratch buffer sized for any plausible device buffer so the callback
	// itself never allocates.
	mono := make([]float32, 4096)
	stream, err := mgr.OpenOutput(deviceName, cfg, func(out [][]float32) {
		if len(out) == 0 {
			return
		}
		frames := len(out[0])
		if frames > len(mono) {
			frames = len(mono)
		}
		buf := mono[:frames]
		o.ring.tryPop(buf, config.CueTargetBufferSize)
		for ch := range out {
			copy(out[ch], buf)
		}
	})
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return err
	}

	o.mu.Lock()
	o.stream = stream
	o.mu.Unlock()
	slog.Info("cue output bound", "device", stream.Device, "rate", cfg.SampleRate)
	return nil
}

// Unbind stops and closes the cue stream if one is bound.
func (o *Output) Unbind() {
	o.mu.Lock()
	stream := o.stream
	o.stream = nil
	o.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Stop(); err != nil {
		slog.Warn("cue stream stop failed", "error", err)
	}
	if err := stream.Close(); err != nil {
		slog.Warn("cue stream close failed", "error", err)
	}
}

// Fill reports the current ring fill level in samples.
func (o *Output) Fill() int {
	return o.ring.fill()
}
