// Package deck holds per-deck playback state: the decoded sample buffer,
// the DSP graph parameters the output callback reads every buffer, and the
// bookkeeping the control loop and sync engine use between buffers.
//
// Fields touched by the output callback (on the audio device's own thread)
// are single-word atomics so the callback never blocks on a lock held by
// the control loop; a coarse mu covers the non-real-time bookkeeping.
// Momentary inconsistency between two atomics read in the same buffer
// (stale trim, fresh pitch) is acceptable; the callback never needs a
// consistent snapshot across more than one field.
package deck

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twodeck/engine/internal/eq"
)

// Track is the immutable decoded-audio payload a Deck plays. A new Track is
// swapped in wholesale on Load; the previous one is left for the garbage
// collector once no callback holds a reference to it.
type Track struct {
	Samples    []float32
	SampleRate float64
}

// timeAnchor is the wall-clock anchor the precise time estimator uses
// between ticks: the read head and the instant it was observed at,
// captured once per callback invocation. It is replaced (never mutated)
// so readers never observe a torn pair.
type timeAnchor struct {
	instant    time.Time
	readHeadAt float64
	valid      bool
}

// SeekFade is the short anti-click linear fade-in state armed after a
// seek. A nil *SeekFade on a Deck means no fade is in progress.
type SeekFade struct {
	Progress float64 // 0..1, 1 means complete
}

// Deck is one logical deck ("A" or "B"). The zero value is not usable;
// construct with New.
type Deck struct {
	ID string

	track atomic.Pointer[Track]

	outputSampleRate atomic.Uint64 // float64 bits

	readHead       atomic.Uint64 // float64 bits, fractional sample index
	isPlaying      atomic.Bool
	pausedReadHead float64 // control-loop-owned; restored into readHead on Play

	// EQ: target written by the control loop (SetEq), current smoothed
	// toward target one step per output buffer inside the callback.
	targetLowDB, targetMidDB, targetHighDB    atomic.Uint64 // float64 bits
	currentLowDB, currentMidDB, currentHighDB atomic.Uint64 // float64 bits
	eqChain                                   *eq.ThreeBand // callback-owned, no lock: one stream, one callback goroutine

	currentTrim, targetTrim atomic.Uint64 // float64 bits, linear gain
	faderLevel              atomic.Uint64 // float64 bits, linear 0..1, unsmoothed

	currentPitch, targetPitch atomic.Uint64 // float64 bits, rate multiplier

	seekFadeMu sync.Mutex
	seekFade   *SeekFade

	anchor atomic.Pointer[timeAnchor]

	// mu guards everything below: bookkeeping touched by the control loop
	// and occasionally read by HTTP/SSE status handlers, never by the
	// audio callback.
	mu                     sync.Mutex
	cuePoint               *float64
	originalBPM            float64
	firstBeatSec           float64
	hasAnalysis            bool
	isSyncActive           bool
	isMaster               bool
	masterDeckID           string
	targetPitchForBPMMatch float64
	manualPitch            float64
	pllIntegralError       float64
}

// New creates a deck with its startup defaults: pitch 1, EQ flat, trim 1, no
// track loaded, sync disengaged.
func New(id string) *Deck {
	d := &Deck{ID: id}
	d.targetPitch.Store(math.Float64bits(1.0))
	d.currentPitch.Store(math.Float64bits(1.0))
	d.targetTrim.Store(math.Float64bits(1.0))
	d.currentTrim.Store(math.Float64bits(1.0))
	d.faderLevel.Store(math.Float64bits(1.0))
	d.manualPitch = 1.0
	return d
}

// --- real-time-safe accessors (callback-facing) ---

func (d *Deck) LoadTrack(t *Track, outputSampleRate float64) {
	d.track.Store(t)
	d.outputSampleRate.Store(math.Float64bits(outputSampleRate))
	d.readHead.Store(0)
	d.pausedReadHead = 0
	d.targetPitch.Store(math.Float64bits(1.0))
	d.currentPitch.Store(math.Float64bits(1.0))
	d.eqChain = eq.NewThreeBand(outputSampleRate)
	d.anchor.Store(&timeAnchor{})
}

func (d *Deck) Track() *Track { return d.track.Load() }

func (d *Deck) OutputSampleRate() float64 {
	return math.Float64frombits(d.outputSampleRate.Load())
}

func (d *Deck) ReadHead() float64 { return math.Float64frombits(d.readHead.Load()) }

func (d *Deck) SetReadHead(v float64) { d.readHead.Store(math.Float64bits(v)) }

func (d *Deck) IsPlaying() bool { return d.isPlaying.Load() }

func (d *Deck) SetPlaying(v bool) { d.isPlaying.Store(v) }

// TargetEQ / CurrentEQ: low, mid, high gains in dB.
func (d *Deck) TargetEQ() (low, mid, high float64) {
	return math.Float64frombits(d.targetLowDB.Load()),
		math.Float64frombits(d.targetMidDB.Load()),
		math.Float64frombits(d.targetHighDB.Load())
}

func (d *Deck) SetTargetEQ(low, mid, high float64) {
	d.targetLowDB.Store(math.Float64bits(low))
	d.targetMidDB.Store(math.Float64bits(mid))
	d.targetHighDB.Store(math.Float64bits(high))
}

func (d *Deck) CurrentEQ() (low, mid, high float64) {
	return math.Float64frombits(d.currentLowDB.Load()),
		math.Float64frombits(d.currentMidDB.Load()),
		math.Float64frombits(d.currentHighDB.Load())
}

func (d *Deck) SetCurrentEQ(low, mid, high float64) {
	d.currentLowDB.Store(math.Float64bits(low))
	d.currentMidDB.Store(math.Float64bits(mid))
	d.currentHighDB.Store(math.Float64bits(high))
}

// EQChain returns the deck's biquad chain. Only the callback goroutine for
// this deck's stream may call Process/UpdateIfNeeded on it.
func (d *Deck) EQChain() *eq.ThreeBand { return d.eqChain }

func (d *Deck) TargetTrim() float64 { return math.Float64frombits(d.targetTrim.Load()) }

func (d *Deck) SetTargetTrim(v float64) { d.targetTrim.Store(math.Float64bits(v)) }

func (d *Deck) CurrentTrim() float64 { return math.Float64frombits(d.currentTrim.Load()) }

func (d *Deck) SetCurrentTrim(v float64) { d.currentTrim.Store(math.Float64bits(v)) }

func (d *Deck) FaderLevel() float64 { return math.Float64frombits(d.faderLevel.Load()) }

func (d *Deck) SetFaderLevel(v float64) { d.faderLevel.Store(math.Float64bits(v)) }

func (d *Deck) TargetPitch() float64 { return math.Float64frombits(d.targetPitch.Load()) }

func (d *Deck) SetTargetPitch(v float64) { d.targetPitch.Store(math.Float64bits(v)) }

func (d *Deck) CurrentPitch() float64 { return math.Float64frombits(d.currentPitch.Load()) }

func (d *Deck) SetCurrentPitch(v float64) { d.currentPitch.Store(math.Float64bits(v)) }

// SnapCurrentPitch immediately sets current==target, used by
// system-initiated pitch writes (sync engine) which must not wait for the
// per-buffer smoothing ramp.
func (d *Deck) SnapCurrentPitch(v float64) {
	d.targetPitch.Store(math.Float64bits(v))
	d.currentPitch.Store(math.Float64bits(v))
}

// ArmSeekFade starts a fresh anti-click fade-in at progress 0.
func (d *Deck) ArmSeekFade() {
	d.seekFadeMu.Lock()
	d.seekFade = &SeekFade{Progress: 0}
	d.seekFadeMu.Unlock()
}

// TrySeekFadeGain attempts a non-blocking read-modify-write of the seek
// fade state, advancing it by step and returning the gain to apply for
// this buffer. ok is false if the lock was held elsewhere (the callback
// simply uses gain 1.0 for this buffer and retries next time) or if no
// fade is armed.
func (d *Deck) TrySeekFadeGain(step float64) (gain float64, ok bool) {
	if !d.seekFadeMu.TryLock() {
		return 1.0, false
	}
	defer d.seekFadeMu.Unlock()

	if d.seekFade == nil {
		return 1.0, false
	}
	d.seekFade.Progress += step
	if d.seekFade.Progress >= 1.0 {
		gain := 1.0
		d.seekFade = nil
		return gain, true
	}
	return d.seekFade.Progress, true
}

// CaptureAnchor publishes a fresh wall-clock anchor at the start of a
// callback invocation.
func (d *Deck) CaptureAnchor(now time.Time, readHead float64) {
	d.anchor.Store(&timeAnchor{instant: now, readHeadAt: readHead, valid: true})
}

// InvalidateAnchor marks the current anchor stale; PreciseTime falls back
// to the raw read head until the next callback captures a fresh one. Used
// on seek, pause, and system-initiated pitch snaps — any discontinuity in
// the time integral's slope.
func (d *Deck) InvalidateAnchor() {
	d.anchor.Store(&timeAnchor{})
}

// PreciseTime estimates the current playback position in source samples
// using the wall-clock anchor, falling back to the raw read head if the
// anchor is invalid. sourceSampleRate and outputSampleRate come from the
// loaded track and bound stream respectively.
func (d *Deck) PreciseTime(now time.Time, sourceSampleRate, outputSampleRate float64) float64 {
	a := d.anchor.Load()
	if a == nil || !a.valid {
		return d.ReadHead()
	}
	// Output frames rendered since the anchor, each advancing the read head
	// by pitch*source/output samples as the callback does.
	framesOut := now.Sub(a.instant).Seconds() * outputSampleRate
	pitch := d.CurrentPitch()
	estimate := a.readHeadAt + framesOut*pitch*sourceSampleRate/outputSampleRate

	t := d.track.Load()
	if t == nil {
		return estimate
	}
	if estimate < 0 {
		return 0
	}
	if n := float64(len(t.Samples)); estimate > n {
		return n
	}
	return estimate
}

// --- control-loop-owned bookkeeping (behind mu) ---

// SetCuePoint saves or clears (nil) the deck's cue point in seconds.
func (d *Deck) SetCuePoint(sec *float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cuePoint = sec
}

func (d *Deck) CuePoint() *float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cuePoint == nil {
		return nil
	}
	v := *d.cuePoint
	return &v
}

// SetAnalysis records the analyzer's BPM/first-beat results for this
// deck's loaded track.
func (d *Deck) SetAnalysis(bpm, firstBeatSec float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.originalBPM = bpm
	d.firstBeatSec = firstBeatSec
	d.hasAnalysis = true
}

func (d *Deck) ClearAnalysis() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.originalBPM = 0
	d.firstBeatSec = 0
	d.hasAnalysis = false
}

// Analysis returns the deck's original BPM and first-beat offset, and
// whether analysis has been recorded at all.
func (d *Deck) Analysis() (bpm, firstBeatSec float64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.originalBPM, d.firstBeatSec, d.hasAnalysis
}

// SyncRole returns whether sync is active, whether this deck is the
// master, and (if a slave) the master deck's id.
func (d *Deck) SyncRole() (active, isMaster bool, masterDeckID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isSyncActive, d.isMaster, d.masterDeckID
}

func (d *Deck) SetSyncSlave(masterDeckID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isSyncActive = true
	d.isMaster = false
	d.masterDeckID = masterDeckID
}

func (d *Deck) SetSyncMaster(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isSyncActive = active
	d.isMaster = active
	d.masterDeckID = ""
}

func (d *Deck) ClearSync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isSyncActive = false
	d.isMaster = false
	d.masterDeckID = ""
	d.targetPitchForBPMMatch = 0
	d.pllIntegralError = 0
}

func (d *Deck) ManualPitch() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manualPitch
}

func (d *Deck) SetManualPitch(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manualPitch = v
}

func (d *Deck) TargetPitchForBPMMatch() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targetPitchForBPMMatch
}

func (d *Deck) SetTargetPitchForBPMMatch(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targetPitchForBPMMatch = v
}

func (d *Deck) PLLIntegralError() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pllIntegralError
}

func (d *Deck) SetPLLIntegralError(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pllIntegralError = v
}

// PausedReadHead and SetPausedReadHead are owned by the control loop
// (never read by the callback): a snapshot taken at Pause and restored at
// Play.
func (d *Deck) PausedReadHead() float64 { return d.pausedReadHead }

func (d *Deck) SetPausedReadHead(v float64) { d.pausedReadHead = v }

// Duration returns the loaded track's length in seconds, or 0 if no track
// is loaded.
func (d *Deck) Duration() float64 {
	t := d.track.Load()
	if t == nil || t.SampleRate == 0 {
		return 0
	}
	return float64(len(t.Samples)) / t.SampleRate
}
