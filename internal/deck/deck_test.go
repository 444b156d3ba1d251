package deck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewHasStartupDefaults(t *testing.T) {
	d := New("A")
	assert.Equal(t, "A", d.ID)
	assert.Equal(t, 1.0, d.TargetPitch())
	assert.Equal(t, 1.0, d.CurrentPitch())
	assert.Equal(t, 1.0, d.TargetTrim())
	assert.Equal(t, 1.0, d.FaderLevel())
	assert.False(t, d.IsPlaying())
	low, mid, high := d.TargetEQ()
	assert.Zero(t, low)
	assert.Zero(t, mid)
	assert.Zero(t, high)
}

func TestLoadTrackResetsReadHeadAndPitch(t *testing.T) {
	d := New("A")
	d.SetReadHead(123)
	d.SnapCurrentPitch(1.5)

	d.LoadTrack(&Track{Samples: make([]float32, 1000), SampleRate: 44100}, 48000)

	assert.Equal(t, 0.0, d.ReadHead())
	assert.Equal(t, 1.0, d.TargetPitch())
	assert.Equal(t, 1.0, d.CurrentPitch())
	assert.Equal(t, 48000.0, d.OutputSampleRate())
	assert.NotNil(t, d.EQChain())
}

func TestSeekFadeRampsToCompletion(t *testing.T) {
	d := New("A")
	d.ArmSeekFade()

	gain, ok := d.TrySeekFadeGain(0.5)
	assert.True(t, ok)
	assert.InDelta(t, 0.5, gain, 1e-9)

	gain, ok = d.TrySeekFadeGain(0.6)
	assert.True(t, ok)
	assert.Equal(t, 1.0, gain)

	// Fade cleared; subsequent calls report no fade in progress.
	_, ok = d.TrySeekFadeGain(0.1)
	assert.False(t, ok)
}

func TestTrySeekFadeGainNoFadeArmedIsFalse(t *testing.T) {
	d := New("A")
	_, ok := d.TrySeekFadeGain(0.1)
	assert.False(t, ok)
}

func TestPreciseTimeFallsBackToReadHeadWhenAnchorInvalid(t *testing.T) {
	d := New("A")
	d.SetReadHead(500)
	got := d.PreciseTime(time.Now(), 44100, 44100)
	assert.Equal(t, 500.0, got)
}

func TestPreciseTimeUsesAnchorAndClampsToTrackLength(t *testing.T) {
	d := New("A")
	d.LoadTrack(&Track{Samples: make([]float32, 100), SampleRate: 44100}, 44100)

	anchorTime := time.Now()
	d.CaptureAnchor(anchorTime, 90)

	got := d.PreciseTime(anchorTime.Add(time.Second), 44100, 44100)
	assert.Equal(t, 100.0, got, "estimate should clamp to track length")
}

func TestSyncRoleTransitions(t *testing.T) {
	d := New("B")
	d.SetSyncSlave("A")
	active, isMaster, masterID := d.SyncRole()
	assert.True(t, active)
	assert.False(t, isMaster)
	assert.Equal(t, "A", masterID)

	d.ClearSync()
	active, isMaster, masterID = d.SyncRole()
	assert.False(t, active)
	assert.False(t, isMaster)
	assert.Empty(t, masterID)
}

func TestCuePointRoundTrip(t *testing.T) {
	d := New("A")
	assert.Nil(t, d.CuePoint())

	sec := 12.5
	d.SetCuePoint(&sec)
	got := d.CuePoint()
	if assert.NotNil(t, got) {
		assert.Equal(t, 12.5, *got)
	}

	d.SetCuePoint(nil)
	assert.Nil(t, d.CuePoint())
}

func TestAnalysisRoundTrip(t *testing.T) {
	d := New("A")
	_, _, ok := d.Analysis()
	assert.False(t, ok)

	d.SetAnalysis(128.0, 0.2)
	bpm, firstBeat, ok := d.Analysis()
	assert.True(t, ok)
	assert.Equal(t, 128.0, bpm)
	assert.Equal(t, 0.2, firstBeat)
}
