package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twodeck/engine/internal/deck"
)

func newLoadedDeck(id string, bpm, firstBeat float64, numSamples int, sampleRate float64) *deck.Deck {
	d := deck.New(id)
	d.LoadTrack(&deck.Track{Samples: make([]float32, numSamples), SampleRate: sampleRate}, sampleRate)
	d.SetAnalysis(bpm, firstBeat)
	return d
}

func TestWrapPhaseDiffStaysInHalfOpenRange(t *testing.T) {
	assert.InDelta(t, -0.4, WrapPhaseDiff(0.6), 1e-9)
	assert.InDelta(t, 0.4, WrapPhaseDiff(-0.6), 1e-9)
	assert.InDelta(t, 0.3, WrapPhaseDiff(0.3), 1e-9)
}

func TestTempoMatchRateComputesRatio(t *testing.T) {
	rate, err := TempoMatchRate(128.0, 120.0, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 128.0/120.0, rate, 1e-9)
}

func TestTempoMatchRateRejectsZeroSlaveBPM(t *testing.T) {
	_, err := TempoMatchRate(128.0, 0, 1.0)
	assert.Error(t, err)
}

func TestEnableSyncTempoMatchesSlave(t *testing.T) {
	decks := map[string]*deck.Deck{
		"A": newLoadedDeck("A", 128.0, 0.0, 44100*10, 44100),
		"B": newLoadedDeck("B", 125.0, 0.0, 44100*10, 44100),
	}

	result, err := EnableSync(decks, "B", "A", 0, 0)
	require.NoError(t, err)
	assert.True(t, result.MasterBecameMaster)

	active, isMaster, masterID := decks["B"].SyncRole()
	assert.True(t, active)
	assert.False(t, isMaster)
	assert.Equal(t, "A", masterID)

	_, isMasterA, _ := decks["A"].SyncRole()
	assert.True(t, isMasterA)

	assert.InDelta(t, 128.0/125.0, decks["B"].TargetPitch(), 1e-9)
	assert.InDelta(t, 128.0/125.0, decks["B"].CurrentPitch(), 1e-9, "system-initiated pitch write must snap current")
}

func TestEnableSyncRejectsMasterMissingBPM(t *testing.T) {
	decks := map[string]*deck.Deck{
		"A": deck.New("A"),
		"B": newLoadedDeck("B", 125.0, 0.0, 44100, 44100),
	}
	decks["A"].LoadTrack(&deck.Track{Samples: make([]float32, 44100), SampleRate: 44100}, 44100)

	_, err := EnableSync(decks, "B", "A", 0, 0)
	assert.Error(t, err)
}

func TestDisableSyncRestoresManualPitchAndCascades(t *testing.T) {
	decks := map[string]*deck.Deck{
		"A": newLoadedDeck("A", 128.0, 0.0, 44100*10, 44100),
		"B": newLoadedDeck("B", 125.0, 0.0, 44100*10, 44100),
	}
	decks["B"].SetTargetPitch(1.2)
	decks["B"].SnapCurrentPitch(1.2)

	_, err := EnableSync(decks, "B", "A", 0, 0)
	require.NoError(t, err)

	affected := DisableSync(decks, "A")
	assert.ElementsMatch(t, []string{"A", "B"}, affected)

	activeB, isMasterB, _ := decks["B"].SyncRole()
	assert.False(t, activeB)
	assert.False(t, isMasterB)
	assert.InDelta(t, 1.2, decks["B"].TargetPitch(), 1e-9, "restores the slave's pre-sync manual pitch")

	_, isMasterA, _ := decks["A"].SyncRole()
	assert.False(t, isMasterA)
}

func TestDisableSyncNoOpWhenNotSynced(t *testing.T) {
	decks := map[string]*deck.Deck{"A": deck.New("A")}
	assert.Empty(t, DisableSync(decks, "A"))
}

func TestUserSetPitchOverrideDisengagesSlave(t *testing.T) {
	decks := map[string]*deck.Deck{
		"A": newLoadedDeck("A", 128.0, 0.0, 44100*10, 44100),
		"B": newLoadedDeck("B", 125.0, 0.0, 44100*10, 44100),
	}
	_, err := EnableSync(decks, "B", "A", 0, 0)
	require.NoError(t, err)

	pitchABefore := decks["A"].TargetPitch()
	affected, err := UserSetPitch(decks, "B", 1.10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, affected)

	active, _, _ := decks["B"].SyncRole()
	assert.False(t, active)

	_, isMasterA, _ := decks["A"].SyncRole()
	assert.False(t, isMasterA, "a master left without slaves is released")
	assert.Equal(t, pitchABefore, decks["A"].TargetPitch(), "releasing the master leaves its pitch alone")
}

func TestUserSetPitchOnMasterPropagatesToSlaves(t *testing.T) {
	decks := map[string]*deck.Deck{
		"A": newLoadedDeck("A", 128.0, 0.0, 44100*10, 44100),
		"B": newLoadedDeck("B", 125.0, 0.0, 44100*10, 44100),
	}
	_, err := EnableSync(decks, "B", "A", 0, 0)
	require.NoError(t, err)

	affected, err := UserSetPitch(decks, "A", 1.1)
	require.NoError(t, err)
	assert.Empty(t, affected)

	assert.InDelta(t, (128.0*1.1)/125.0, decks["B"].TargetPitch(), 1e-9)
	active, _, _ := decks["B"].SyncRole()
	assert.True(t, active, "master pitch changes propagate without disengaging the slave")
}

func TestRunPLLTickSkipsWhenMasterNotPlaying(t *testing.T) {
	decks := map[string]*deck.Deck{
		"A": newLoadedDeck("A", 128.0, 0.0, 44100*10, 44100),
		"B": newLoadedDeck("B", 125.0, 0.0, 44100*10, 44100),
	}
	_, err := EnableSync(decks, "B", "A", 0, 0)
	require.NoError(t, err)
	decks["B"].SetPlaying(true)
	// Master not playing.

	updated := RunPLLTick(decks, map[string]float64{"A": 1.0, "B": 1.0}, 0.075)
	assert.Empty(t, updated)
}

func TestRunPLLTickCorrectsPhaseError(t *testing.T) {
	decks := map[string]*deck.Deck{
		"A": newLoadedDeck("A", 120.0, 0.0, 44100*10, 44100),
		"B": newLoadedDeck("B", 120.0, 0.0, 44100*10, 44100),
	}
	_, err := EnableSync(decks, "B", "A", 0, 0)
	require.NoError(t, err)
	decks["A"].SetPlaying(true)
	decks["B"].SetPlaying(true)

	// Slave half a beat behind master at 120 BPM (0.5s/beat).
	updated := RunPLLTick(decks, map[string]float64{"A": 1.0, "B": 0.75}, 0.075)
	assert.Equal(t, []string{"B"}, updated)
	assert.NotEqual(t, decks["B"].TargetPitchForBPMMatch(), decks["B"].TargetPitch())
}
