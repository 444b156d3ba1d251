package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twodeck/engine/internal/cue"
	"github.com/twodeck/engine/internal/deck"
	"github.com/twodeck/engine/internal/engineerr"
)

// collectSink records emitted events for assertions.
type collectSink struct {
	events []Event
}

func (c *collectSink) sink() EventSink {
	return func(e Event) { c.events = append(c.events, e) }
}

func (c *collectSink) byName(name string) []Event {
	var out []Event
	for _, e := range c.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

func newTestLoop() (*Loop, *collectSink) {
	sink := &collectSink{}
	l := New(Options{Cue: cue.New(), Events: sink.sink()})
	return l, sink
}

// addLoadedDeck wires a deck with an in-memory track straight into the
// loop, bypassing the device-bound Load path.
func addLoadedDeck(l *Loop, id string, bpm float64, seconds float64) *deckSlot {
	track := sineTrack(seconds, 44100)
	d := deck.New(id)
	d.LoadTrack(track, 44100)
	d.SetAnalysis(bpm, 0.0)
	slot := &deckSlot{deck: d}
	l.decks[id] = slot
	return slot
}

func TestTrimGainFromDB(t *testing.T) {
	assert.InDelta(t, 1.0, trimGainFromDB(0), 1e-12)
	assert.InDelta(t, 0.501187, trimGainFromDB(-6), 1e-5)
	assert.InDelta(t, 2.0, trimGainFromDB(6.0206), 1e-4)
	assert.Zero(t, trimGainFromDB(-96))
	assert.Zero(t, trimGainFromDB(-120))
}

func TestInitDeckEmitsDefaults(t *testing.T) {
	l, sink := newTestLoop()
	l.handle(InitDeck{DeckID: "a"})

	require.Contains(t, l.decks, "a")
	assert.Len(t, sink.byName("load-update"), 1)
	assert.Len(t, sink.byName("status-update"), 1)
	assert.Len(t, sink.byName("sync-status-update"), 1)
	pitch := sink.byName("pitch-tick")
	require.Len(t, pitch, 1)
	assert.Equal(t, 1.0, pitch[0].(PitchTick).Rate)
}

func TestInitDeckTwiceIsAnError(t *testing.T) {
	l, sink := newTestLoop()
	l.handle(InitDeck{DeckID: "a"})
	l.handle(InitDeck{DeckID: "a"})
	assert.Len(t, sink.byName("error"), 1)
}

func TestSeekClampsAndMirrorsPausedHead(t *testing.T) {
	l, sink := newTestLoop()
	slot := addLoadedDeck(l, "a", 120, 2)

	l.handle(Seek{DeckID: "a", Seconds: 1.0})
	assert.InDelta(t, 44100.0, slot.deck.ReadHead(), 0.5)
	assert.InDelta(t, 44100.0, slot.deck.PausedReadHead(), 0.5)

	ticks := sink.byName("tick")
	require.Len(t, ticks, 1)
	assert.InDelta(t, 1.0, ticks[0].(Tick).TimeSec, 1e-4)

	// Beyond the end clamps to the last sample.
	l.handle(Seek{DeckID: "a", Seconds: 99})
	n := len(slot.deck.Track().Samples)
	assert.InDelta(t, float64(n-1), slot.deck.ReadHead(), 0.5)

	// Seek arms the anti-click fade.
	gain, ok := slot.deck.TrySeekFadeGain(0)
	assert.True(t, ok)
	assert.Less(t, gain, 1.0)
}

func TestSetCueClampsToDuration(t *testing.T) {
	l, _ := newTestLoop()
	slot := addLoadedDeck(l, "a", 120, 2)

	l.handle(SetCue{DeckID: "a", Seconds: 1.5})
	cp := slot.deck.CuePoint()
	require.NotNil(t, cp)
	assert.InDelta(t, 1.5, *cp, 1e-9)

	l.handle(SetCue{DeckID: "a", Seconds: 99})
	cp = slot.deck.CuePoint()
	require.NotNil(t, cp)
	assert.InDelta(t, slot.deck.Duration(), *cp, 1e-9)
}

func TestUserPitchOverrideDisengagesSync(t *testing.T) {
	l, sink := newTestLoop()
	a := addLoadedDeck(l, "a", 128, 5)
	b := addLoadedDeck(l, "b", 125, 5)
	a.deck.SetPlaying(true)
	b.deck.SetPlaying(true)

	l.handle(EnableSync{SlaveID: "b", MasterID: "a"})

	active, _, master := b.deck.SyncRole()
	require.True(t, active)
	require.Equal(t, "a", master)
	_, isMaster, _ := a.deck.SyncRole()
	require.True(t, isMaster)

	masterPitchBefore := a.deck.TargetPitch()
	sink.events = nil

	l.handle(SetPitchRate{DeckID: "b", Rate: 1.10, IsUserInitiated: true})

	active, _, _ = b.deck.SyncRole()
	assert.False(t, active)
	_, isMaster, _ = a.deck.SyncRole()
	assert.False(t, isMaster)
	assert.Equal(t, masterPitchBefore, a.deck.TargetPitch())
	assert.NotEmpty(t, sink.byName("sync-status-update"))
}

func TestPauseOfMasterCascades(t *testing.T) {
	l, _ := newTestLoop()
	a := addLoadedDeck(l, "a", 128, 5)
	b := addLoadedDeck(l, "b", 125, 5)
	a.deck.SetPlaying(true)
	b.deck.SetPlaying(true)

	l.handle(EnableSync{SlaveID: "b", MasterID: "a"})
	require.True(t, func() bool { active, _, _ := b.deck.SyncRole(); return active }())

	// Pause the master directly at the deck level (no stream bound in the
	// test loop) and run the sync dissolution the Pause handler performs.
	a.deck.SetPlaying(false)
	l.dissolveSyncAround("a")

	active, _, _ := b.deck.SyncRole()
	assert.False(t, active)
	_, isMaster, _ := a.deck.SyncRole()
	assert.False(t, isMaster)
}

func TestPauseOfSlaveReleasesLoneMaster(t *testing.T) {
	l, _ := newTestLoop()
	a := addLoadedDeck(l, "a", 128, 5)
	b := addLoadedDeck(l, "b", 125, 5)
	a.deck.SetPlaying(true)
	b.deck.SetPlaying(true)

	l.handle(EnableSync{SlaveID: "b", MasterID: "a"})

	b.deck.SetPlaying(false)
	l.dissolveSyncAround("b")

	active, _, _ := b.deck.SyncRole()
	assert.False(t, active)
	_, isMaster, _ := a.deck.SyncRole()
	assert.False(t, isMaster, "master with no remaining slaves is released")
}

func TestEnableSyncDethronesPreviousMaster(t *testing.T) {
	l, _ := newTestLoop()
	a := addLoadedDeck(l, "a", 128, 5)
	b := addLoadedDeck(l, "b", 125, 5)
	c := addLoadedDeck(l, "c", 130, 5)
	for _, s := range []*deckSlot{a, b, c} {
		s.deck.SetPlaying(true)
	}

	l.handle(EnableSync{SlaveID: "b", MasterID: "a"})
	l.handle(EnableSync{SlaveID: "a", MasterID: "c"})

	masters := 0
	for _, s := range []*deckSlot{a, b, c} {
		if _, isMaster, _ := s.deck.SyncRole(); isMaster {
			masters++
		}
	}
	assert.Equal(t, 1, masters)
	_, isMaster, _ := c.deck.SyncRole()
	assert.True(t, isMaster)
}

func TestEnableSyncWithoutAnalysisFailsCleanly(t *testing.T) {
	l, sink := newTestLoop()
	a := addLoadedDeck(l, "a", 128, 5)
	b := addLoadedDeck(l, "b", 125, 5)
	b.deck.ClearAnalysis()

	l.handle(EnableSync{SlaveID: "b", MasterID: "a"})

	assert.NotEmpty(t, sink.byName("error"))
	active, _, _ := b.deck.SyncRole()
	assert.False(t, active)
	_, isMaster, _ := a.deck.SyncRole()
	assert.False(t, isMaster)
}

func TestDisableSyncOnFreeDeckIsAnError(t *testing.T) {
	l, sink := newTestLoop()
	addLoadedDeck(l, "a", 128, 5)

	l.handle(DisableSync{DeckID: "a"})

	errs := sink.byName("error")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(ErrorEvent).Message, engineerr.ErrSyncNotActive.Error())
}

func TestSendRejectsWhenFull(t *testing.T) {
	l, _ := newTestLoop()
	for {
		if err := l.Send(Play{DeckID: "a"}); err != nil {
			assert.ErrorIs(t, err, engineerr.ErrCommandSend)
			return
		}
	}
}
