// Package control implements the audio thread: a single event loop that
// owns the deck map, serializes UI commands, runs the periodic sync/PLL
// tick, and emits state-change events back to the UI.
//
// All deck mutation happens here or inside the per-deck output callback;
// the two sides share only atomics and try-locks (see internal/deck).
package control

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twodeck/engine/internal/analysis/bpm"
	"github.com/twodeck/engine/internal/cache"
	"github.com/twodeck/engine/internal/config"
	"github.com/twodeck/engine/internal/cue"
	"github.com/twodeck/engine/internal/deck"
	"github.com/twodeck/engine/internal/device"
	"github.com/twodeck/engine/internal/engineerr"
	enginesync "github.com/twodeck/engine/internal/sync"
)

// deckSlot pairs a deck with its bound stream and the loop's per-deck
// event bookkeeping.
type deckSlot struct {
	deck   *deck.Deck
	stream *device.Stream
	path   string

	lastPitchEvent time.Time
	endEmitted     bool
}

// Options configures a Loop.
type Options struct {
	Devices *device.Manager
	Cue     *cue.Output
	Cache   *cache.Cache
	Decoder cache.Decoder
	Events  EventSink

	// MainDevice is the default output device name for deck streams
	// ("" = system default). LoadTrack commands may override per deck.
	MainDevice string
}

// Loop is the control loop. Create with New, drive with Run, talk to it
// with Send.
type Loop struct {
	opts  Options
	cmds  chan Command
	notes chan note
	decks map[string]*deckSlot
}

// New builds a Loop. Run must be called before Send'd commands have any
// effect.
func New(opts Options) *Loop {
	return &Loop{
		opts:  opts,
		cmds:  make(chan Command, config.AudioBufferChanSize),
		notes: make(chan note, 64),
		decks: make(map[string]*deckSlot),
	}
}

// Send enqueues a command without blocking. When the channel is full the
// command is dropped and ErrCommandSend returned; the UI re-requests on
// the next user action.
func (l *Loop) Send(cmd Command) error {
	select {
	case l.cmds <- cmd:
		return nil
	default:
		return engineerr.ErrCommandSend
	}
}

// Run processes commands and ticks until a Shutdown command arrives or
// ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(config.AudioThreadTimeUpdateIntervalMS * time.Millisecond)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			l.teardown()
			return
		case cmd := <-l.cmds:
			if sd, ok := cmd.(Shutdown); ok {
				l.teardown()
				if sd.Ack != nil {
					close(sd.Ack)
				}
				return
			}
			l.handle(cmd)
		case n := <-l.notes:
			l.handleNote(n)
		case now := <-ticker.C:
			l.tick(now, now.Sub(lastTick).Seconds())
			lastTick = now
		}
	}
}

func (l *Loop) teardown() {
	for id, slot := range l.decks {
		l.dropStream(slot)
		delete(l.decks, id)
	}
	l.opts.Cue.Unbind()
	slog.Info("control loop stopped")
}

func (l *Loop) dropStream(slot *deckSlot) {
	if slot.stream == nil {
		return
	}
	if err := slot.stream.Stop(); err != nil {
		slog.Warn("stream stop failed", "deck", slot.deck.ID, "error", err)
	}
	if err := slot.stream.Close(); err != nil {
		slog.Warn("stream close failed", "deck", slot.deck.ID, "error", err)
	}
	slot.stream = nil
}

func (l *Loop) emit(e Event) {
	if l.opts.Events != nil {
		l.opts.Events(e)
	}
}

func (l *Loop) emitError(deckID string, err error) {
	slog.Warn("deck command failed", "deck", deckID, "error", err)
	l.emit(ErrorEvent{DeckID: deckID, Message: err.Error()})
}

// deckMap projects the slots down to the bare deck map the sync package
// operates on.
func (l *Loop) deckMap() map[string]*deck.Deck {
	m := make(map[string]*deck.Deck, len(l.decks))
	for id, slot := range l.decks {
		m[id] = slot.deck
	}
	return m
}

func (l *Loop) handle(cmd Command) {
	switch c := cmd.(type) {
	case InitDeck:
		l.handleInit(c)
	case LoadTrack:
		l.handleLoad(c)
	case Play:
		l.handlePlay(c)
	case Pause:
		l.handlePause(c)
	case Seek:
		l.handleSeek(c)
	case SetFaderLevel:
		if slot, ok := l.decks[c.DeckID]; ok {
			slot.deck.SetFaderLevel(clamp(c.Level, 0, 1))
		}
	case SetTrimGain:
		if slot, ok := l.decks[c.DeckID]; ok {
			slot.deck.SetTargetTrim(trimGainFromDB(c.GainDB))
		}
	case SetEQ:
		if slot, ok := l.decks[c.DeckID]; ok {
			slot.deck.SetTargetEQ(c.LowDB, c.MidDB, c.HighDB)
		}
	case SetCue:
		l.handleSetCue(c)
	case SetPitchRate:
		l.handleSetPitch(c)
	case EnableSync:
		l.handleEnableSync(c)
	case DisableSync:
		l.handleDisableSync(c)
	case SelectCueDeck:
		l.opts.Cue.SetSource(c.DeckID)
	case CleanupDeck:
		if slot, ok := l.decks[c.DeckID]; ok {
			l.dropStream(slot)
			delete(l.decks, c.DeckID)
		}
	}
}

func (l *Loop) handleInit(c InitDeck) {
	if _, ok := l.decks[c.DeckID]; ok {
		l.emitError(c.DeckID, fmt.Errorf("deck %s already initialized", c.DeckID))
		return
	}
	l.decks[c.DeckID] = &deckSlot{deck: deck.New(c.DeckID)}
	l.emit(LoadUpdate{DeckID: c.DeckID})
	l.emit(StatusUpdate{DeckID: c.DeckID})
	l.emit(SyncStatusUpdate{DeckID: c.DeckID})
	l.emit(PitchTick{DeckID: c.DeckID, Rate: 1.0})
	slog.Info("deck initialized", "deck", c.DeckID)
}

func (l *Loop) handleLoad(c LoadTrack) {
	slot, ok := l.decks[c.DeckID]
	if !ok {
		l.emitError(c.DeckID, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, c.DeckID))
		return
	}

	l.dropStream(slot)
	slot.deck.SetPlaying(false)
	slot.endEmitted = false

	// Decode in a worker so the blocking IO/CPU runs off the loop's own
	// stack; joining it here is this loop's only long suspension point.
	var samples []float32
	var sourceRate float64
	g := new(errgroup.Group)
	g.Go(func() error {
		var err error
		samples, sourceRate, err = l.opts.Decoder(c.Path)
		return err
	})
	if err := g.Wait(); err != nil {
		l.emitError(c.DeckID, fmt.Errorf("%w: %v", engineerr.ErrDecodeTaskJoin, err))
		return
	}

	// Loading any deck dissolves every sync relationship.
	decks := l.deckMap()
	for id := range decks {
		for _, affected := range enginesync.DisableSync(decks, id) {
			l.emitSyncStatus(affected)
		}
	}

	deviceName := c.OutputDevice
	if deviceName == "" {
		deviceName = l.opts.MainDevice
	}
	cfg, err := l.opts.Devices.PickConfig(deviceName, sourceRate)
	if err != nil {
		l.emitError(c.DeckID, err)
		return
	}

	track := &deck.Track{Samples: samples, SampleRate: sourceRate}
	slot.deck.LoadTrack(track, cfg.SampleRate)
	slot.deck.SetManualPitch(1.0)
	slot.path = c.Path

	bpmVal, firstBeat := c.BPM, c.FirstBeatSec
	if bpmVal == nil {
		res, err := l.analyzeLoaded(c.Path, samples, sourceRate)
		if err != nil {
			slog.Warn("track analysis failed, sync unavailable for deck",
				"deck", c.DeckID, "path", c.Path, "error", err)
			slot.deck.ClearAnalysis()
		} else {
			bpmVal, firstBeat = &res.BPM, &res.FirstBeatSec
		}
	}
	if bpmVal != nil {
		fb := 0.0
		if firstBeat != nil {
			fb = *firstBeat
		}
		slot.deck.SetAnalysis(*bpmVal, fb)
		firstBeat = &fb
	}

	r := newRenderer(slot.deck, track, cfg.SampleRate, l.opts.Cue, l.notes)
	stream, err := l.opts.Devices.OpenOutput(deviceName, cfg, r.render)
	if err != nil {
		// The deck keeps its samples but has no bound stream; Play will
		// report the error again until a reload succeeds.
		l.emitError(c.DeckID, err)
	} else {
		slot.stream = stream
	}

	l.emit(LoadUpdate{
		DeckID:       c.DeckID,
		DurationSec:  slot.deck.Duration(),
		CuePointSec:  slot.deck.CuePoint(),
		OriginalBPM:  bpmVal,
		FirstBeatSec: firstBeat,
	})
	l.emit(StatusUpdate{DeckID: c.DeckID})
	l.emit(PitchTick{DeckID: c.DeckID, Rate: 1.0})
	slog.Info("track loaded", "deck", c.DeckID, "path", c.Path,
		"duration", slot.deck.Duration(), "sourceRate", sourceRate, "outputRate", cfg.SampleRate)
}

// analyzeLoaded runs BPM analysis for an already-decoded track through
// the cache, reusing the in-memory samples instead of decoding twice.
func (l *Loop) analyzeLoaded(path string, samples []float32, sourceRate float64) (bpm.Result, error) {
	res, _, err := l.opts.Cache.AnalyzeWithCache(path, func(string) ([]float32, float64, error) {
		return samples, sourceRate, nil
	}, false)
	return res, err
}

func (l *Loop) handlePlay(c Play) {
	slot, ok := l.decks[c.DeckID]
	if !ok {
		l.emitError(c.DeckID, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, c.DeckID))
		return
	}
	if slot.stream == nil || slot.deck.Track() == nil || len(slot.deck.Track().Samples) == 0 {
		l.emitError(c.DeckID, fmt.Errorf("%w: deck %s has no bound stream", engineerr.ErrStreamPlayPause, c.DeckID))
		return
	}

	slot.deck.SetReadHead(slot.deck.PausedReadHead())
	slot.deck.SetPlaying(true)
	slot.deck.InvalidateAnchor()
	slot.endEmitted = false

	if err := slot.stream.Start(); err != nil {
		slot.deck.SetPlaying(false)
		l.emitError(c.DeckID, err)
		return
	}
	l.emit(StatusUpdate{DeckID: c.DeckID, IsPlaying: true})
}

func (l *Loop) handlePause(c Pause) {
	slot, ok := l.decks[c.DeckID]
	if !ok {
		l.emitError(c.DeckID, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, c.DeckID))
		return
	}
	if slot.stream == nil {
		l.emitError(c.DeckID, fmt.Errorf("%w: deck %s has no bound stream", engineerr.ErrStreamPlayPause, c.DeckID))
		return
	}

	if err := slot.stream.Stop(); err != nil {
		l.emitError(c.DeckID, err)
	}
	slot.deck.SetPausedReadHead(slot.deck.ReadHead())
	slot.deck.SetPlaying(false)
	slot.deck.InvalidateAnchor()
	l.emit(StatusUpdate{DeckID: c.DeckID})

	// Pausing either side of a sync relationship dissolves it for both.
	l.dissolveSyncAround(c.DeckID)
}

// dissolveSyncAround disengages any sync relationship the deck is part
// of: the deck itself, its slaves when it is a master, and its master
// when the master is left with no other slaves.
func (l *Loop) dissolveSyncAround(id string) {
	slot, ok := l.decks[id]
	if !ok {
		return
	}
	active, isMaster, masterID := slot.deck.SyncRole()
	if !active && !isMaster {
		return
	}

	decks := l.deckMap()
	affected := enginesync.DisableSync(decks, id)
	if active && !isMaster && masterID != "" {
		if m, ok := decks[masterID]; ok {
			if _, stillMaster, _ := m.SyncRole(); stillMaster && !l.hasSlaves(masterID) {
				affected = append(affected, enginesync.DisableSync(decks, masterID)...)
			}
		}
	}
	for _, a := range affected {
		l.emitSyncStatus(a)
		l.emitPitchNow(a)
	}
}

func (l *Loop) hasSlaves(masterID string) bool {
	for _, slot := range l.decks {
		if active, _, m := slot.deck.SyncRole(); active && m == masterID {
			return true
		}
	}
	return false
}

func (l *Loop) handleSeek(c Seek) {
	slot, ok := l.decks[c.DeckID]
	if !ok {
		l.emitError(c.DeckID, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, c.DeckID))
		return
	}
	track := slot.deck.Track()
	if track == nil || len(track.Samples) == 0 {
		l.emitError(c.DeckID, fmt.Errorf("%w: deck %s has no track", engineerr.ErrStreamPlayPause, c.DeckID))
		return
	}

	head := clamp(math.Round(c.Seconds*track.SampleRate), 0, float64(len(track.Samples)-1))
	slot.deck.SetReadHead(head)
	if !slot.deck.IsPlaying() {
		slot.deck.SetPausedReadHead(head)
	}
	slot.deck.ArmSeekFade()
	slot.deck.InvalidateAnchor()
	slot.endEmitted = false
	l.emit(Tick{DeckID: c.DeckID, TimeSec: head / track.SampleRate})
}

func (l *Loop) handleSetCue(c SetCue) {
	slot, ok := l.decks[c.DeckID]
	if !ok {
		l.emitError(c.DeckID, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, c.DeckID))
		return
	}
	dur := slot.deck.Duration()
	if dur <= 0 {
		l.emitError(c.DeckID, fmt.Errorf("%w: deck %s has no track", engineerr.ErrStreamPlayPause, c.DeckID))
		return
	}
	sec := clamp(c.Seconds, 0, dur)
	slot.deck.SetCuePoint(&sec)
}

func (l *Loop) handleSetPitch(c SetPitchRate) {
	slot, ok := l.decks[c.DeckID]
	if !ok {
		l.emitError(c.DeckID, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, c.DeckID))
		return
	}

	if !c.IsUserInitiated {
		enginesync.SystemSetPitch(slot.deck, c.Rate)
		return
	}

	affected, err := enginesync.UserSetPitch(l.deckMap(), c.DeckID, c.Rate)
	if err != nil {
		l.emitError(c.DeckID, err)
		return
	}
	l.emitPitchNow(c.DeckID)
	for _, a := range affected {
		l.emitSyncStatus(a)
		if a != c.DeckID {
			l.emitPitchNow(a)
		}
	}
	// A master's pitch drag retunes every slave.
	if _, isMaster, _ := slot.deck.SyncRole(); isMaster {
		for id, other := range l.decks {
			if active, _, m := other.deck.SyncRole(); active && m == c.DeckID {
				l.emitPitchNow(id)
			}
		}
	}
}

func (l *Loop) handleEnableSync(c EnableSync) {
	slaveSlot, ok := l.decks[c.SlaveID]
	if !ok {
		l.emitError(c.SlaveID, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, c.SlaveID))
		return
	}
	masterSlot, ok := l.decks[c.MasterID]
	if !ok {
		l.emitError(c.SlaveID, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, c.MasterID))
		return
	}

	// At most one master at a time: a different reigning master is
	// dethroned before the new relationship is formed.
	decks := l.deckMap()
	for id, slot := range l.decks {
		if id == c.MasterID {
			continue
		}
		if _, isMaster, _ := slot.deck.SyncRole(); isMaster {
			for _, a := range enginesync.DisableSync(decks, id) {
				l.emitSyncStatus(a)
				l.emitPitchNow(a)
			}
		}
	}

	now := time.Now()
	masterTime := l.preciseTimeSec(masterSlot, now)
	slaveTime := l.preciseTimeSec(slaveSlot, now)

	result, err := enginesync.EnableSync(decks, c.SlaveID, c.MasterID, masterTime, slaveTime)
	if err != nil {
		l.emitError(c.SlaveID, err)
		return
	}

	l.emitSyncStatus(c.SlaveID)
	if result.MasterBecameMaster {
		l.emitSyncStatus(c.MasterID)
	}
	l.emitPitchNow(c.SlaveID)
	if result.SlavePhaseAdjustedSec != 0 {
		if track := slaveSlot.deck.Track(); track != nil {
			l.emit(Tick{DeckID: c.SlaveID, TimeSec: slaveSlot.deck.ReadHead() / track.SampleRate})
		}
	}
	slog.Info("sync engaged", "slave", c.SlaveID, "master", c.MasterID,
		"phaseAdjustSec", result.SlavePhaseAdjustedSec)
}

func (l *Loop) handleDisableSync(c DisableSync) {
	affected := enginesync.DisableSync(l.deckMap(), c.DeckID)
	if len(affected) == 0 {
		l.emitError(c.DeckID, fmt.Errorf("%w: %s", engineerr.ErrSyncNotActive, c.DeckID))
		return
	}
	for _, a := range affected {
		l.emitSyncStatus(a)
		l.emitPitchNow(a)
	}
}

func (l *Loop) emitSyncStatus(id string) {
	slot, ok := l.decks[id]
	if !ok {
		return
	}
	active, isMaster, _ := slot.deck.SyncRole()
	l.emit(SyncStatusUpdate{DeckID: id, IsSyncActive: active, IsMaster: isMaster})
}

// emitPitchNow emits a pitch-tick immediately, bypassing the per-deck
// rate limit (used for command responses; the PLL path goes through
// emitPitchLimited).
func (l *Loop) emitPitchNow(id string) {
	slot, ok := l.decks[id]
	if !ok {
		return
	}
	slot.lastPitchEvent = time.Now()
	l.emit(PitchTick{DeckID: id, Rate: slot.deck.TargetPitch()})
}

func (l *Loop) emitPitchLimited(id string, now time.Time) {
	slot, ok := l.decks[id]
	if !ok {
		return
	}
	if now.Sub(slot.lastPitchEvent) < config.MinPitchEventIntervalMS*time.Millisecond {
		return
	}
	slot.lastPitchEvent = now
	l.emit(PitchTick{DeckID: id, Rate: slot.deck.TargetPitch()})
}

func (l *Loop) handleNote(n note) {
	slot, ok := l.decks[n.deckID]
	if !ok {
		return
	}
	track := slot.deck.Track()
	if track == nil || track.SampleRate <= 0 {
		return
	}

	switch n.kind {
	case noteTick:
		l.emit(Tick{DeckID: n.deckID, TimeSec: n.readHead / track.SampleRate})
	case noteEnded:
		if !slot.endEmitted {
			slot.endEmitted = true
			l.emit(StatusUpdate{DeckID: n.deckID})
			slog.Info("track ended", "deck", n.deckID)
		}
	}
}

// tick is the periodic control-loop step: PLL correction for synced
// slaves, end-of-track detection, and time publication.
func (l *Loop) tick(now time.Time, dt float64) {
	decks := l.deckMap()

	// Live precise times for every loaded deck: the PLL reads the playing
	// and master ones, end-of-track detection the rest.
	liveTimes := make(map[string]float64, len(l.decks))
	for id, slot := range l.decks {
		if slot.deck.Track() != nil {
			liveTimes[id] = l.preciseTimeSec(slot, now)
		}
	}

	for _, id := range enginesync.RunPLLTick(decks, liveTimes, dt) {
		l.emitPitchLimited(id, now)
	}

	for id, slot := range l.decks {
		t, ok := liveTimes[id]
		if !ok {
			continue
		}
		if slot.deck.IsPlaying() {
			l.emit(Tick{DeckID: id, TimeSec: t})
			continue
		}
		// Callback already stopped at the end of the buffer; confirm the
		// final status exactly once.
		if !slot.endEmitted && slot.deck.Duration() > 0 && slot.deck.Duration()-t < 0.010 {
			slot.endEmitted = true
			l.emit(StatusUpdate{DeckID: id})
		}
	}
}

// preciseTimeSec reads the deck's current position in seconds via the
// wall-clock anchor estimator.
func (l *Loop) preciseTimeSec(slot *deckSlot, now time.Time) float64 {
	track := slot.deck.Track()
	if track == nil || track.SampleRate <= 0 {
		return 0
	}
	outRate := slot.deck.OutputSampleRate()
	if outRate <= 0 {
		outRate = track.SampleRate
	}
	return slot.deck.PreciseTime(now, track.SampleRate, outRate) / track.SampleRate
}

// trimGainFromDB converts the UI's dB trim into the linear factor the
// callback multiplies by. At or below -96 dB the deck is muted outright.
func trimGainFromDB(db float64) float64 {
	if db <= -96 {
		return 0
	}
	return math.Pow(10, db/20)
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
