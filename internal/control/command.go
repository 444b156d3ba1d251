package control

// Command is a UI request handled by the control loop. Commands for a
// single deck are processed in the order they were sent; the channel
// between the UI and the loop is the single point of serialization for
// all deck mutation.
type Command interface{ isCommand() }

// InitDeck creates a deck with default state.
type InitDeck struct {
	DeckID string
}

// LoadTrack decodes the file at Path into DeckID, binding a fresh output
// stream. BPM/FirstBeatSec may carry a prior analysis; when nil the loop
// analyzes the track itself (through the cache). OutputDevice overrides
// the configured main output device for this deck ("" = keep).
type LoadTrack struct {
	DeckID       string
	Path         string
	BPM          *float64
	FirstBeatSec *float64
	OutputDevice string
}

// Play starts playback from the paused position.
type Play struct {
	DeckID string
}

// Pause stops playback, remembering the position.
type Pause struct {
	DeckID string
}

// Seek moves the read head to Seconds.
type Seek struct {
	DeckID  string
	Seconds float64
}

// SetFaderLevel sets the channel fader (linear 0..1).
type SetFaderLevel struct {
	DeckID string
	Level  float64
}

// SetTrimGain sets the trim gain in dB (-96 and below mute).
type SetTrimGain struct {
	DeckID string
	GainDB float64
}

// SetEQ sets the three band gains in dB.
type SetEQ struct {
	DeckID               string
	LowDB, MidDB, HighDB float64
}

// SetCue saves a cue point at Seconds.
type SetCue struct {
	DeckID  string
	Seconds float64
}

// SetPitchRate sets the playback rate multiplier. IsUserInitiated
// distinguishes a fader drag (ramped, may break sync) from a sync-engine
// write (snapped).
type SetPitchRate struct {
	DeckID          string
	Rate            float64
	IsUserInitiated bool
}

// EnableSync makes SlaveID follow MasterID's tempo and phase.
type EnableSync struct {
	SlaveID  string
	MasterID string
}

// DisableSync releases DeckID from its sync relationship (cascading to
// slaves when DeckID is a master).
type DisableSync struct {
	DeckID string
}

// SelectCueDeck designates DeckID as the headphone monitor source
// ("" = none).
type SelectCueDeck struct {
	DeckID string
}

// CleanupDeck drops DeckID and its stream.
type CleanupDeck struct {
	DeckID string
}

// Shutdown tears down every stream and stops the loop, closing Ack when
// done.
type Shutdown struct {
	Ack chan struct{}
}

func (InitDeck) isCommand()      {}
func (LoadTrack) isCommand()     {}
func (Play) isCommand()          {}
func (Pause) isCommand()         {}
func (Seek) isCommand()          {}
func (SetFaderLevel) isCommand() {}
func (SetTrimGain) isCommand()   {}
func (SetEQ) isCommand()         {}
func (SetCue) isCommand()        {}
func (SetPitchRate) isCommand()  {}
func (EnableSync) isCommand()    {}
func (DisableSync) isCommand()   {}
func (SelectCueDeck) isCommand() {}
func (CleanupDeck) isCommand()   {}
func (Shutdown) isCommand()      {}
