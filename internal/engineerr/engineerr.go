// Package engineerr defines the typed error domains used throughout the
// audio engine. Each domain is a disjoint set of sentinel kinds; callers
// compare with errors.Is and wrap with fmt.Errorf("%w: ...") to attach
// context (a deck id, a file path, a byte count) without losing the kind.
package engineerr

import "errors"

// Analysis errors: BPM and waveform analyzers.
var (
	ErrEmptySamples         = errors.New("analysis: empty samples")
	ErrEmptyAfterDownsample = errors.New("analysis: empty after downsample")
	ErrEmptyFlux            = errors.New("analysis: empty flux")
	ErrInvalidLagRange      = errors.New("analysis: invalid lag range")
	ErrEffectiveLagTooSmall = errors.New("analysis: effective lag too small")
	ErrAutocorrelationShort = errors.New("analysis: autocorrelation too short")
	ErrNoPeak               = errors.New("analysis: no peak found")
	ErrDegeneratePeriod     = errors.New("analysis: degenerate period")
	ErrInvalidSampleRate    = errors.New("analysis: invalid sample rate")
)

// Decode errors: turning a file on disk into mono float samples.
var (
	ErrFileOpen          = errors.New("decode: file open failed")
	ErrProbe             = errors.New("decode: container probe failed")
	ErrNoSuitableTrack   = errors.New("decode: no suitable audio track")
	ErrMissingSampleRate = errors.New("decode: missing sample rate")
	ErrMissingChannels   = errors.New("decode: missing channel count")
	ErrDecoderCreation   = errors.New("decode: decoder creation failed")
	ErrFatalDecode       = errors.New("decode: fatal decode error")
	ErrPacketReadIO      = errors.New("decode: packet read IO error")
	ErrNoSamples         = errors.New("decode: no samples produced")
)

// Playback errors: deck lifecycle and device stream binding.
var (
	ErrDeckNotFound     = errors.New("playback: deck not found")
	ErrStreamBuild      = errors.New("playback: stream build failed")
	ErrStreamPlayPause  = errors.New("playback: stream play/pause failed")
	ErrNoMatchingConfig = errors.New("playback: no matching device config")
	ErrDecodeTaskJoin   = errors.New("playback: decode task join failed")
	ErrCommandSend      = errors.New("playback: command channel full")
)

// Cache errors: the on-disk analysis cache.
var (
	ErrCacheIO            = errors.New("cache: io error")
	ErrCacheSerde         = errors.New("cache: serialization error")
	ErrCacheDirCreate     = errors.New("cache: directory create failed")
	ErrCacheEntryNotFound = errors.New("cache: entry not found")
	ErrCacheEntryCorrupt  = errors.New("cache: entry corrupted")
)

// EQ errors: biquad coefficient design.
var (
	ErrEQCoefficientCalc = errors.New("eq: coefficient calculation failed")
)

// Sync errors: master/slave role management.
var (
	ErrSyncMasterNotLoaded = errors.New("sync: master deck not loaded")
	ErrSyncNoBPM           = errors.New("sync: deck has no BPM analysis")
	ErrSyncNotActive       = errors.New("sync: deck is not in a sync relationship")
)
