// Package config holds the fixed tuning constants of the audio engine.
//
// Nothing here is meant to be end-user configurable at runtime;
// runtime-configurable values such as the selected output device live in
// internal/settings instead.
package config

import "math"

// BPM analyzer range.
const (
	BPMMin = 60.0
	BPMMax = 200.0
)

// BPM analyzer pipeline parameters.
const (
	BPMFrameSize        = 2048
	BPMHopSize          = 512
	BPMDownsampleFactor = 4

	OctaveCorrectionThresholdRatio = 0.7
	MaxFirstBeatCandidateTimeSec   = 45.0
)

// EQ band crossover/shape constants.
const (
	LowMidCrossoverHz  = 250.0
	MidHighCrossoverHz = 3000.0
	MidCenterHz        = 1000.0
	ShelfQ             = 0.5
)

// MidQ is 1/sqrt(2), the standard peaking-filter Q used for the mid band.
var MidQ = 1 / math.Sqrt2

// Waveform analyzer framing.
const (
	WaveformFrameSize = 1024
	WaveformHopSize   = WaveformFrameSize / 2
)

// Control loop / device IO timing.
const (
	AudioThreadTimeUpdateIntervalMS = 75
	AudioBufferChanSize             = 32
	MinPitchEventIntervalMS         = 30
)

// Playback defaults.
const (
	InitialTrimGain   = 1.0
	MinPitchRate      = 0.5
	MaxPitchRate      = 2.0
	EQRecalcThreshold = 0.05 // dB
	EQSmoothingFactor = 0.1  // per-buffer alpha
)

// Sync / PLL constants.
const (
	PLLKp                      = 0.001
	PLLKi                      = 0.0015
	MaxPLLPitchAdjustment      = 0.04
	MaxPLLIntegralError        = 5.0
	PLLApplyThreshold          = 5e-4
	PhaseAlignMinAdjustSeconds = 0.001
)

// Cue output ring buffer sizing.
const (
	CueBufferSize       = 8192
	CueTargetBufferSize = 2048
)

// SeekFadeDurationSeconds controls how quickly the anti-click fade-in after
// a seek ramps from 0 to 1 (roughly an 8ms ramp at typical device rates).
const SeekFadeDurationSeconds = 0.008
