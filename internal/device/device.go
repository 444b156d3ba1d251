// Package device wraps PortAudio output-endpoint enumeration and
// callback-driven stream binding for the playback engine.
//
// Each deck binds its own output stream; the cue monitor binds one more.
// The package owns the PortAudio library lifecycle (Initialize/Terminate)
// through Manager so main can treat it like any other resource with a
// Close.
package device

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"

	"github.com/twodeck/engine/internal/engineerr"
)

// Endpoint describes one output device as shown to the UI.
type Endpoint struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
	Channels  int    `json:"channels"`
}

// StreamConfig is the negotiated format for one output stream.
type StreamConfig struct {
	SampleRate float64
	Channels   int
}

// Manager owns the PortAudio library lifecycle and opens output streams.
type Manager struct{}

// NewManager initializes PortAudio. Callers must Close the manager after
// every stream opened through it has been closed.
func NewManager() (*Manager, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStreamBuild, err)
	}
	return &Manager{}, nil
}

// Close terminates PortAudio.
func (m *Manager) Close() error {
	return portaudio.Terminate()
}

// Outputs enumerates every device with at least one output channel.
func (m *Manager) Outputs() ([]Endpoint, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStreamBuild, err)
	}
	def, _ := portaudio.DefaultOutputDevice()

	var out []Endpoint
	for i, d := range devices {
		if d.MaxOutputChannels < 1 {
			continue
		}
		out = append(out, Endpoint{
			ID:        i,
			Name:      d.Name,
			IsDefault: def != nil && d.Name == def.Name,
			Channels:  d.MaxOutputChannels,
		})
	}
	return out, nil
}

// resolveOutput returns the output device named name, or the system
// default when name is empty or unknown.
func (m *Manager) resolveOutput(name string) (*portaudio.DeviceInfo, error) {
	if name != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engineerr.ErrStreamBuild, err)
		}
		for _, d := range devices {
			if d.Name == name && d.MaxOutputChannels > 0 {
				return d, nil
			}
		}
		slog.Warn("requested output device not found, using default", "name", name)
	}
	def, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStreamBuild, err)
	}
	return def, nil
}

// formatProbe reports whether a device supports a given output format. It
// exists so pickConfig can be exercised in tests without audio hardware.
type formatProbe func(sampleRate float64, channels int) bool

// pickConfig chooses a stream format for a device given the source's
// sample rate. Preference order for the rate: the source rate itself,
// then 48000, then 44100, then the device's default rate. Channels:
// stereo when supported, otherwise as many as the device offers. A rate
// mismatch with the source is fine; the callback's resampler absorbs it.
func pickConfig(sourceRate, deviceDefaultRate float64, maxChannels int, supports formatProbe) (StreamConfig, error) {
	channels := 2
	if maxChannels < 2 {
		channels = maxChannels
	}
	if channels < 1 {
		return StreamConfig{}, engineerr.ErrNoMatchingConfig
	}

	for _, rate := range []float64{sourceRate, 48000, 44100, deviceDefaultRate} {
		if rate <= 0 {
			continue
		}
		if supports(rate, channels) {
			return StreamConfig{SampleRate: rate, Channels: channels}, nil
		}
	}
	return StreamConfig{}, engineerr.ErrNoMatchingConfig
}

// PickConfig negotiates a stream format for the named output device (empty
// = default) against the real device's capabilities.
func (m *Manager) PickConfig(deviceName string, sourceRate float64) (StreamConfig, error) {
	info, err := m.resolveOutput(deviceName)
	if err != nil {
		return StreamConfig{}, err
	}
	return pickConfig(sourceRate, info.DefaultSampleRate, info.MaxOutputChannels, func(rate float64, channels int) bool {
		p := outputParams(info, rate, channels)
		return portaudio.IsFormatSupported(p, dummyCallback) == nil
	})
}

// dummyCallback exists only to tell IsFormatSupported the sample format
// (non-interleaved float32) we will open the real stream with.
var dummyCallback = func(out [][]float32) {}

func outputParams(info *portaudio.DeviceInfo, rate float64, channels int) portaudio.StreamParameters {
	return portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: channels,
			Latency:  info.DefaultLowOutputLatency,
		},
		SampleRate:      rate,
		FramesPerBuffer: portaudio.FramesPerBufferUnspecified,
	}
}

// Stream is one bound output stream. The callback passed at open time runs
// on PortAudio's real-time thread; everything it touches must be
// non-blocking.
type Stream struct {
	ID     string
	Config StreamConfig
	Device string

	pa *portaudio.Stream
}

// OpenOutput binds a callback-driven output stream on the named device
// (empty = default) with the given negotiated config. The stream is not
// started.
func (m *Manager) OpenOutput(deviceName string, cfg StreamConfig, callback func(out [][]float32)) (*Stream, error) {
	info, err := m.resolveOutput(deviceName)
	if err != nil {
		return nil, err
	}

	pa, err := portaudio.OpenStream(outputParams(info, cfg.SampleRate, cfg.Channels), callback)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engineerr.ErrStreamBuild, info.Name, err)
	}

	s := &Stream{
		ID:     uuid.NewString(),
		Config: cfg,
		Device: info.Name,
		pa:     pa,
	}
	slog.Debug("output stream opened", "stream", s.ID, "device", info.Name,
		"rate", cfg.SampleRate, "channels", cfg.Channels)
	return s, nil
}

// Start begins callback invocations.
func (s *Stream) Start() error {
	if err := s.pa.Start(); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStreamPlayPause, err)
	}
	return nil
}

// Stop halts callback invocations. Safe to call on a stopped stream.
func (s *Stream) Stop() error {
	if err := s.pa.Stop(); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrStreamPlayPause, err)
	}
	return nil
}

// Close releases the native stream. The stream must be stopped first.
func (s *Stream) Close() error {
	return s.pa.Close()
}
