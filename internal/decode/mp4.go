package decode

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	gomp4 "github.com/abema/go-mp4"
	concentus "github.com/lostromb/concentus/go/opus"
	aacdecoder "github.com/skrashevich/go-aac/pkg/decoder"

	"github.com/twodeck/engine/internal/engineerr"
)

// FromMP4 decodes the first suitable audio track of an MP4/M4A container
// (AAC or Opus, whichever the stsd box names) into mono float32 PCM. It
// satisfies Decoder and internal/cache's Decoder func type.
func FromMP4(path string) ([]float32, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", engineerr.ErrFileOpen, path, err)
	}
	defer f.Close()

	samples, sampleRate, err := extractPCM(f)
	if err != nil {
		return nil, 0, err
	}
	if len(samples) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", engineerr.ErrNoSamples, path)
	}
	return samples, float64(sampleRate), nil
}

type audioCodec int

const (
	codecUnknown audioCodec = iota
	codecAAC
	codecOpus
)

// detectAudioCodec walks the box tree looking at stsd children directly,
// since go-mp4's Probe only tags mp4a as CodecMP4A and leaves Opus
// untagged.
func detectAudioCodec(rs io.ReadSeeker) audioCodec {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return codecUnknown
	}

	codec := codecUnknown
	_, _ = gomp4.ReadBoxStructure(rs, func(h *gomp4.ReadHandle) (interface{}, error) {
		if codec != codecUnknown {
			return nil, nil
		}
		switch h.BoxInfo.Type {
		case gomp4.BoxTypeMp4a():
			codec = codecAAC
			return nil, nil
		case gomp4.BoxTypeOpus():
			codec = codecOpus
			return nil, nil
		case gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(),
			gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd():
			_, _ = h.Expand()
		}
		return nil, nil
	})
	return codec
}

func extractPCM(rs io.ReadSeeker) ([]float32, int, error) {
	info, err := gomp4.Probe(rs)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", engineerr.ErrProbe, err)
	}

	codec := detectAudioCodec(rs)

	track, err := findAudioTrack(info, codec)
	if err != nil {
		return nil, 0, err
	}

	if track.Timescale == 0 {
		return nil, 0, engineerr.ErrMissingSampleRate
	}
	sampleRate := int(track.Timescale)

	switch codec {
	case codecAAC:
		return decodeAAC(rs, track, sampleRate)
	case codecOpus:
		return decodeOpus(rs, track, sampleRate)
	default:
		return nil, 0, fmt.Errorf("%w: unsupported codec", engineerr.ErrNoSuitableTrack)
	}
}

func findAudioTrack(info *gomp4.ProbeInfo, codec audioCodec) (*gomp4.Track, error) {
	if codec == codecAAC {
		for _, t := range info.Tracks {
			if t.Codec == gomp4.CodecMP4A {
				return t, nil
			}
		}
	}

	for _, t := range info.Tracks {
		if t.Codec == gomp4.CodecAVC1 {
			continue
		}
		if len(t.Samples) == 0 || len(t.Chunks) == 0 {
			continue
		}
		if isAudioTimescale(t.Timescale) {
			return t, nil
		}
	}

	return nil, fmt.Errorf("%w: no track matched among %d tracks", engineerr.ErrNoSuitableTrack, len(info.Tracks))
}

func isAudioTimescale(ts uint32) bool {
	switch ts {
	case 8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000:
		return true
	}
	return false
}

func decodeAAC(rs io.ReadSeeker, track *gomp4.Track, sampleRate int) ([]float32, int, error) {
	asc, err := getAudioSpecificConfig(rs)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", engineerr.ErrDecoderCreation, err)
	}

	dec := aacdecoder.New()
	if err := dec.SetASC(asc); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", engineerr.ErrDecoderCreation, err)
	}

	if dec.Config.SampleRate > 0 {
		sampleRate = dec.Config.SampleRate
	}

	channels := dec.Config.ChanConfig
	if channels < 1 {
		return nil, 0, engineerr.ErrMissingChannels
	}

	locs := buildSampleLocations(track, 0)
	mono := make([]float32, 0, len(locs)*1024)

	var maxRawSize uint32
	for _, loc := range locs {
		if loc.size > maxRawSize {
			maxRawSize = loc.size
		}
	}
	rawBuf := make([]byte, maxRawSize)

	var ioErr error
	for _, loc := range locs {
		if _, err := rs.Seek(int64(loc.offset), io.SeekStart); err != nil {
			ioErr = err
			continue
		}
		raw := rawBuf[:loc.size]
		if _, err := io.ReadFull(rs, raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				ioErr = err
				continue
			}
			return nil, 0, fmt.Errorf("%w: %v", engineerr.ErrPacketReadIO, err)
		}
		pcm, err := dec.DecodeFrame(raw)
		if err != nil {
			slog.Debug("decode: skip AAC frame", "error", err)
			continue
		}
		frameLen := len(pcm) / channels
		for i := 0; i < frameLen; i++ {
			var sum float32
			for ch := 0; ch < channels; ch++ {
				sum += pcm[i*channels+ch]
			}
			mono = append(mono, sum/float32(channels))
		}
	}
	if ioErr != nil {
		slog.Debug("decode: skipped AAC sample locations due to IO error", "error", ioErr)
	}

	return mono, sampleRate, nil
}

func getAudioSpecificConfig(rs io.ReadSeeker) ([]byte, error) {
	paths := []gomp4.BoxPath{
		{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(), gomp4.BoxTypeMp4a(), gomp4.BoxTypeEsds()},
		{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(), gomp4.BoxTypeMp4a(), gomp4.BoxTypeWave(), gomp4.BoxTypeEsds()},
		{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(), gomp4.BoxTypeEnca(), gomp4.BoxTypeEsds()},
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	bips, err := gomp4.ExtractBoxesWithPayload(rs, nil, paths)
	if err != nil {
		return nil, fmt.Errorf("extract esds: %w", err)
	}

	for _, bip := range bips {
		if bip.Info.Type != gomp4.BoxTypeEsds() {
			continue
		}
		esds, ok := bip.Payload.(*gomp4.Esds)
		if !ok {
			continue
		}
		for _, desc := range esds.Descriptors {
			if desc.Tag == gomp4.DecSpecificInfoTag && len(desc.Data) >= 2 {
				return desc.Data, nil
			}
		}
	}

	return nil, fmt.Errorf("AudioSpecificConfig not found in esds")
}

func decodeOpus(rs io.ReadSeeker, track *gomp4.Track, sampleRate int) ([]float32, int, error) {
	decoderRate := sampleRate
	switch decoderRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		decoderRate = 48000
	}

	dec, err := concentus.NewOpusDecoder(decoderRate, 2)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", engineerr.ErrDecoderCreation, err)
	}

	locs := buildSampleLocations(track, 0)
	mono := make([]float32, 0, len(locs)*960)

	var maxRawSize uint32
	for _, loc := range locs {
		if loc.size > maxRawSize {
			maxRawSize = loc.size
		}
	}
	rawBuf := make([]byte, maxRawSize)

	// Max Opus frame: 120ms at 48kHz = 5760 samples/channel * 2 channels.
	pcm16 := make([]int16, 5760*2)

	skipped := 0
	for _, loc := range locs {
		if loc.size <= 3 {
			continue
		}
		if _, err := rs.Seek(int64(loc.offset), io.SeekStart); err != nil {
			continue
		}
		raw := rawBuf[:loc.size]
		if _, err := io.ReadFull(rs, raw); err != nil {
			continue
		}

		n, err := dec.Decode(raw, 0, len(raw), pcm16, 0, 5760, false)
		if err != nil {
			skipped++
			continue
		}

		const channels = 2
		for i := 0; i < n; i++ {
			var sum float32
			for ch := 0; ch < channels; ch++ {
				sum += float32(pcm16[i*channels+ch]) / 32768.0
			}
			mono = append(mono, sum/float32(channels))
		}
	}
	if skipped > 0 {
		slog.Debug("decode: skipped undecodable Opus packets", "count", skipped, "total", len(locs))
	}

	return mono, decoderRate, nil
}

type sampleLoc struct {
	offset uint64
	size   uint32
}

// buildSampleLocations flattens chunk/sample tables into (offset, size)
// pairs. limit caps the count returned (0 = all).
func buildSampleLocations(track *gomp4.Track, limit int) []sampleLoc {
	capacity := len(track.Samples)
	if limit > 0 && limit < capacity {
		capacity = limit
	}
	result := make([]sampleLoc, 0, capacity)
	sampleIdx := 0

	for _, chunk := range track.Chunks {
		off := chunk.DataOffset
		for j := uint32(0); j < chunk.SamplesPerChunk; j++ {
			if sampleIdx >= len(track.Samples) {
				return result
			}
			if limit > 0 && len(result) >= limit {
				return result
			}
			sz := track.Samples[sampleIdx].Size
			result = append(result, sampleLoc{offset: off, size: sz})
			off += uint64(sz)
			sampleIdx++
		}
	}

	return result
}
