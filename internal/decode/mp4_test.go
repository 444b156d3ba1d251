package decode

import (
	"testing"

	gomp4 "github.com/abema/go-mp4"
	"github.com/stretchr/testify/assert"

	"github.com/twodeck/engine/internal/engineerr"
)

func TestIsAudioTimescaleRecognizesStandardRates(t *testing.T) {
	for _, ts := range []uint32{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000} {
		assert.True(t, isAudioTimescale(ts), "%d should be a standard audio rate", ts)
	}
}

func TestIsAudioTimescaleRejectsVideoRates(t *testing.T) {
	for _, ts := range []uint32{600, 24000, 90000} {
		assert.False(t, isAudioTimescale(ts))
	}
}

func TestBuildSampleLocationsFlattensChunks(t *testing.T) {
	track := &gomp4.Track{
		Chunks: []*gomp4.Chunk{
			{DataOffset: 100, SamplesPerChunk: 2},
			{DataOffset: 500, SamplesPerChunk: 1},
		},
		Samples: []*gomp4.Sample{
			{Size: 10},
			{Size: 20},
			{Size: 30},
		},
	}

	locs := buildSampleLocations(track, 0)
	if assert.Len(t, locs, 3) {
		assert.Equal(t, sampleLoc{offset: 100, size: 10}, locs[0])
		assert.Equal(t, sampleLoc{offset: 110, size: 20}, locs[1])
		assert.Equal(t, sampleLoc{offset: 500, size: 30}, locs[2])
	}
}

func TestBuildSampleLocationsRespectsLimit(t *testing.T) {
	track := &gomp4.Track{
		Chunks: []*gomp4.Chunk{
			{DataOffset: 0, SamplesPerChunk: 3},
		},
		Samples: []*gomp4.Sample{
			{Size: 1}, {Size: 1}, {Size: 1},
		},
	}

	locs := buildSampleLocations(track, 2)
	assert.Len(t, locs, 2)
}

func TestFromMP4MissingFileReturnsFileOpenError(t *testing.T) {
	_, _, err := FromMP4("/nonexistent/path/does-not-exist.m4a")
	assert.ErrorIs(t, err, engineerr.ErrFileOpen)
}
