// Package decode defines the Decoder boundary used by the deck loader —
// decode(path) into mono float samples plus a sample rate — and a
// concrete MP4/AAC/Opus implementation of it.
//
// Decoding is deliberately kept outside internal/deck and internal/cache:
// internal/deck only ever receives decoded samples, and internal/cache and
// the control loop take a decoder function (cache.Decoder, whose signature
// matches Decoder), so a track loaded from an MP4 container and a track
// loaded from, say, a WAV reader share the same downstream
// analysis/playback path. Additional formats are
// additional files in this package, not a different interface.
package decode

import "io"

// Decoder decodes an audio file on disk into mono float32 PCM samples and
// reports the sample rate the samples were decoded at. It satisfies
// internal/cache's Decoder func type so any Decoder here can be plugged
// straight into AnalyzeWithCache.
type Decoder func(path string) ([]float32, float64, error)

// reader names the minimal surface extractPCM needs from an opened file.
// extractPCM itself is declared with io.ReadSeeker, and nothing in this
// package refers to reader.
type reader interface {
	io.ReadSeeker
}
