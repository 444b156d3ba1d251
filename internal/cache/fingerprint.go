package cache

import (
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"

	"github.com/twodeck/engine/internal/engineerr"
)

// contentHashReadSize is how much of the file feeds the BLAKE3 hash: enough
// to distinguish tracks cheaply without reading the whole file.
const contentHashReadSize = 64 * 1024

// computeContentHash hashes the first 64 KiB of the file at path.
func computeContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	defer f.Close()

	buf := make([]byte, contentHashReadSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}

	sum := blake3.Sum256(buf[:n])
	return fmt.Sprintf("%x", sum), nil
}

// computeFingerprint builds the full fingerprint for path: content hash,
// file size and mtime from the filesystem, duration and sample rate from
// decoding.
func computeFingerprint(path string, decode Decoder) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}

	hash, err := computeContentHash(path)
	if err != nil {
		return Fingerprint{}, err
	}

	samples, sr, err := decode(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", engineerr.ErrCacheEntryCorrupt, err)
	}

	var durationMs uint64
	if sr > 0 && len(samples) > 0 {
		durationMs = uint64(float64(len(samples)) / sr * 1000)
	}

	return Fingerprint{
		ContentHash:  hash,
		DurationMs:   durationMs,
		SampleRate:   uint32(sr),
		FileSize:     info.Size(),
		LastModified: info.ModTime(),
	}, nil
}
