package blob

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressThreshold is the raw-state size in bytes above which blobs
// are gzip-compressed before writing. Below it, compression overhead
// is not worth the CPU.
const CompressThreshold = 51200

// gzip magic prefix. Blobs are sniffed on read, so the stored format
// can change per write without any metadata.
var magicGzip = []byte{0x1f, 0x8b}

// IsCompressed reports whether data carries the gzip magic prefix.
func IsCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == magicGzip[0] && data[1] == magicGzip[1]
}

// Seal prepares raw state for storage: passthrough below the
// threshold, gzip at or above it.
func Seal(raw []byte) ([]byte, error) {
	if len(raw) < CompressThreshold {
		return raw, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress state: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress state: %w", err)
	}
	return buf.Bytes(), nil
}

// Open reverses Seal: compressed blobs are inflated, raw blobs pass
// through untouched.
func Open(stored []byte) ([]byte, error) {
	if !IsCompressed(stored) {
		return stored, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	return raw, nil
}
