package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	offlinesync "github.com/wolfeidau/offline-sync"
)

const (
	// CompressionThreshold is the minimum value size before compression is considered.
	CompressionThreshold = 2048

	// MaxValueSize is the maximum allowed uncompressed value size.
	MaxValueSize = 10 * 1024 * 1024

	// MaxDecompressedSize is the hard cap during decompression.
	MaxDecompressedSize = 10 * 1024 * 1024
)

// Encoding identifies how a stored value is encoded.
type Encoding uint8

const (
	EncodingIdentity Encoding = iota
	EncodingZstd
)

var (
	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("cache: value exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("cache: decompressed value exceeds maximum size")

	// ErrCorrupted is returned when value digest verification fails.
	ErrCorrupted = errors.New("cache: value digest mismatch")
)

// codec compresses large values and verifies their digest on the way out.
// The zstd encoder and decoder are goroutine-safe and reused.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode compresses data when it is worth it and returns the digest of the
// original bytes.
func (c *codec) encode(data []byte) ([]byte, Encoding, offlinesync.Hash, error) {
	if len(data) > MaxValueSize {
		return nil, EncodingIdentity, offlinesync.Hash{}, ErrValueTooLarge
	}

	digest := offlinesync.HashBytes(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

func (c *codec) decode(payload []byte, encoding Encoding, digest offlinesync.Hash) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity:
		data = payload
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("cache: decoder not initialized")
		}
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = out
	default:
		return nil, fmt.Errorf("cache: unsupported encoding %d", encoding)
	}

	if !digest.IsZero() && offlinesync.HashBytes(data) != digest {
		return nil, ErrCorrupted
	}
	return data, nil
}
