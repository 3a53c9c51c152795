package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// currentEnvelopeVersion is the current envelope schema version.
	currentEnvelopeVersion = 1

	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when a value exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("cache: payload exceeds maximum size")

	// ErrCorrupted is returned when a stored payload fails digest verification.
	ErrCorrupted = errors.New("cache: payload digest mismatch")
)

// envelope is the on-disk representation of a cached value.
type envelope struct {
	Version   int    `json:"v"`
	StoredAt  int64  `json:"stored_at"`  // unix ms
	ExpiresAt int64  `json:"expires_at"` // unix ms, 0 means no expiry
	Encoding  string `json:"encoding"`
	Digest    string `json:"digest"`
	Size      int    `json:"size"`
	Payload   []byte `json:"payload"`
}

func (e *envelope) expiry() time.Time {
	if e.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.ExpiresAt)
}

// codec compresses and verifies envelope payloads.
// Encoder and decoder are goroutine-safe and reused.
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

	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// seal wraps data in an envelope, compressing it when that saves space.
func (c *codec) seal(data []byte, storedAt, exp time.Time) (*envelope, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	env := &envelope{
		Version:  currentEnvelopeVersion,
		StoredAt: storedAt.UnixMilli(),
		Encoding: encodingIdentity,
		Digest:   computeDigest(data),
		Size:     len(data),
		Payload:  data,
	}
	if !exp.IsZero() {
		env.ExpiresAt = exp.UnixMilli()
	}

	if len(data) < CompressionThreshold {
		return env, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return env, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) < len(data) {
		env.Payload = compressed
		env.Encoding = encodingZstd
	}
	return env, nil
}

// open returns the verified, decompressed payload of env.
func (c *codec) open(env *envelope) ([]byte, error) {
	var data []byte
	switch env.Encoding {
	case encodingIdentity, "":
		data = env.Payload
	case encodingZstd:
		if env.Size > MaxPayloadSize {
			return nil, ErrPayloadTooLarge
		}
		if env.Size < 0 {
			return nil, ErrCorrupted
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("cache: decoder not initialized")
		}

		var err error
		data, err = dec.DecodeAll(env.Payload, make([]byte, 0, env.Size))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("cache: unsupported encoding %q", env.Encoding)
	}

	if env.Digest != "" && computeDigest(data) != env.Digest {
		return nil, ErrCorrupted
	}
	return data, nil
}

// computeDigest computes the blake3 digest in canonical "blake3:<hex>" form.
func computeDigest(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}
