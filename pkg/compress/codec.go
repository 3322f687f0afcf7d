// Package compress provides the payload codecs and the asynchronous,
// order-preserving compression pipeline that sits between the capture
// scheduler and the frame buffer.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec names.
const (
	None = "none"
	Zstd = "zstd"
	S2   = "s2"
	Gzip = "gzip"
)

// Codec encodes and decodes frame payloads. Implementations must be safe
// for concurrent use.
type Codec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// Registry resolves codecs by name.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: map[string]Codec{}}
}

// DefaultRegistry returns a registry holding none, zstd, s2 and gzip.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	zc, err := NewZstd()
	if err == nil {
		_ = r.Register(zc)
	}
	_ = r.Register(noneCodec{})
	_ = r.Register(s2Codec{})
	_ = r.Register(gzipCodec{level: gzip.BestSpeed})
	return r
}

// Register adds c under its name.
func (r *Registry) Register(c Codec) error {
	if c == nil {
		return fmt.Errorf("codec is nil")
	}
	name := c.Name()
	if name == "" {
		return fmt.Errorf("codec name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[name]; exists {
		return fmt.Errorf("codec %q already registered", name)
	}
	r.codecs[name] = c
	return nil
}

// Resolve returns the codec registered under name.
func (r *Registry) Resolve(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	return c, ok
}

type noneCodec struct{}

func (noneCodec) Name() string                      { return None }
func (noneCodec) Encode(src []byte) ([]byte, error) { return src, nil }
func (noneCodec) Decode(src []byte) ([]byte, error) { return src, nil }

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd returns a zstd codec using stateless EncodeAll/DecodeAll.
func NewZstd() (Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (z *zstdCodec) Name() string { return Zstd }

func (z *zstdCodec) Encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (z *zstdCodec) Decode(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

type s2Codec struct{}

func (s2Codec) Name() string                      { return S2 }
func (s2Codec) Encode(src []byte) ([]byte, error) { return s2.Encode(nil, src), nil }
func (s2Codec) Decode(src []byte) ([]byte, error) { return s2.Decode(nil, src) }

type gzipCodec struct{ level int }

func (gzipCodec) Name() string { return Gzip }

func (g gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
