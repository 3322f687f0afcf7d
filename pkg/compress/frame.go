package compress

import (
	"fmt"

	"github.com/wilhg/rewind/pkg/frame"
)

// Compress returns f with its payload encoded by c. A nil codec or the none
// codec returns f unchanged apart from OriginalSize.
func Compress(c Codec, f frame.Frame) (frame.Frame, error) {
	if f.Compressed {
		return f, nil
	}
	f.OriginalSize = len(f.Payload)
	if c == nil || c.Name() == None {
		return f, nil
	}
	out, err := c.Encode(f.Payload)
	if err != nil {
		return f, err
	}
	f.Payload = out
	f.Compressed = true
	f.Codec = c.Name()
	f.CompressedSize = len(out)
	return f, nil
}

// Decompress returns f with its original payload. Uncompressed frames pass
// through untouched.
func Decompress(r *Registry, f frame.Frame) (frame.Frame, error) {
	if !f.Compressed {
		return f, nil
	}
	c, ok := r.Resolve(f.Codec)
	if !ok {
		return f, fmt.Errorf("unknown codec %q", f.Codec)
	}
	out, err := c.Decode(f.Payload)
	if err != nil {
		return f, fmt.Errorf("decode frame %d: %w", f.Seq, err)
	}
	f.Payload = out
	f.Compressed = false
	f.Codec = ""
	f.CompressedSize = 0
	f.OriginalSize = len(out)
	return f, nil
}

// Decoder returns a frame decoder bound to r, suitable for playback.
func Decoder(r *Registry) func(frame.Frame) (frame.Frame, error) {
	return func(f frame.Frame) (frame.Frame, error) { return Decompress(r, f) }
}
