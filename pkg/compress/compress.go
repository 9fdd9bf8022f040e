// Package compress provides the pluggable payload codecs used when staging
// crash records into zones that are smaller than the captured text. Codecs
// compress into caller-owned buffers so the crash path never allocates.
package compress

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Errors
var (
	ErrUnknownCodec = &CodecError{"unknown compression codec"}
	ErrShortBuffer  = &CodecError{"destination buffer too small"}
)

// CodecError represents a compression codec error
type CodecError struct {
	Message string
}

func (e *CodecError) Error() string {
	return e.Message
}

// Codec compresses record payloads into preallocated buffers. Compress must
// fail rather than grow dst; callers fall back to storing the payload
// uncompressed.
type Codec interface {
	Name() string
	// Bound returns a destination size sufficient for any input of n bytes.
	Bound(n int) int
	Compress(dst, src []byte) (int, error)
	Decompress(dst, src []byte) (int, error)
}

// ByName returns the codec registered under name. The empty string and
// "none" return nil, meaning records are stored verbatim.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "zstd":
		return newZstdCodec()
	case "deflate":
		return &deflateCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	default:
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownCodec)
	}
}

// Names lists the supported codec names.
func Names() []string {
	return []string{"none", "zstd", "deflate", "snappy"}
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Bound(n int) int {
	// Worst case per the zstd frame format: a little overhead per 128 KiB
	// block plus the frame header.
	return n + (n >> 8) + 64
}

func (c *zstdCodec) Compress(dst, src []byte) (int, error) {
	out := c.enc.EncodeAll(src, dst[:0])
	if len(out) > len(dst) {
		return 0, ErrShortBuffer
	}
	// EncodeAll reallocates when dst is too small; only a same-backing
	// result counts as an in-place compress.
	if len(out) > 0 && len(dst) > 0 && &out[0] != &dst[0] {
		return 0, ErrShortBuffer
	}
	return len(out), nil
}

func (c *zstdCodec) Decompress(dst, src []byte) (int, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, fmt.Errorf("failed to decompress: %w", err)
	}
	if len(out) > len(dst) {
		return 0, ErrShortBuffer
	}
	if len(out) > 0 && len(dst) > 0 && &out[0] != &dst[0] {
		return 0, ErrShortBuffer
	}
	return len(out), nil
}

// deflateCodec wraps zlib streams. Kept for regions written by older
// collectors that only understood deflate.
type deflateCodec struct{}

func (deflateCodec) Name() string { return "deflate" }

func (deflateCodec) Bound(n int) int {
	// zlib header/trailer plus stored-block overhead.
	return n + (n >> 12) + (n >> 14) + 11
}

func (deflateCodec) Compress(dst, src []byte) (int, error) {
	w := &capWriter{buf: dst}
	zw, err := zlib.NewWriterLevel(w, zlib.BestSpeed)
	if err != nil {
		return 0, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := zw.Write(src); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return w.n, nil
}

func (deflateCodec) Decompress(dst, src []byte) (int, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, fmt.Errorf("failed to decompress: %w", err)
	}
	defer zr.Close()
	n, err := io.ReadFull(zr, dst)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decompress: %w", err)
	}
	// More output than dst can hold means the record was written with a
	// bigger buffer than we were given.
	var probe [1]byte
	if m, _ := zr.Read(probe[:]); m > 0 {
		return 0, ErrShortBuffer
	}
	return n, nil
}

// capWriter writes into a fixed buffer and errors instead of growing it.
type capWriter struct {
	buf []byte
	n   int
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.buf) {
		return 0, ErrShortBuffer
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Bound(n int) int { return snappy.MaxEncodedLen(n) }

func (snappyCodec) Compress(dst, src []byte) (int, error) {
	if snappy.MaxEncodedLen(len(src)) > len(dst) {
		return 0, ErrShortBuffer
	}
	out := snappy.Encode(dst, src)
	return len(out), nil
}

func (snappyCodec) Decompress(dst, src []byte) (int, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return 0, fmt.Errorf("failed to decompress: %w", err)
	}
	if n > len(dst) {
		return 0, ErrShortBuffer
	}
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return 0, fmt.Errorf("failed to decompress: %w", err)
	}
	return len(out), nil
}
