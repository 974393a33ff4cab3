// Package codec implements the payload compression methods used by assembly
// stores and standalone compressed assemblies.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/deploymenttheory/go-assembly-store/internal/errs"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/xi2/xz"
)

// Method is the compression tag stored in an index record.
type Method uint8

// Compression methods
const (
	MethodNone Method = 0
	MethodLZ4  Method = 1 // LZ4 block, no frame
	MethodZstd Method = 2
	MethodXZ   Method = 3
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodLZ4:
		return "lz4-block"
	case MethodZstd:
		return "zstd"
	case MethodXZ:
		return "xz"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m <= MethodXZ
}

// ErrUnsupportedMethod is returned for unknown tags or encode requests the
// method cannot serve.
var ErrUnsupportedMethod = errors.New("unsupported compression method")

// Decoder decodes one stored payload into exactly size bytes.
type Decoder interface {
	Decode(src []byte, size uint32) ([]byte, error)
}

// CopyDecoder handles uncompressed payloads.
type CopyDecoder struct{}

func (d *CopyDecoder) Decode(src []byte, size uint32) ([]byte, error) {
	return src, nil
}

// LZ4Decoder decodes raw LZ4 blocks.
type LZ4Decoder struct{}

func (d *LZ4Decoder) Decode(src []byte, size uint32) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// ZstdDecoder decodes a single zstd frame. Output is capped one byte past
// the declared size, so an oversized frame is never inflated in full.
type ZstdDecoder struct{}

// errZstdContentSize is returned when a frame header declares a content
// size other than the expected one.
var errZstdContentSize = errors.New("zstd frame declares a different content size")

func (d *ZstdDecoder) Decode(src []byte, size uint32) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(src); err != nil {
		return nil, err
	}
	if h.HasFCS && h.FrameContentSize != uint64(size) {
		return nil, fmt.Errorf("%w: %d", errZstdContentSize, h.FrameContentSize)
	}

	dec, err := zstd.NewReader(bytes.NewReader(src),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return io.ReadAll(io.LimitReader(dec, int64(size)+1))
}

// XZDecoder decodes an xz stream.
type XZDecoder struct{}

func (d *XZDecoder) Decode(src []byte, size uint32) ([]byte, error) {
	xr, err := xz.NewReader(bytes.NewReader(src), 0)
	if err != nil {
		return nil, err
	}

	// One extra byte is enough to notice an oversized payload.
	return io.ReadAll(io.LimitReader(xr, int64(size)+1))
}

// DecoderRegistry holds one decoder per method.
type DecoderRegistry struct {
	copy *CopyDecoder
	lz4  *LZ4Decoder
	zstd *ZstdDecoder
	xz   *XZDecoder
}

// NewDecoderRegistry creates a new DecoderRegistry
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{
		copy: &CopyDecoder{},
		lz4:  &LZ4Decoder{},
		zstd: &ZstdDecoder{},
		xz:   &XZDecoder{},
	}
}

// GetDecoder returns the decoder for method.
func (r *DecoderRegistry) GetDecoder(method Method) (Decoder, error) {
	switch method {
	case MethodNone:
		return r.copy, nil
	case MethodLZ4:
		return r.lz4, nil
	case MethodZstd:
		return r.zstd, nil
	case MethodXZ:
		return r.xz, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
}

var defaultRegistry = NewDecoderRegistry()

// Decode decodes src with method and checks the result against the declared
// size. Any decoder failure or length difference is a
// *errs.DecompressionError naming the entry.
func Decode(method Method, name string, src []byte, size uint32) ([]byte, error) {
	dec, err := defaultRegistry.GetDecoder(method)
	if err != nil {
		return nil, &errs.DecompressionError{Name: name, Method: method.String(), Expected: size, Err: err}
	}

	out, err := dec.Decode(src, size)
	if err != nil {
		return nil, &errs.DecompressionError{Name: name, Method: method.String(), Expected: size, Err: err}
	}
	if uint64(len(out)) != uint64(size) {
		return nil, &errs.DecompressionError{Name: name, Method: method.String(), Expected: size, Actual: len(out)}
	}
	return out, nil
}

// Encode compresses src with method. LZ4 reports ok=false when the block
// would not be smaller than the input; callers then store it uncompressed.
func Encode(method Method, src []byte) (out []byte, ok bool, err error) {
	switch method {
	case MethodNone:
		return src, true, nil
	case MethodLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, dst, nil)
		if err != nil {
			return nil, false, err
		}
		if n == 0 || n >= len(src) {
			return nil, false, nil
		}
		return dst[:n], true, nil
	case MethodZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, false, err
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), true, nil
	default:
		return nil, false, fmt.Errorf("%w: cannot encode %s", ErrUnsupportedMethod, method)
	}
}
