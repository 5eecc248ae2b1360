// Package compress implements the Compression Engine of spec §4.3: a
// single Algorithm enum and a Codec capability (buffer-in/buffer-out
// compress and its inverse) per algorithm. The embedder hard-codes LZFSE
// for the SMOL framing; LZMA and XPRESS exist as alternates for the
// decompress side of the equation the same way the source ships them.
package compress

import (
	"github.com/xyproto/binpress/internal/bperrors"
	"github.com/xyproto/binpress/internal/compress/lzfse"
	"github.com/xyproto/binpress/internal/compress/lzma"
	"github.com/xyproto/binpress/internal/compress/xpress"
)

// Algorithm selects a compression backend.
type Algorithm int

const (
	LZFSE Algorithm = iota
	LZMA
	XPRESS
)

func (a Algorithm) String() string {
	switch a {
	case LZFSE:
		return "lzfse"
	case LZMA:
		return "lzma"
	case XPRESS:
		return "xpress"
	default:
		return "unknown"
	}
}

// Codec is the contract every backend satisfies: a self-contained,
// out-of-band-parameter-free compressed frame (§4.3's "the compressor must
// produce a self-contained frame decodable by its counterpart without
// out-of-band parameters").
type Codec interface {
	Compress(in []byte) ([]byte, error)
	Decompress(in []byte, expectedSize int) ([]byte, error)
}

func codecFor(a Algorithm) (Codec, error) {
	switch a {
	case LZFSE:
		return lzfse.Codec{}, nil
	case LZMA:
		return lzma.Codec{}, nil
	case XPRESS:
		return xpress.Codec{}, nil
	default:
		return nil, bperrors.Compress(nil, "unknown compression algorithm %d", int(a))
	}
}

// Compress buffers in_bytes through the named algorithm, returning a
// buffer shrunk to its actual size: the backend's output is copied into a
// new slice of exactly that length.
func Compress(a Algorithm, in []byte) ([]byte, error) {
	codec, err := codecFor(a)
	if err != nil {
		return nil, err
	}
	out, err := codec.Compress(in)
	if err != nil {
		return nil, bperrors.Compress(err, "%s compression failed", a)
	}
	shrunk := make([]byte, len(out))
	copy(shrunk, out)
	return shrunk, nil
}

// Decompress inverts Compress, given the uncompressed size recorded in the
// payload header so backends that need a target buffer size don't have to
// frame it themselves.
func Decompress(a Algorithm, in []byte, expectedUncompressedSize int) ([]byte, error) {
	codec, err := codecFor(a)
	if err != nil {
		return nil, err
	}
	out, err := codec.Decompress(in, expectedUncompressedSize)
	if err != nil {
		return nil, bperrors.Compress(err, "%s decompression failed", a)
	}
	if len(out) != expectedUncompressedSize {
		return nil, bperrors.Compress(nil, "%s decompression size mismatch: got %d want %d", a, len(out), expectedUncompressedSize)
	}
	return out, nil
}
