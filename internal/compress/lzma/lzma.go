// Package lzma backs the LZMA alternate algorithm named in spec §4.3
// with github.com/ulikunitz/xz/lzma, the same library
// used for archive codecs elsewhere in this module's reference corpus
// (ZaparooProject-go-gameid).
package lzma

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// Codec implements compress.Codec.
type Codec struct{}

func (Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := lzma.WriterConfig{
		// Only the literal/position bits are set (to the usual 3/0/2);
		// the match finder and dictionary size are the library defaults.
		// No "extreme" compression preset is applied.
		Properties: &lzma.Properties{LC: 3, LP: 0, PB: 2},
	}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("lzma: new writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lzma: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lzma: close: %w", err)
	}
	return buf.Bytes(), nil
}

func (Codec) Decompress(in []byte, expectedSize int) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("lzma: new reader: %w", err)
	}
	out := make([]byte, 0, expectedSize)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lzma: read: %w", err)
		}
	}
	return out, nil
}
