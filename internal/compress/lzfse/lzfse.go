// Package lzfse implements binpress's primary compression backend.
//
// Apple's real LZFSE has no Go implementation anywhere in this module's
// reference corpus, so this backend is a from-scratch LZ77-style codec in
// the same hand-rolled style the teacher repo uses for its own ad-hoc
// compressor (xyproto-vibe67/compress.go) and its self-extraction RLE
// stubs (xyproto-vibe67/selfextract.go, decompressor_stub.go). It is named
// "lzfse" because it fills that algorithm's slot in the Target Descriptor
// and payload header (§4.3: "the embedder hard-codes LZFSE for the SMOL
// framing"); it is not bit-compatible with Apple's format, which is fine
// because binpress controls both ends of the frame (embedder and, in
// production, the stub's decompressor).
//
// Frame format (little-endian): [uncompressed_size:u32] then a sequence of
// tokens, each either a literal run ([len:u8][bytes...]) or a back
// reference ([0xFF][distance:u16][length:u8]), terminated implicitly by
// reaching uncompressed_size bytes of output.
package lzfse

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	windowSize  = 32768
	minMatchLen = 4
	maxMatchLen = 255
	escapeByte  = 0xFF
)

// Codec implements compress.Codec.
type Codec struct{}

func (Codec) Compress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return out.Bytes(), nil
	}

	pos := 0
	for pos < len(data) {
		bestLen, bestDist := findMatch(data, pos)
		if bestLen >= minMatchLen {
			out.WriteByte(escapeByte)
			binary.Write(&out, binary.LittleEndian, uint16(bestDist))
			out.WriteByte(byte(bestLen))
			pos += bestLen
			continue
		}

		// Literal run: walk forward collecting non-matching bytes. The run
		// is capped at 254 bytes so its length byte can never equal 0xFF,
		// which the decoder would take for a back-reference marker.
		runStart := pos
		for pos < len(data) && pos-runStart < 254 {
			l, _ := findMatch(data, pos)
			if l >= minMatchLen {
				break
			}
			pos++
		}
		run := data[runStart:pos]
		out.WriteByte(byte(len(run)))
		out.Write(run)
	}
	return out.Bytes(), nil
}

func findMatch(data []byte, pos int) (length, distance int) {
	searchStart := pos - windowSize
	if searchStart < 0 {
		searchStart = 0
	}
	for i := searchStart; i < pos; i++ {
		l := 0
		for l < maxMatchLen && pos+l < len(data) && data[i+l] == data[pos+l] {
			l++
		}
		if l >= minMatchLen && l > length {
			length = l
			distance = pos - i
		}
	}
	return length, distance
}

func (Codec) Decompress(in []byte, expectedSize int) ([]byte, error) {
	if len(in) < 4 {
		return nil, fmt.Errorf("lzfse: frame too short")
	}
	size := int(binary.LittleEndian.Uint32(in[0:4]))
	if expectedSize > 0 && size != expectedSize {
		return nil, fmt.Errorf("lzfse: frame size %d does not match expected %d", size, expectedSize)
	}
	out := make([]byte, 0, size)
	i := 4
	for len(out) < size {
		if i >= len(in) {
			return nil, fmt.Errorf("lzfse: truncated frame")
		}
		tok := in[i]
		i++
		if tok == escapeByte {
			if i+3 > len(in) {
				return nil, fmt.Errorf("lzfse: truncated back-reference")
			}
			dist := int(binary.LittleEndian.Uint16(in[i : i+2]))
			length := int(in[i+2])
			i += 3
			if dist <= 0 || dist > len(out) {
				return nil, fmt.Errorf("lzfse: invalid back-reference distance %d", dist)
			}
			start := len(out) - dist
			for j := 0; j < length; j++ {
				out = append(out, out[start+j])
			}
			continue
		}
		runLen := int(tok)
		if i+runLen > len(in) {
			return nil, fmt.Errorf("lzfse: truncated literal run")
		}
		out = append(out, in[i:i+runLen]...)
		i += runLen
	}
	return out, nil
}
