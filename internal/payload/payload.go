// Package payload implements the self-describing payload framer of spec
// §3.1 and §4.4: the layout that makes a compressed blob self-locating
// inside any of an ELF note, a Mach-O section, or a PE section, without the
// runtime stub needing to parse its enclosing binary format.
package payload

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/xyproto/binpress/internal/bperrors"
	"github.com/xyproto/binpress/internal/config"
	"github.com/xyproto/binpress/internal/target"
)

const (
	offMagic        = 0
	offCompressedSz = 32
	offUncompressedSz = 40
	offCacheKey     = 48
	offPlatform     = 64
	offArch         = 65
	offLibc         = 66
	offHasConfig    = 67
	offTail         = 68

	cacheKeyLen = 16 // hex chars
)

// Payload is the parsed representation of the framed blob described in
// §3.1's table.
type Payload struct {
	CompressedSize   uint64
	UncompressedSize uint64
	CacheKey         string // 16 hex chars
	Platform         target.Platform
	Arch             target.Arch
	Libc             target.Libc
	HasConfig        bool
	Config           []byte
	Compressed       []byte
}

// CacheKey derives the deterministic 16-hex-digit fingerprint of §3.1/§4.4.
// The exact formula is explicitly non-load-bearing (spec §9); this repo
// uses SHA-256 over (uncompressedSize, compressedSize, algorithmTag)
// truncated to 16 hex digits, so the runtime extractor only needs to
// reproduce the same three inputs to agree with the embedder.
func CacheKey(uncompressedSize, compressedSize uint64, algorithmTag string) string {
	h := sha256.New()
	var sizes [16]byte
	binary.LittleEndian.PutUint64(sizes[0:8], uncompressedSize)
	binary.LittleEndian.PutUint64(sizes[8:16], compressedSize)
	h.Write(sizes[:])
	h.Write([]byte(algorithmTag))
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[:cacheKeyLen]
}

// Build emits the exact byte layout of §3.1. has-config is set only when
// config_ is non-empty; every caller in this module passes nil, so the
// payloads it produces carry has-config=0, with the slot preserved for a
// runtime-interpreted config blob.
func Build(compressed []byte, uncompressedSize uint64, p target.Platform, a target.Arch, l target.Libc, algorithmTag string, config_ []byte) []byte {
	hasConfig := len(config_) > 0
	compressedSize := uint64(len(compressed))
	key := CacheKey(uncompressedSize, compressedSize, algorithmTag)

	total := offTail
	if hasConfig {
		total += len(config_)
	}
	total += len(compressed)

	out := make([]byte, total)
	magic := config.Magic()
	copy(out[offMagic:offMagic+32], magic[:])
	binary.LittleEndian.PutUint64(out[offCompressedSz:offCompressedSz+8], compressedSize)
	binary.LittleEndian.PutUint64(out[offUncompressedSz:offUncompressedSz+8], uncompressedSize)
	copy(out[offCacheKey:offCacheKey+16], []byte(key))
	out[offPlatform] = byte(p)
	out[offArch] = byte(a)
	out[offLibc] = byte(l)
	if hasConfig {
		out[offHasConfig] = 1
	}

	tail := offTail
	if hasConfig {
		copy(out[tail:tail+len(config_)], config_)
		tail += len(config_)
	}
	copy(out[tail:], compressed)
	return out
}

// Parse inverts Build, validating the magic marker and every invariant
// named in §3.1 and §8 invariant 2 (round-trip).
func Parse(data []byte) (Payload, error) {
	if len(data) < offTail {
		return Payload{}, bperrors.Input("payload: too short to contain a header (%d bytes)", len(data))
	}

	magic := config.Magic()
	if string(data[offMagic:offMagic+32]) != string(magic[:]) {
		return Payload{}, bperrors.Input("payload: magic marker mismatch")
	}

	compressedSize := binary.LittleEndian.Uint64(data[offCompressedSz : offCompressedSz+8])
	uncompressedSize := binary.LittleEndian.Uint64(data[offUncompressedSz : offUncompressedSz+8])
	cacheKey := string(data[offCacheKey : offCacheKey+16])
	p := target.Platform(data[offPlatform])
	a := target.Arch(data[offArch])
	l := target.Libc(data[offLibc])
	hasConfig := data[offHasConfig] != 0

	tail := offTail
	var cfg []byte
	if hasConfig {
		// The config blob's length is not separately framed; Build sets
		// has-config only when given a non-empty config, which no caller in
		// this module does. We treat "everything up to the trailing
		// compressed-size bytes" as the config blob.
		if uint64(len(data)-tail) < compressedSize {
			return Payload{}, bperrors.Input("payload: declared compressed size %d exceeds remaining bytes", compressedSize)
		}
		cfgLen := len(data) - tail - int(compressedSize)
		if cfgLen < 0 {
			return Payload{}, bperrors.Input("payload: inconsistent config/compressed-size framing")
		}
		cfg = append([]byte(nil), data[tail:tail+cfgLen]...)
		tail += cfgLen
	}

	if uint64(len(data)-tail) != compressedSize {
		return Payload{}, bperrors.Input("payload: compressed size %d does not match remaining %d bytes", compressedSize, len(data)-tail)
	}
	compressed := append([]byte(nil), data[tail:]...)

	return Payload{
		CompressedSize:   compressedSize,
		UncompressedSize: uncompressedSize,
		CacheKey:         cacheKey,
		Platform:         p,
		Arch:             a,
		Libc:             l,
		HasConfig:        hasConfig,
		Config:           cfg,
		Compressed:       compressed,
	}, nil
}

// FindMagic scans buf for the payload magic marker, the way a runtime stub
// locates its own embedded payload without parsing the enclosing binary
// format (§6.1). Returns -1 if not found.
func FindMagic(buf []byte) int {
	magic := config.Magic()
	m := magic[:]
	n := len(m)
	for i := 0; i+n <= len(buf); i++ {
		if string(buf[i:i+n]) == string(m) {
			return i
		}
	}
	return -1
}
