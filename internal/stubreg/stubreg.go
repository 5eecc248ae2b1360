// Package stubreg implements the Stub Registry of spec §4.2: the eight
// compiled-in (platform, arch, libc) stub slots, target resolution from
// CLI flags or auto-detection, and the temp-file lifecycle a rewriter needs
// a mutable working copy for.
//
// The actual stub binaries are out of scope per spec §1 ("opaque byte
// blobs ... supplied pre-built via a lookup table"); this package ships
// every slot empty, with the lookup table wired exactly as production code
// would wire it against real stub blobs compiled in via embed.FS.
package stubreg

import (
	"github.com/xyproto/binpress/internal/atomicio"
	"github.com/xyproto/binpress/internal/bperrors"
	"github.com/xyproto/binpress/internal/binfmt"
	"github.com/xyproto/binpress/internal/target"
)

// Stub is an immutable compiled-in record (§3.1 Embedded Stub entity).
type Stub struct {
	Platform target.Platform
	Arch     target.Arch
	Libc     target.Libc
	Bytes    []byte
}

// Registry holds the eight stub slots. The zero value is usable and has
// every slot empty (StubUnavailable for any lookup), matching this repo's
// "no production stub blobs shipped" scope.
type Registry struct {
	slots map[slotKey][]byte
}

type slotKey struct {
	platform target.Platform
	arch     target.Arch
	libc     target.Libc
}

// NewRegistry builds the eight-slot table. In production this would be
// populated from go:embed'd stub binaries; here every slot is a nil/empty
// byte slice, which Select reports as StubUnavailable per §4.2.
func NewRegistry() *Registry {
	r := &Registry{slots: make(map[slotKey][]byte)}
	for _, k := range allSlots() {
		r.slots[k] = nil
	}
	return r
}

// Put registers (or overrides, e.g. in tests) the bytes for a slot.
func (r *Registry) Put(p target.Platform, a target.Arch, l target.Libc, data []byte) {
	r.slots[slotKey{p, a, l}] = data
}

func allSlots() []slotKey {
	return []slotKey{
		{target.PlatformDarwin, target.ArchX64, target.LibcNone},
		{target.PlatformDarwin, target.ArchARM64, target.LibcNone},
		{target.PlatformLinux, target.ArchX64, target.LibcGlibc},
		{target.PlatformLinux, target.ArchX64, target.LibcMusl},
		{target.PlatformLinux, target.ArchARM64, target.LibcGlibc},
		{target.PlatformLinux, target.ArchARM64, target.LibcMusl},
		{target.PlatformWin32, target.ArchX64, target.LibcNone},
		{target.PlatformWin32, target.ArchARM64, target.LibcNone},
	}
}

// SelectOptions mirrors the inputs select_stub accepts per §4.2 step 1-2.
type SelectOptions struct {
	InputPath       string
	Target          string // combined "--target" string, may be empty
	PlatformOverride string
	ArchOverride     string
	LibcOverride     string
}

// Select resolves a Target Descriptor from the given options and returns
// the matching Stub, exactly per the four steps of §4.2.
func (r *Registry) Select(opts SelectOptions) (Stub, error) {
	var desc target.Descriptor

	switch {
	case opts.Target != "":
		d, err := target.ParseTriple(opts.Target)
		if err != nil {
			return Stub{}, bperrors.Arg("invalid --target: %v", err)
		}
		desc = d.ResolveLibcDefault()
	default:
		desc = target.Unset
		if opts.PlatformOverride != "" {
			p, err := target.ParsePlatform(opts.PlatformOverride)
			if err != nil {
				return Stub{}, bperrors.Arg("invalid --target-platform: %v", err)
			}
			desc.Platform = p
		}
		if opts.ArchOverride != "" {
			a, err := target.ParseArch(opts.ArchOverride)
			if err != nil {
				return Stub{}, bperrors.Arg("invalid --target-arch: %v", err)
			}
			desc.Arch = a
		}
		if opts.LibcOverride != "" {
			l, err := target.ParseLibc(opts.LibcOverride)
			if err != nil {
				return Stub{}, bperrors.Arg("invalid --target-libc: %v", err)
			}
			desc.Libc = l
		}
	}

	if desc.Platform == target.PlatformUnset || desc.Arch == target.ArchUnset || desc.Libc == target.LibcUnset {
		detected, err := binfmt.Detect(opts.InputPath)
		if err != nil {
			return Stub{}, err
		}
		if desc.Platform == target.PlatformUnset {
			desc.Platform = platformFromFormat(detected.Format)
		}
		if desc.Arch == target.ArchUnset {
			desc.Arch = detected.Arch
		}
		if desc.Libc == target.LibcUnset {
			if desc.Platform == target.PlatformLinux {
				desc.Libc = detected.Libc
			} else {
				desc.Libc = target.LibcNone
			}
		}
	}

	key := slotKey{desc.Platform, desc.Arch, desc.Libc}
	data, ok := r.slots[key]
	if !ok || len(data) == 0 {
		return Stub{}, bperrors.StubUnavailable("no stub compiled in for target %s", desc)
	}
	return Stub{Platform: desc.Platform, Arch: desc.Arch, Libc: desc.Libc, Bytes: data}, nil
}

func platformFromFormat(f binfmt.Format) target.Platform {
	switch f {
	case binfmt.FormatELF64:
		return target.PlatformLinux
	case binfmt.FormatMachO64, binfmt.FormatMachOFat:
		return target.PlatformDarwin
	case binfmt.FormatPE32Plus:
		return target.PlatformWin32
	default:
		return target.PlatformUnset
	}
}

// WriteTempStub writes the stub's bytes to a uniquely named temp file per
// §4.2 ("atomically creates a uniquely-named file ... fsyncs, sets
// executable permission, sets close-on-exec").
func WriteTempStub(s Stub) (string, error) {
	path, err := atomicio.TempFile("", s.Bytes)
	if err != nil {
		return "", err
	}
	if err := chmodExecutable(path); err != nil {
		atomicio.CleanupTempStub(path)
		return "", err
	}
	return path, nil
}

// CleanupTempStub unlinks the temp stub, idempotently.
func CleanupTempStub(path string) error {
	return atomicio.CleanupTempStub(path)
}
