// Package target models the Target Descriptor of spec §3.1: the
// (platform, arch, libc) tuple that selects a stub and is stamped into the
// payload header. Parsing follows the teacher's Target abstraction
// (xyproto-vibe67/target.go) generalized from a compiler's codegen target
// to the packer's stub-selection target.
package target

import (
	"fmt"
	"strings"
)

// Platform is the payload header's platform byte (§3.1 offset 64).
type Platform byte

const (
	PlatformUnset  Platform = 0xFF
	PlatformLinux  Platform = 0
	PlatformDarwin Platform = 1
	PlatformWin32  Platform = 2
)

func (p Platform) String() string {
	switch p {
	case PlatformLinux:
		return "linux"
	case PlatformDarwin:
		return "darwin"
	case PlatformWin32:
		return "win32"
	default:
		return "unset"
	}
}

// ParsePlatform normalizes "win" -> "win32" per §4.2 step 4.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(s) {
	case "linux":
		return PlatformLinux, nil
	case "darwin", "macos":
		return PlatformDarwin, nil
	case "win32", "win", "windows":
		return PlatformWin32, nil
	default:
		return PlatformUnset, fmt.Errorf("unknown platform %q", s)
	}
}

// Arch is the payload header's arch byte (§3.1 offset 65).
type Arch byte

const (
	ArchUnset Arch = 0xFF
	ArchX64   Arch = 0
	ArchARM64 Arch = 1
)

func (a Arch) String() string {
	switch a {
	case ArchX64:
		return "x64"
	case ArchARM64:
		return "arm64"
	default:
		return "unset"
	}
}

func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x64", "amd64", "x86_64", "x86-64":
		return ArchX64, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	default:
		return ArchUnset, fmt.Errorf("unknown arch %q", s)
	}
}

// Libc is the payload header's libc byte (§3.1 offset 66).
type Libc byte

const (
	LibcUnset  Libc = 0xFF
	LibcGlibc  Libc = 0
	LibcMusl   Libc = 1
	LibcNone   Libc = 255
)

func (l Libc) String() string {
	switch l {
	case LibcGlibc:
		return "glibc"
	case LibcMusl:
		return "musl"
	case LibcNone:
		return "n/a"
	default:
		return "unset"
	}
}

func ParseLibc(s string) (Libc, error) {
	switch strings.ToLower(s) {
	case "glibc":
		return LibcGlibc, nil
	case "musl":
		return LibcMusl, nil
	case "none", "n/a":
		return LibcNone, nil
	default:
		return LibcUnset, fmt.Errorf("unknown libc %q", s)
	}
}

// Descriptor is the resolved (platform, arch, libc) tuple.
type Descriptor struct {
	Platform Platform
	Arch     Arch
	Libc     Libc
}

// Unset is a descriptor with every field pending resolution.
var Unset = Descriptor{Platform: PlatformUnset, Arch: ArchUnset, Libc: LibcUnset}

// String renders "platform-arch[-libc]", omitting libc when not
// meaningful (darwin/win32).
func (d Descriptor) String() string {
	s := fmt.Sprintf("%s-%s", d.Platform, d.Arch)
	if d.Libc != LibcUnset && d.Libc != LibcNone {
		s += "-" + d.Libc.String()
	}
	return s
}

// ParseTriple parses the combined "--target" form: "platform-arch[-libc]".
func ParseTriple(s string) (Descriptor, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 2 || len(parts) > 3 {
		return Descriptor{}, fmt.Errorf("malformed target %q, want platform-arch[-libc]", s)
	}
	platform, err := ParsePlatform(parts[0])
	if err != nil {
		return Descriptor{}, err
	}
	arch, err := ParseArch(parts[1])
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{Platform: platform, Arch: arch, Libc: LibcUnset}
	if len(parts) == 3 {
		libc, err := ParseLibc(parts[2])
		if err != nil {
			return Descriptor{}, err
		}
		d.Libc = libc
	} else if platform != PlatformLinux {
		d.Libc = LibcNone
	}
	return d, nil
}

// ResolveLibcDefault fills in the libc default once the platform is known: linux
// defaults to "auto-detect" (represented by LibcUnset, resolved later by
// the detector), anything else defaults to LibcNone (§4.2 step 1).
func (d Descriptor) ResolveLibcDefault() Descriptor {
	if d.Libc != LibcUnset {
		return d
	}
	if d.Platform == PlatformLinux {
		return d // left unset: caller must auto-detect
	}
	d.Libc = LibcNone
	return d
}
