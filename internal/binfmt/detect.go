// Package binfmt identifies an input binary's format, machine, and (for
// ELF) libc flavor from its raw bytes, per spec §4.1. Field offsets are
// hand-rolled rather than routed through debug/elf, debug/macho, or
// debug/pe: those packages require a fully-formed, self-consistent file to
// parse, while §4.1 only asks for a handful of fixed-offset reads that must
// succeed even on a stub file later mutated by the rewriters. The struct
// layouts are grounded on xyproto-vibe67/pe_reader.go (DOS/COFF/optional
// header fields) and the manual cputype/e_machine reads used throughout
// the retrieval pack's binary-format tooling (e.g.
// other_examples/.../elfexec.go, .../pe_utils.go).
package binfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/xyproto/binpress/internal/bperrors"
	"github.com/xyproto/binpress/internal/target"
)

// Format identifies the container format of a binary.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF64
	FormatMachO64
	FormatMachOFat
	FormatPE32Plus
)

func (f Format) String() string {
	switch f {
	case FormatELF64:
		return "ELF64"
	case FormatMachO64:
		return "MachO64"
	case FormatMachOFat:
		return "MachO-Fat"
	case FormatPE32Plus:
		return "PE32+"
	default:
		return "unknown"
	}
}

// Result is everything the detector can recover from an input binary.
type Result struct {
	Format Format
	Arch   target.Arch
	Libc   target.Libc // only meaningful for ELF; target.LibcNone otherwise
}

const (
	elfMagic        = "\x7fELF"
	machoMagic64LE  = 0xfeedfacf
	machoMagic64BE  = 0xcffaedfe
	machoMagic32LE  = 0xfeedface
	machoMagic32BE  = 0xcefaedfe
	machoFatMagic   = 0xcafebabe
	machoFatMagicBE = 0xbebafeca
	peDOSMagic      = 0x5a4d // "MZ"
)

// Detect opens path and classifies it, closing the handle on every path.
func Detect(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, bperrors.IO(path, err, "opening input for format detection")
	}
	defer f.Close()
	return DetectReader(f, path)
}

// DetectReader classifies an already-open handle; path is used only for
// error context.
func DetectReader(r io.ReaderAt, path string) (Result, error) {
	head := make([]byte, 4)
	if _, err := r.ReadAt(head, 0); err != nil {
		return Result{}, bperrors.Input("%s: too short to contain a format magic", path)
	}

	switch {
	case bytes.Equal(head, []byte(elfMagic)):
		return detectELF(r, path)
	default:
	}

	magic32 := binary.LittleEndian.Uint32(head)
	switch magic32 {
	case machoMagic64LE, machoMagic64BE:
		return detectMachO(r, path, false)
	case machoMagic32LE, machoMagic32BE:
		return Result{}, bperrors.Input("%s: 32-bit Mach-O is not supported", path)
	case machoFatMagic, machoFatMagicBE:
		return detectMachO(r, path, true)
	}

	if head[0] == 'M' && head[1] == 'Z' {
		return detectPE(r, path)
	}

	return Result{}, bperrors.Input("%s: unrecognized binary format", path)
}

func detectELF(r io.ReaderAt, path string) (Result, error) {
	var ident [20]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return Result{}, bperrors.Input("%s: truncated ELF header", path)
	}
	if ident[4] != 2 { // EI_CLASS: ELFCLASS64
		return Result{}, bperrors.Input("%s: only ELF64 is supported", path)
	}
	machine := binary.LittleEndian.Uint16(ident[18:20])
	arch, err := archFromELFMachine(machine)
	if err != nil {
		return Result{}, bperrors.Input("%s: %v", path, err)
	}

	libc, err := elfLibc(r, path)
	if err != nil {
		return Result{}, err
	}

	return Result{Format: FormatELF64, Arch: arch, Libc: libc}, nil
}

func archFromELFMachine(m uint16) (target.Arch, error) {
	switch m {
	case 62:
		return target.ArchX64, nil
	case 183:
		return target.ArchARM64, nil
	default:
		return target.ArchUnset, fmt.Errorf("unsupported e_machine %d", m)
	}
}

// elfHdr64 mirrors only the fields §4.1 needs from the ELF64 file header.
type elfHdr64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// elfPhdr64 is the ELF64 program header entry.
type elfPhdr64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

const ptInterp = 3

// elfLibc walks the program-header table for PT_INTERP and classifies the
// interpreter path as musl or glibc per §4.1.
func elfLibc(r io.ReaderAt, path string) (target.Libc, error) {
	var hdr elfHdr64
	buf := make([]byte, 64)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return target.LibcUnset, bperrors.Input("%s: truncated ELF header", path)
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return target.LibcUnset, bperrors.Input("%s: malformed ELF header: %v", path, err)
	}

	phdrBuf := make([]byte, int(hdr.Phentsize)*int(hdr.Phnum))
	if _, err := r.ReadAt(phdrBuf, int64(hdr.Phoff)); err != nil {
		// Static binaries may have no program headers at all; that's not
		// an error, just "no libc interpreter".
		return target.LibcNone, nil
	}

	for i := 0; i < int(hdr.Phnum); i++ {
		off := i * int(hdr.Phentsize)
		if off+56 > len(phdrBuf) {
			break
		}
		var ph elfPhdr64
		if err := binary.Read(bytes.NewReader(phdrBuf[off:off+56]), binary.LittleEndian, &ph); err != nil {
			continue
		}
		if ph.Type != ptInterp {
			continue
		}
		interp := make([]byte, ph.Filesz)
		if _, err := r.ReadAt(interp, int64(ph.Offset)); err != nil {
			continue
		}
		interp = bytes.TrimRight(interp, "\x00")
		if bytes.Contains(interp, []byte("musl")) {
			return target.LibcMusl, nil
		}
		return target.LibcGlibc, nil
	}
	return target.LibcNone, nil
}

func detectMachO(r io.ReaderAt, path string, fat bool) (Result, error) {
	if fat {
		head := make([]byte, 8)
		if _, err := r.ReadAt(head, 0); err != nil {
			return Result{}, bperrors.Input("%s: truncated fat header", path)
		}
		nfat := binary.BigEndian.Uint32(head[4:8])
		if nfat == 0 {
			return Result{}, bperrors.Input("%s: fat binary with zero architectures", path)
		}
		// fat_arch: cputype(4) cpusubtype(4) offset(4) size(4) align(4), big-endian
		entry := make([]byte, 20)
		if _, err := r.ReadAt(entry, 8); err != nil {
			return Result{}, bperrors.Input("%s: truncated fat_arch entry", path)
		}
		cputype := binary.BigEndian.Uint32(entry[0:4])
		arch, err := archFromMachOCPUType(cputype)
		if err != nil {
			return Result{}, bperrors.Input("%s: %v", path, err)
		}
		return Result{Format: FormatMachOFat, Arch: arch, Libc: target.LibcNone}, nil
	}

	head := make([]byte, 8)
	if _, err := r.ReadAt(head, 0); err != nil {
		return Result{}, bperrors.Input("%s: truncated Mach-O header", path)
	}
	cputype := binary.LittleEndian.Uint32(head[4:8])
	arch, err := archFromMachOCPUType(cputype)
	if err != nil {
		return Result{}, bperrors.Input("%s: %v", path, err)
	}
	return Result{Format: FormatMachO64, Arch: arch, Libc: target.LibcNone}, nil
}

func archFromMachOCPUType(cputype uint32) (target.Arch, error) {
	switch cputype {
	case 0x0100000C:
		return target.ArchARM64, nil
	case 0x01000007:
		return target.ArchX64, nil
	default:
		return target.ArchUnset, fmt.Errorf("unsupported Mach-O cputype 0x%x", cputype)
	}
}

func detectPE(r io.ReaderAt, path string) (Result, error) {
	off := make([]byte, 4)
	if _, err := r.ReadAt(off, 0x3C); err != nil {
		return Result{}, bperrors.Input("%s: truncated DOS header", path)
	}
	peOffset := int64(binary.LittleEndian.Uint32(off))

	sig := make([]byte, 4)
	if _, err := r.ReadAt(sig, peOffset); err != nil {
		return Result{}, bperrors.Input("%s: truncated PE signature", path)
	}
	if !bytes.Equal(sig, []byte("PE\x00\x00")) {
		return Result{}, bperrors.Input("%s: invalid PE signature", path)
	}

	machine := make([]byte, 2)
	if _, err := r.ReadAt(machine, peOffset+4); err != nil {
		return Result{}, bperrors.Input("%s: truncated COFF header", path)
	}
	m := binary.LittleEndian.Uint16(machine)
	var arch target.Arch
	switch m {
	case 0x8664:
		arch = target.ArchX64
	case 0xAA64:
		arch = target.ArchARM64
	default:
		return Result{}, bperrors.Input("%s: unsupported PE Machine 0x%x", path, m)
	}
	return Result{Format: FormatPE32Plus, Arch: arch, Libc: target.LibcNone}, nil
}
