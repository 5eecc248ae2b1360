package binfmt

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xyproto/binpress/internal/target"
)

// buildMinimalELF64 produces just enough of an ELF64 header + optional
// PT_INTERP segment for detectELF/elfLibc to classify, without any other
// section content.
func buildMinimalELF64(t *testing.T, machine uint16, interp string) []byte {
	t.Helper()
	var buf bytes.Buffer

	ident := make([]byte, 16)
	copy(ident, elfMagic)
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // little-endian

	phoff := uint64(64)
	phnum := uint16(0)
	var phdrBuf bytes.Buffer
	if interp != "" {
		phnum = 1
		interpBytes := append([]byte(interp), 0)
		interpOff := phoff + 56
		binary.Write(&phdrBuf, binary.LittleEndian, uint32(3)) // PT_INTERP
		binary.Write(&phdrBuf, binary.LittleEndian, uint32(4)) // flags
		binary.Write(&phdrBuf, binary.LittleEndian, interpOff)
		binary.Write(&phdrBuf, binary.LittleEndian, uint64(0))
		binary.Write(&phdrBuf, binary.LittleEndian, uint64(0))
		binary.Write(&phdrBuf, binary.LittleEndian, uint64(len(interpBytes)))
		binary.Write(&phdrBuf, binary.LittleEndian, uint64(len(interpBytes)))
		binary.Write(&phdrBuf, binary.LittleEndian, uint64(1))
	}

	buf.Write(ident)
	binary.Write(&buf, binary.LittleEndian, uint16(2))      // e_type
	binary.Write(&buf, binary.LittleEndian, machine)        // e_machine
	binary.Write(&buf, binary.LittleEndian, uint32(1))      // e_version
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // e_entry
	binary.Write(&buf, binary.LittleEndian, phoff)          // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(64))     // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(56))     // e_phentsize
	binary.Write(&buf, binary.LittleEndian, phnum)          // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))      // e_shstrndx

	buf.Write(phdrBuf.Bytes())
	if interp != "" {
		buf.WriteString(interp)
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture")
	require.NoError(t, os.WriteFile(path, data, 0o755))
	return path
}

func TestDetectELFGlibc(t *testing.T) {
	raw := buildMinimalELF64(t, 62, "/lib64/ld-linux-x86-64.so.2")
	res, err := Detect(writeTemp(t, raw))
	require.NoError(t, err)
	require.Equal(t, FormatELF64, res.Format)
	require.Equal(t, target.ArchX64, res.Arch)
	require.Equal(t, target.LibcGlibc, res.Libc)
}

func TestDetectELFMusl(t *testing.T) {
	raw := buildMinimalELF64(t, 183, "/lib/ld-musl-aarch64.so.1")
	res, err := Detect(writeTemp(t, raw))
	require.NoError(t, err)
	require.Equal(t, target.ArchARM64, res.Arch)
	require.Equal(t, target.LibcMusl, res.Libc)
}

func TestDetectELFStaticHasNoLibc(t *testing.T) {
	raw := buildMinimalELF64(t, 62, "")
	res, err := Detect(writeTemp(t, raw))
	require.NoError(t, err)
	require.Equal(t, target.LibcNone, res.Libc)
}

func TestDetectELFRejects32Bit(t *testing.T) {
	raw := buildMinimalELF64(t, 62, "")
	raw[4] = 1 // ELFCLASS32
	_, err := Detect(writeTemp(t, raw))
	require.Error(t, err)
}

func TestDetectMachO64(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(machoMagic64LE))
	binary.Write(&buf, binary.LittleEndian, uint32(0x0100000C)) // ARM64 cputype
	buf.Write(make([]byte, 24))                                 // pad out remaining header fields

	res, err := Detect(writeTemp(t, buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, FormatMachO64, res.Format)
	require.Equal(t, target.ArchARM64, res.Arch)
}

func TestDetectPE32Plus(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("MZ")
	buf.Write(make([]byte, 0x3C-2))
	binary.Write(&buf, binary.LittleEndian, uint32(0x80)) // e_lfanew

	buf.Write(make([]byte, 0x80-buf.Len()))
	buf.WriteString("PE\x00\x00")
	binary.Write(&buf, binary.LittleEndian, uint16(0x8664)) // IMAGE_FILE_MACHINE_AMD64

	res, err := Detect(writeTemp(t, buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, FormatPE32Plus, res.Format)
	require.Equal(t, target.ArchX64, res.Arch)
}

func TestDetectRejectsUnknownMagic(t *testing.T) {
	_, err := Detect(writeTemp(t, []byte("not a binary at all")))
	require.Error(t, err)
}
