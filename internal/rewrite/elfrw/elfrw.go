// Package elfrw implements the ELF rewriter of spec §4.5: a raw PT_NOTE
// append, never a general-purpose ELF builder. §4.5 is explicit that
// restructuring tools "typically move the program-header table and
// introduce new PT_LOAD segments that break the stub's self-extraction
// logic (which reads its own memory image)" — so this package parses the
// ELF header and program-header table read-only (hand-rolled struct
// layouts matching internal/binfmt's, not debug/elf, since debug/elf has
// no write path at all and would force a second, divergent parse), and
// every mutation is an explicit byte-offset patch: either reuse an
// existing empty PT_NOTE slot, or append the note bytes to EOF and patch
// exactly the new PT_NOTE phdr plus the containing PT_LOAD's
// p_filesz/p_memsz.
package elfrw

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/xyproto/binpress/internal/atomicio"
	"github.com/xyproto/binpress/internal/bperrors"
)

const (
	elfHeaderSize = 64
	phdrSize      = 56

	ptNull = 0
	ptLoad = 1
	ptNote = 4

	pfR = 0x4
)

// NoteName is the fixed sentinel note name carrying the payload (§4.5).
const NoteName = "ELF_NOTE_PRESSED_DATA"

type elfHeader struct {
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

type progHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Rewrite reads the ELF stub at stubPath, embeds payload as a PT_NOTE, and
// writes the result to outPath. Every byte of the note ends up covered by
// some PT_LOAD segment's file range (spec §8 invariant 5).
func Rewrite(stubPath, outPath string, payload []byte) error {
	raw, err := os.ReadFile(stubPath)
	if err != nil {
		return bperrors.IO(stubPath, err, "reading ELF stub")
	}

	hdr, err := parseHeader(raw)
	if err != nil {
		return bperrors.Rewrite("elf", "parse", "%v", err)
	}

	phdrs, err := parseProgHeaders(raw, hdr)
	if err != nil {
		return bperrors.Rewrite("elf", "parse", "%v", err)
	}

	out, err := embedNote(raw, hdr, phdrs, payload)
	if err != nil {
		return err
	}

	if werr := atomicio.WriteFileAtomic(outPath, out, 0o755); werr != nil {
		return werr
	}
	return verify(outPath)
}

func parseHeader(raw []byte) (elfHeader, error) {
	if len(raw) < elfHeaderSize || !bytes.Equal(raw[0:4], []byte("\x7fELF")) {
		return elfHeader{}, bperrors.Input("not a valid ELF file")
	}
	if raw[4] != 2 {
		return elfHeader{}, bperrors.Input("only ELF64 stubs are supported")
	}
	var hdr elfHeader
	if err := binary.Read(bytes.NewReader(raw[:elfHeaderSize]), binary.LittleEndian, &hdr); err != nil {
		return elfHeader{}, err
	}
	if hdr.Phentsize != phdrSize {
		return elfHeader{}, bperrors.Input("unexpected ELF phentsize %d", hdr.Phentsize)
	}
	return hdr, nil
}

func parseProgHeaders(raw []byte, hdr elfHeader) ([]progHeader, error) {
	phdrs := make([]progHeader, hdr.Phnum)
	base := int(hdr.Phoff)
	for i := range phdrs {
		off := base + i*phdrSize
		if off+phdrSize > len(raw) {
			return nil, bperrors.Input("program header table truncated")
		}
		if err := binary.Read(bytes.NewReader(raw[off:off+phdrSize]), binary.LittleEndian, &phdrs[i]); err != nil {
			return nil, err
		}
	}
	return phdrs, nil
}

// buildNote produces the raw Elf64_Nhdr + name + descriptor bytes. The
// descriptor *is* the framed payload (§4.5: "the note body itself is the
// raw framed payload ... the self-describing magic marker makes the note
// self-locating").
func buildNote(payload []byte) []byte {
	name := append([]byte(NoteName), 0)
	for len(name)%4 != 0 {
		name = append(name, 0)
	}
	desc := payload
	descPadded := desc
	for len(descPadded)%4 != 0 {
		descPadded = append(descPadded, 0)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(len(name)))
	binary.Write(&out, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&out, binary.LittleEndian, uint32(0)) // n_type: unused, sentinel is the name
	out.Write(name)
	out.Write(descPadded)
	return out.Bytes()
}

// embedNote implements the ADD_NEW path of §4.5: reuse an existing
// zero-sized PT_NOTE if present, else append to EOF and grow the phdr
// table (if the stub reserved slack after it) or fail with ElfNoNoteSlot.
func embedNote(raw []byte, hdr elfHeader, phdrs []progHeader, payload []byte) ([]byte, error) {
	note := buildNote(payload)

	// Prefer a reusable empty PT_NOTE slot (Filesz == 0) over growing the file.
	for i := range phdrs {
		if phdrs[i].Type == ptNote && phdrs[i].Filesz == 0 {
			return appendNoteAtEOF(raw, hdr, phdrs, i, note)
		}
	}

	// No existing slot: we need room for one more program header entry.
	// The ELF was built by the same writer family as our stubs (teacher
	// style, §9's "minimal-edit" guidance), which always reserves the
	// header page up to the first PT_LOAD's file offset; if that slack is
	// too small, fail cleanly per §4.5 rather than relocating the table.
	firstLoadOff := firstLoadFileOffset(phdrs)
	newPhdrOff := int(hdr.Phoff) + len(phdrs)*phdrSize
	if newPhdrOff+phdrSize > firstLoadOff {
		return nil, bperrors.Rewrite("elf", "add_new", "ElfNoNoteSlot: no room to append a program header entry without relocating PT_LOAD")
	}

	newIdx := len(phdrs)
	phdrs = append(phdrs, progHeader{Type: ptNote})
	return appendNoteAtEOF(raw, hdr, phdrs, newIdx, note)
}

func firstLoadFileOffset(phdrs []progHeader) int {
	best := -1
	for _, p := range phdrs {
		if p.Type != ptLoad {
			continue
		}
		if best == -1 || int(p.Offset) < best {
			best = int(p.Offset)
		}
	}
	if best == -1 {
		return 1 << 30 // no PT_LOAD at all: treat as unconstrained
	}
	return best
}

// appendNoteAtEOF writes note at the end of the file, patches phdrs[idx]
// to describe it, grows the containing PT_LOAD's file/mem size to cover
// it (§8 invariant 5), and re-serializes header + phdr table + body.
func appendNoteAtEOF(raw []byte, hdr elfHeader, phdrs []progHeader, idx int, note []byte) ([]byte, error) {
	noteOffset := uint64(len(raw))

	phdrs[idx].Type = ptNote
	phdrs[idx].Flags = pfR
	phdrs[idx].Offset = noteOffset
	phdrs[idx].Filesz = uint64(len(note))
	phdrs[idx].Memsz = uint64(len(note))
	phdrs[idx].Align = 4

	// Find (or synthesize) vaddr for the note: place it in the address
	// space immediately following the containing PT_LOAD segment so a
	// loader that does map PT_NOTE ranges (some do) gets a valid mapping.
	//
	// noteOffset is EOF, which on any binary with a section-header table
	// or other trailer after the last PT_LOAD (i.e. almost every
	// linker-produced executable) falls outside every existing PT_LOAD's
	// file range. §8 invariant 5 requires the note to end up covered
	// regardless, so when no PT_LOAD already reaches that far, the last
	// one (by file offset) is grown to reach it rather than leaving the
	// note uncovered.
	container := containingLoad(phdrs, noteOffset)
	if container == nil {
		container = lastLoad(phdrs)
	}
	if container == nil {
		return nil, bperrors.Rewrite("elf", "add_new", "ElfNoNoteSlot: no PT_LOAD segment present to cover the appended note")
	}
	phdrs[idx].Vaddr = container.Vaddr + (noteOffset - container.Offset)
	phdrs[idx].Paddr = phdrs[idx].Vaddr
	// Grow the PT_LOAD to cover the appended bytes (§8 invariant 5:
	// every byte of the note lies within some PT_LOAD's file range).
	newFilesz := (noteOffset + uint64(len(note))) - container.Offset
	if newFilesz > container.Filesz {
		container.Filesz = newFilesz
	}
	// Memsz must never shrink: a segment with Memsz > Filesz (e.g. one
	// covering .bss) has zero-fill beyond its file data, and overwriting
	// Memsz unconditionally would truncate that region.
	container.Memsz = max(container.Memsz, newFilesz)

	hdr.Phnum = uint16(len(phdrs))

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	for _, p := range phdrs {
		binary.Write(&out, binary.LittleEndian, p)
	}
	// Copy everything between the end of the (possibly grown) phdr table
	// and the original EOF unchanged, then the note.
	bodyStart := int(hdr.Phoff) + len(phdrs)*phdrSize
	if bodyStart > len(raw) {
		// Growing phdrs pushed past the original body start: this only
		// happens when we appended a brand new entry into slack space
		// that embedNote already validated was free.
		pad := make([]byte, bodyStart-len(raw))
		raw = append(raw, pad...)
	}
	out.Write(raw[bodyStart:])
	out.Write(note)
	return out.Bytes(), nil
}

func containingLoad(phdrs []progHeader, offset uint64) *progHeader {
	for i := range phdrs {
		if phdrs[i].Type != ptLoad {
			continue
		}
		if offset >= phdrs[i].Offset && offset <= phdrs[i].Offset+phdrs[i].Filesz {
			return &phdrs[i]
		}
	}
	return nil
}

// lastLoad returns the PT_LOAD with the highest file offset, the natural
// one to extend when the appended note falls past every existing PT_LOAD's
// file range.
func lastLoad(phdrs []progHeader) *progHeader {
	var best *progHeader
	for i := range phdrs {
		if phdrs[i].Type != ptLoad {
			continue
		}
		if best == nil || phdrs[i].Offset > best.Offset {
			best = &phdrs[i]
		}
	}
	return best
}

func verify(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return bperrors.Verify("ELF output %s missing or empty", path)
	}
	return nil
}
