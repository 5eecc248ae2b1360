// Package macho implements the Mach-O rewriter of spec §4.6: insert the
// framed payload as a new read-only segment SMOL/__PRESSED_DATA immediately
// before __LINKEDIT, so __LINKEDIT stays last in the file (required by the
// dynamic linker and by codesign), then re-sign ad-hoc.
//
// Struct layouts are modeled on the Mach-O writer found in this repo's
// teacher lineage (MachOHeader64/SegmentCommand64/Section64/
// LinkEditDataCommand/SymtabCommand/DysymtabCommand), adapted from a
// from-scratch builder into a parse-mutate-write pipeline: this package
// only ever mutates a real stub binary it did not itself construct, which
// is why every load command besides the ones SMOL touches is carried
// through byte-for-byte rather than re-derived.
package macho

import (
	"bytes"
	"encoding/binary"
	"os"
	"strings"

	"github.com/xyproto/binpress/internal/bperrors"
	"github.com/xyproto/binpress/internal/codesign"
	"github.com/xyproto/binpress/internal/xlog"
)

var log = xlog.New("smol:macho")

const (
	magic64 = 0xfeedfacf

	lcSegment64      = 0x19
	lcSymtab         = 0x2
	lcDysymtab       = 0xb
	lcCodeSignature  = 0x1d
	lcFunctionStarts = 0x26
	lcDataInCode     = 0x29
	lcDyldExportsTrie = 0x80000033
	lcDyldChainedFixups = 0x80000034
	lcDyldInfo       = 0x22
	lcDyldInfoOnly   = 0x80000022

	vmProtRead = 0x1

	sectionAttrRegular = 0x0

	pageSize = 0x1000

	smolSegName    = "SMOL"
	pressedSectName = "__PRESSED_DATA"
	linkeditName   = "__LINKEDIT"
)

var sipPrefixes = []string{"/System/", "/usr/bin/", "/usr/sbin/", "/usr/libexec/", "/bin/", "/sbin/"}

type header struct {
	Magic      uint32
	CPUType    uint32
	CPUSubtype uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

type segmentCommand64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type section64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

// command is a generically-decoded load command: its raw bytes are kept so
// anything this package doesn't special-case survives the rewrite intact.
type command struct {
	Cmd     uint32
	CmdSize uint32
	Raw     []byte // full cmdsize bytes, including the 8-byte cmd/cmdsize header

	seg      *segmentCommand64 // non-nil if Cmd == lcSegment64
	sections []section64
}

const headerSize = 32

// Rewrite reads the Mach-O stub at stubPath, embeds payload as a new
// segment, writes outPath, and attempts an ad-hoc re-sign.
func Rewrite(stubPath, outPath string, payload []byte) error {
	if err := rejectSIPPrefix(outPath); err != nil {
		return err
	}

	raw, err := os.ReadFile(stubPath)
	if err != nil {
		return bperrors.IO(stubPath, err, "reading Mach-O stub")
	}

	hdr, cmds, err := parse(raw) // PARSED
	if err != nil {
		return bperrors.Rewrite("macho", "parse", "%v", err)
	}

	cmds, err = removeExisting(cmds) // CHECK_EXISTING -> UPDATE (if applicable)
	if err != nil {
		return bperrors.Rewrite("macho", "check_existing", "%v", err)
	}

	out, err := addSegment(raw, hdr, cmds, payload) // ADD_NEW
	if err != nil {
		return err
	}

	if werr := os.WriteFile(outPath, out, 0o755); werr != nil { // WRITE
		return bperrors.IO(outPath, werr, "writing rewritten Mach-O")
	}

	if err := fsyncAndVerify(outPath); err != nil { // FSYNC + VERIFY
		return err
	}

	res := codesign.AdHocSign(outPath) // SIGN — non-fatal
	if res.Attempted && res.Err != nil {
		log.Warn("ad-hoc signature could not be applied; output remains unsigned")
	}
	return nil
}

func rejectSIPPrefix(outPath string) error {
	for _, p := range sipPrefixes {
		if strings.HasPrefix(outPath, p) {
			return bperrors.SipProtected(outPath)
		}
	}
	return nil
}

func parse(raw []byte) (header, []*command, error) {
	if len(raw) < headerSize {
		return header{}, nil, bperrors.Input("truncated Mach-O header")
	}
	var hdr header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return header{}, nil, err
	}
	if hdr.Magic != magic64 {
		return header{}, nil, bperrors.Input("not a 64-bit little-endian Mach-O")
	}

	cmds := make([]*command, 0, hdr.NCmds)
	off := headerSize
	for i := uint32(0); i < hdr.NCmds; i++ {
		if off+8 > len(raw) {
			return header{}, nil, bperrors.Input("load command table truncated")
		}
		cmd := binary.LittleEndian.Uint32(raw[off:])
		size := binary.LittleEndian.Uint32(raw[off+4:])
		if size < 8 || off+int(size) > len(raw) {
			return header{}, nil, bperrors.Input("malformed load command size")
		}
		c := &command{Cmd: cmd, CmdSize: size, Raw: append([]byte(nil), raw[off:off+int(size)]...)}
		if cmd == lcSegment64 {
			if err := decodeSegment(c); err != nil {
				return header{}, nil, err
			}
		}
		cmds = append(cmds, c)
		off += int(size)
	}
	return hdr, cmds, nil
}

func decodeSegment(c *command) error {
	var seg segmentCommand64
	if err := binary.Read(bytes.NewReader(c.Raw[:binary.Size(seg)]), binary.LittleEndian, &seg); err != nil {
		return err
	}
	c.seg = &seg
	sectOff := binary.Size(seg)
	for i := uint32(0); i < seg.NSects; i++ {
		var s section64
		start := sectOff + int(i)*binary.Size(s)
		end := start + binary.Size(s)
		if end > len(c.Raw) {
			return bperrors.Input("segment %s section table truncated", cstr(seg.SegName[:]))
		}
		if err := binary.Read(bytes.NewReader(c.Raw[start:end]), binary.LittleEndian, &s); err != nil {
			return err
		}
		c.sections = append(c.sections, s)
	}
	return nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// removeExisting implements CHECK_EXISTING -> UPDATE: drop a prior SMOL
// segment (from a binary this tool has already packed once) and any
// LC_CODE_SIGNATURE — its data is invalidated by any segment mutation
// regardless of whether this run adds or replaces SMOL, so it is removed
// unconditionally. Both are dropped in this one pass, before addSegment
// inserts the new SMOL segment.
func removeExisting(cmds []*command) ([]*command, error) {
	out := make([]*command, 0, len(cmds))
	for _, c := range cmds {
		if c.seg != nil && cstr(c.seg.SegName[:]) == smolSegName {
			continue // drop prior SMOL segment command
		}
		if c.Cmd == lcCodeSignature {
			continue // dropped before ADD_NEW; SIGN stage re-adds it via codesign
		}
		out = append(out, c)
	}
	return out, nil
}

// addSegment implements ADD_NEW: build the new SMOL segment + section,
// insert its load command immediately before __LINKEDIT's, and insert its
// file data immediately before __LINKEDIT's file data — shifting
// __LINKEDIT (and any linkedit-relative offsets held by other commands)
// forward by the padded size of the new segment.
func addSegment(raw []byte, hdr header, cmds []*command, payload []byte) ([]byte, error) {
	linkeditIdx := -1
	for i, c := range cmds {
		if c.seg != nil && cstr(c.seg.SegName[:]) == linkeditName {
			linkeditIdx = i
			break
		}
	}
	if linkeditIdx == -1 {
		return nil, bperrors.Rewrite("macho", "add_new", "no __LINKEDIT segment present")
	}
	linkedit := cmds[linkeditIdx].seg
	oldLinkeditOff := linkedit.FileOff

	dataSize := uint64(len(payload))
	paddedSize := (dataSize + pageSize - 1) &^ (pageSize - 1)

	newSegOff := oldLinkeditOff
	newSegVAddr := linkedit.VMAddr // SMOL takes over LINKEDIT's old VM slot; LINKEDIT gets the next one

	seg := segmentCommand64{
		Cmd:      lcSegment64,
		VMAddr:   newSegVAddr,
		VMSize:   paddedSize,
		FileOff:  newSegOff,
		FileSize: paddedSize,
		MaxProt:  vmProtRead,
		InitProt: vmProtRead,
		NSects:   1,
	}
	copy(seg.SegName[:], smolSegName)

	sect := section64{
		Addr:   newSegVAddr,
		Size:   dataSize,
		Offset: uint32(newSegOff),
		Align:  2, // 2^2 = 4-byte alignment per §4.6
		Flags:  sectionAttrRegular,
	}
	copy(sect.SectName[:], pressedSectName)
	copy(sect.SegName[:], smolSegName)

	var segBuf bytes.Buffer
	binary.Write(&segBuf, binary.LittleEndian, seg)
	binary.Write(&segBuf, binary.LittleEndian, sect)
	newSegCmd := &command{Cmd: lcSegment64, CmdSize: uint32(segBuf.Len()), Raw: segBuf.Bytes(), seg: &seg, sections: []section64{sect}}
	// fix the cmdsize field embedded in Raw (segBuf was built before CmdSize was known)
	binary.LittleEndian.PutUint32(newSegCmd.Raw[4:], newSegCmd.CmdSize)

	delta := paddedSize
	linkedit.FileOff += delta
	linkedit.VMAddr += delta

	cmds = insertBefore(cmds, linkeditIdx, newSegCmd)
	linkeditIdx++ // shifted by the insert

	reserializeCommand(cmds[linkeditIdx])
	patchLinkeditPointers(cmds, oldLinkeditOff, delta)

	return assemble(raw, hdr, cmds, oldLinkeditOff, payload, paddedSize)
}

func insertBefore(cmds []*command, idx int, c *command) []*command {
	out := make([]*command, 0, len(cmds)+1)
	out = append(out, cmds[:idx]...)
	out = append(out, c)
	out = append(out, cmds[idx:]...)
	return out
}

// reserializeCommand re-encodes a segment command's Raw from its decoded
// seg/sections fields, used after mutating FileOff/VMAddr in place.
func reserializeCommand(c *command) {
	if c.seg == nil {
		return
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, *c.seg)
	for _, s := range c.sections {
		binary.Write(&buf, binary.LittleEndian, s)
	}
	c.Raw = buf.Bytes()
	c.CmdSize = uint32(buf.Len())
}

// patchLinkeditPointers fixes every other load command's absolute file
// offsets that pointed into the old __LINKEDIT range, now that it moved by
// delta. This covers the common linkedit-relative commands; anything not
// recognized is left untouched (conservatively: its data, if any, was part
// of __LINKEDIT and has already shifted with it on disk, but an
// unrecognized command referencing an old absolute offset would point to
// stale data — this package only special-cases the commands real Mach-O
// stubs are expected to carry per the teacher's own writer).
func patchLinkeditPointers(cmds []*command, oldLinkeditOff, delta uint64) {
	for _, c := range cmds {
		switch c.Cmd {
		case lcSymtab:
			patchU32Pair(c, 0, delta, oldLinkeditOff) // symoff @ raw[8:]
			patchU32Pair(c, 8, delta, oldLinkeditOff) // stroff @ raw[16:]
		case lcDysymtab:
			// TOCOff, ModTabOff, ExtRefSymOff, IndirectSymOff, ExtRelOff, LocRelOff
			for _, fieldOff := range []int{24, 32, 40, 48, 56, 64} {
				patchU32Pair(c, fieldOff, delta, oldLinkeditOff)
			}
		case lcFunctionStarts, lcDataInCode, lcDyldExportsTrie, lcDyldChainedFixups:
			patchU32Pair(c, 0, delta, oldLinkeditOff) // dataoff @ raw[8:]
		case lcDyldInfo, lcDyldInfoOnly:
			for _, fieldOff := range []int{0, 8, 16, 24, 32} {
				patchU32Pair(c, fieldOff, delta, oldLinkeditOff)
			}
		}
	}
}

// patchU32Pair adds delta to the little-endian uint32 at raw[8+fieldOff:]
// (the 8-byte cmd/cmdsize header precedes every command's own fields), but
// only if its current value looks like an offset into the shifted region.
func patchU32Pair(c *command, fieldOff int, delta, oldLinkeditOff uint64) {
	at := 8 + fieldOff
	if at+4 > len(c.Raw) {
		return
	}
	v := binary.LittleEndian.Uint32(c.Raw[at:])
	if v == 0 || uint64(v) < oldLinkeditOff {
		return
	}
	binary.LittleEndian.PutUint32(c.Raw[at:], v+uint32(delta))
}

// assemble re-serializes the header, the (possibly grown) command table,
// and the file body: everything before the old __LINKEDIT offset unchanged,
// then the new SMOL segment's payload bytes (page-padded), then the
// original __LINKEDIT bytes, which now start paddedSize bytes later than
// they did because SMOL's data displaces them forward.
func assemble(raw []byte, hdr header, cmds []*command, oldLinkeditOff uint64, payload []byte, paddedSize uint64) ([]byte, error) {
	var cmdBuf bytes.Buffer
	for _, c := range cmds {
		cmdBuf.Write(c.Raw)
	}
	oldCmdsEnd := headerSize + int(hdr.SizeOfCmds)
	if oldCmdsEnd > int(oldLinkeditOff) {
		oldCmdsEnd = int(oldLinkeditOff)
	}
	hdr.NCmds = uint32(len(cmds))
	hdr.SizeOfCmds = uint32(cmdBuf.Len())

	if uint64(headerSize+cmdBuf.Len()) > oldLinkeditOff {
		return nil, bperrors.Rewrite("macho", "add_new", "no header slack to grow the load command area without relocating segment data")
	}

	if int(oldLinkeditOff) > len(raw) {
		return nil, bperrors.Input("malformed __LINKEDIT offset")
	}

	var headerAndPad bytes.Buffer
	binary.Write(&headerAndPad, binary.LittleEndian, hdr)
	headerAndPad.Write(cmdBuf.Bytes())
	// everything after the new command table up to the old __LINKEDIT
	// offset (slack and other segments' file data) is copied from the stub
	// unchanged; only old command-table bytes that a shorter new table no
	// longer covers are zeroed
	from := headerAndPad.Len()
	if oldCmdsEnd > from {
		headerAndPad.Write(make([]byte, oldCmdsEnd-from))
		from = oldCmdsEnd
	}
	headerAndPad.Write(raw[from:oldLinkeditOff])

	smol := make([]byte, paddedSize)
	copy(smol, payload)

	tail := raw[oldLinkeditOff:] // original __LINKEDIT bytes, now displaced forward by SMOL

	final := make([]byte, 0, headerAndPad.Len()+len(smol)+len(tail))
	final = append(final, headerAndPad.Bytes()...)
	final = append(final, smol...)
	final = append(final, tail...)
	return final, nil
}

func fsyncAndVerify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return bperrors.IO(path, err, "reopening output for fsync")
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return bperrors.IO(path, syncErr, "fsyncing rewritten Mach-O")
	}
	if closeErr != nil {
		return bperrors.IO(path, closeErr, "closing rewritten Mach-O after fsync")
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return bperrors.Verify("Mach-O output %s missing or empty", path)
	}
	return nil
}
