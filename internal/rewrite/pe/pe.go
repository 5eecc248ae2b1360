// Package pe implements the PE rewriter of spec §4.7: append a new section
// named `.pressed` (`.pressed_data` cut to COFF's 8-byte section-name
// field; IMAGE_SCN_CNT_INITIALIZED_DATA | IMAGE_SCN_MEM_READ)
// carrying the framed payload, leaving every existing section, the DOS
// stub, and any trailing overlay/certificate-table bytes untouched.
//
// Struct layouts (DOSHeader/COFFHeader/OptionalHeader64/SectionHeader) are
// grounded on this repo's teacher's PE reader; the certificate-table and
// checksum handling and the section-table-slack constraint mirror the
// offset-patching helpers used for DOS-stub expansion in the pack's
// flavorpack reference. binpress only ever appends a new section strictly
// after all existing file content, so unlike that reference (which shifts
// every subsequent offset when it grows the DOS stub), this package never
// needs to patch PointerToRawData or the Certificate Table's absolute
// offset — it only needs to confirm the section-table area has enough
// unused padding to grow by one entry.
package pe

import (
	"bytes"
	"encoding/binary"
	"os"
	"strings"

	"github.com/xyproto/binpress/internal/bperrors"
)

const (
	dosLfanewOffset = 0x3C
	peSignature     = "PE\x00\x00"

	optMagicPE32Plus = 0x20b

	imageScnCntInitializedData = 0x00000040
	imageScnMemRead            = 0x40000000

	sectionHeaderSize = 40
)

type coffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// NormalizeExeSuffix appends ".exe" if path lacks one, case-insensitively,
// per §4.7's output-filename normalization rule.
func NormalizeExeSuffix(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".exe") {
		return path
	}
	return path + ".exe"
}

// Rewrite reads the PE stub at stubPath, appends a `.pressed` section
// carrying payload, and writes the result to outPath (which the caller is
// expected to have already passed through NormalizeExeSuffix).
func Rewrite(stubPath, outPath string, payload []byte) error {
	raw, err := os.ReadFile(stubPath)
	if err != nil {
		return bperrors.IO(stubPath, err, "reading PE stub")
	}

	out, err := addSection(raw, payload)
	if err != nil {
		return err
	}

	if werr := os.WriteFile(outPath, out, 0o755); werr != nil {
		return bperrors.IO(outPath, werr, "writing rewritten PE")
	}

	return fsyncAndVerify(outPath)
}

func peOffsets(raw []byte) (peOff, coffOff, optOff int, coff coffHeader, err error) {
	if len(raw) < dosLfanewOffset+4 || !bytes.Equal(raw[0:2], []byte("MZ")) {
		return 0, 0, 0, coffHeader{}, bperrors.Input("not a valid PE file (missing MZ signature)")
	}
	peOff = int(binary.LittleEndian.Uint32(raw[dosLfanewOffset:]))
	if peOff+4 > len(raw) || !bytes.Equal(raw[peOff:peOff+4], []byte(peSignature)) {
		return 0, 0, 0, coffHeader{}, bperrors.Input("missing PE signature at e_lfanew")
	}
	coffOff = peOff + 4
	if coffOff+20 > len(raw) {
		return 0, 0, 0, coffHeader{}, bperrors.Input("truncated COFF header")
	}
	if err := binary.Read(bytes.NewReader(raw[coffOff:coffOff+20]), binary.LittleEndian, &coff); err != nil {
		return 0, 0, 0, coffHeader{}, err
	}
	optOff = coffOff + 20
	return peOff, coffOff, optOff, coff, nil
}

func addSection(raw []byte, payload []byte) ([]byte, error) {
	_, _, optOff, coff, err := peOffsets(raw)
	if err != nil {
		return nil, bperrors.Rewrite("pe", "parse", "%v", err)
	}
	if optOff+int(coff.SizeOfOptionalHeader) > len(raw) {
		return nil, bperrors.Rewrite("pe", "parse", "optional header out of bounds")
	}

	magic := binary.LittleEndian.Uint16(raw[optOff:])
	if magic != optMagicPE32Plus {
		return nil, bperrors.Rewrite("pe", "parse", "only PE32+ (64-bit) stubs are supported")
	}

	sectionAlignment := binary.LittleEndian.Uint32(raw[optOff+32:])
	fileAlignment := binary.LittleEndian.Uint32(raw[optOff+36:])
	sizeOfImageOff := optOff + 56
	sizeOfImage := binary.LittleEndian.Uint32(raw[sizeOfImageOff:])
	checksumOff := optOff + 64

	sectionTableOff := optOff + int(coff.SizeOfOptionalHeader)
	numSections := int(coff.NumberOfSections)
	if sectionTableOff+numSections*sectionHeaderSize > len(raw) {
		return nil, bperrors.Rewrite("pe", "parse", "section table out of bounds")
	}

	sections := make([]sectionHeader, numSections)
	for i := 0; i < numSections; i++ {
		off := sectionTableOff + i*sectionHeaderSize
		if err := binary.Read(bytes.NewReader(raw[off:off+sectionHeaderSize]), binary.LittleEndian, &sections[i]); err != nil {
			return nil, bperrors.Rewrite("pe", "parse", "%v", err)
		}
	}

	newTableEnd := sectionTableOff + (numSections+1)*sectionHeaderSize
	firstRawData := firstSectionRawDataOffset(sections)
	if firstRawData != 0 && newTableEnd > firstRawData {
		return nil, bperrors.Rewrite("pe", "add_new", "no section table slack to add a new entry without relocating section data")
	}

	lastVAEnd := uint32(0)
	for _, s := range sections {
		end := alignUp(s.VirtualAddress+s.VirtualSize, sectionAlignment)
		if end > lastVAEnd {
			lastVAEnd = end
		}
	}
	if lastVAEnd == 0 {
		lastVAEnd = sectionAlignment
	}

	fileEnd := uint32(len(raw))
	rawDataOff := alignUp(fileEnd, fileAlignment)
	rawDataSize := alignUp(uint32(len(payload)), fileAlignment)

	var newSec sectionHeader
	copy(newSec.Name[:], ".pressed") // COFF section names are 8 bytes; longer names are silently truncated by convention
	newSec.VirtualSize = uint32(len(payload))
	newSec.VirtualAddress = lastVAEnd
	newSec.SizeOfRawData = rawDataSize
	newSec.PointerToRawData = rawDataOff
	newSec.Characteristics = imageScnCntInitializedData | imageScnMemRead

	sections = append(sections, newSec)
	coff.NumberOfSections = uint16(len(sections))

	newSizeOfImage := alignUp(newSec.VirtualAddress+newSec.VirtualSize, sectionAlignment)
	if newSizeOfImage < sizeOfImage {
		newSizeOfImage = sizeOfImage
	}

	// Rebuild the header region up to the (grown) section table: copy it
	// unchanged, then patch NumberOfSections/SizeOfImage/Checksum in place.
	header := append([]byte(nil), raw[:sectionTableOff]...)
	binary.LittleEndian.PutUint16(header[coffOffsetOf(raw)+2:], coff.NumberOfSections)
	binary.LittleEndian.PutUint32(header[sizeOfImageOff:], newSizeOfImage)
	binary.LittleEndian.PutUint32(header[checksumOff:], 0) // checksum not validated for executables

	var out bytes.Buffer
	out.Write(header)
	for _, s := range sections {
		binary.Write(&out, binary.LittleEndian, s)
	}
	// pad out to the original first section's raw data offset (or, if we
	// just created the very first section, to rawDataOff) so nothing
	// between the grown section table and existing section data moves.
	headerPadTo := firstRawData
	if headerPadTo == 0 {
		headerPadTo = int(rawDataOff)
	}
	if out.Len() < headerPadTo {
		out.Write(make([]byte, headerPadTo-out.Len()))
	}

	out.Write(raw[headerPadTo:]) // all original section data, overlay, and certificate table, unmoved

	if uint32(out.Len()) < rawDataOff {
		out.Write(make([]byte, rawDataOff-uint32(out.Len())))
	}
	padded := make([]byte, rawDataSize)
	copy(padded, payload)
	out.Write(padded)

	return out.Bytes(), nil
}

func firstSectionRawDataOffset(sections []sectionHeader) int {
	best := 0
	for _, s := range sections {
		if s.PointerToRawData == 0 {
			continue
		}
		if best == 0 || int(s.PointerToRawData) < best {
			best = int(s.PointerToRawData)
		}
	}
	return best
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func coffOffsetOf(raw []byte) int {
	peOff := int(binary.LittleEndian.Uint32(raw[dosLfanewOffset:]))
	return peOff + 4
}

func fsyncAndVerify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return bperrors.IO(path, err, "reopening output for fsync")
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return bperrors.IO(path, syncErr, "fsyncing rewritten PE")
	}
	if closeErr != nil {
		return bperrors.IO(path, closeErr, "closing rewritten PE after fsync")
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return bperrors.Verify("PE output %s missing or empty", path)
	}
	return nil
}
