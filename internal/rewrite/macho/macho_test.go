package macho

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMachOStub produces a minimal 64-bit Mach-O: a header, an optional
// prior SMOL segment, and a trailing __LINKEDIT segment whose file data sits
// at a page-aligned offset, leaving slack for the load command table to grow
// without relocating __LINKEDIT's data.
func buildMachOStub(t *testing.T, withPriorSmol bool, linkeditData []byte) []byte {
	t.Helper()
	const linkeditOff = 0x1000

	var cmds []command

	if withPriorSmol {
		seg := segmentCommand64{Cmd: lcSegment64, VMAddr: 0x500, FileOff: 0x500, FileSize: 16, MaxProt: vmProtRead, InitProt: vmProtRead, NSects: 0}
		copy(seg.SegName[:], smolSegName)
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, seg)
		c := command{Cmd: lcSegment64, Raw: buf.Bytes()}
		c.CmdSize = uint32(len(c.Raw))
		binary.LittleEndian.PutUint32(c.Raw[4:], c.CmdSize)
		cmds = append(cmds, c)
	}

	linkedit := segmentCommand64{
		Cmd: lcSegment64, VMAddr: 0x100000000, VMSize: uint64(len(linkeditData)),
		FileOff: linkeditOff, FileSize: uint64(len(linkeditData)),
		MaxProt: vmProtRead, InitProt: vmProtRead, NSects: 0,
	}
	copy(linkedit.SegName[:], linkeditName)
	var lbuf bytes.Buffer
	binary.Write(&lbuf, binary.LittleEndian, linkedit)
	lc := command{Cmd: lcSegment64, Raw: lbuf.Bytes()}
	lc.CmdSize = uint32(len(lc.Raw))
	binary.LittleEndian.PutUint32(lc.Raw[4:], lc.CmdSize)
	cmds = append(cmds, lc)

	var cmdBuf bytes.Buffer
	for _, c := range cmds {
		cmdBuf.Write(c.Raw)
	}

	hdr := header{Magic: magic64, CPUType: 0x01000007, FileType: 2, NCmds: uint32(len(cmds)), SizeOfCmds: uint32(cmdBuf.Len())}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(cmdBuf.Bytes())
	out.Write(make([]byte, linkeditOff-out.Len()))
	out.Write(linkeditData)
	return out.Bytes()
}

func writeStub(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stub")
	require.NoError(t, os.WriteFile(path, data, 0o755))
	return path
}

func TestRewriteInsertsSmolSegmentBeforeLinkedit(t *testing.T) {
	linkeditData := bytes.Repeat([]byte{0x7A}, 32)
	stubPath := writeStub(t, buildMachOStub(t, false, linkeditData))
	outPath := filepath.Join(filepath.Dir(stubPath), "out")

	payload := bytes.Repeat([]byte{0x5A}, 100)
	require.NoError(t, Rewrite(stubPath, outPath, payload))

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)

	hdr, cmds, err := parse(out)
	require.NoError(t, err)
	require.EqualValues(t, 2, hdr.NCmds, "SMOL segment must have been inserted alongside __LINKEDIT")

	var smol, linkedit *segmentCommand64
	var smolIdx, linkeditIdx int
	for i, c := range cmds {
		if c.seg == nil {
			continue
		}
		switch cstr(c.seg.SegName[:]) {
		case smolSegName:
			smol, smolIdx = c.seg, i
		case linkeditName:
			linkedit, linkeditIdx = c.seg, i
		}
	}
	require.NotNil(t, smol)
	require.NotNil(t, linkedit)
	require.Less(t, smolIdx, linkeditIdx, "SMOL must precede __LINKEDIT in the load command table")

	require.Equal(t, smol.FileOff+smol.FileSize <= linkedit.FileOff, true, "SMOL's padded region must not overlap __LINKEDIT's new offset")

	got := out[linkedit.FileOff : linkedit.FileOff+linkedit.FileSize]
	require.Equal(t, linkeditData, got, "__LINKEDIT's original bytes must survive the shift untouched")

	embeddedPayload := out[smol.FileOff : smol.FileOff+uint64(len(payload))]
	require.Equal(t, payload, embeddedPayload)
}

func TestRewriteReplacesExistingSmolSegment(t *testing.T) {
	linkeditData := bytes.Repeat([]byte{0x11}, 16)
	stubPath := writeStub(t, buildMachOStub(t, true, linkeditData))
	outPath := filepath.Join(filepath.Dir(stubPath), "out")

	require.NoError(t, Rewrite(stubPath, outPath, []byte("fresh payload")))

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	_, cmds, err := parse(out)
	require.NoError(t, err)

	smolCount := 0
	for _, c := range cmds {
		if c.seg != nil && cstr(c.seg.SegName[:]) == smolSegName {
			smolCount++
		}
	}
	require.Equal(t, 1, smolCount, "re-running Rewrite must replace, not duplicate, the SMOL segment")
}

func TestRewriteRejectsSIPPath(t *testing.T) {
	stubPath := writeStub(t, buildMachOStub(t, false, []byte("x")))
	err := Rewrite(stubPath, "/usr/bin/whatever", []byte("payload"))
	require.Error(t, err)
}

func TestRewriteRejectsMissingLinkedit(t *testing.T) {
	hdr := header{Magic: magic64, CPUType: 0x01000007, FileType: 2, NCmds: 0, SizeOfCmds: 0}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	stubPath := writeStub(t, buf.Bytes())

	err := Rewrite(stubPath, filepath.Join(filepath.Dir(stubPath), "out"), []byte("x"))
	require.Error(t, err)
}

func TestRewriteRejectsBadMagic(t *testing.T) {
	stubPath := writeStub(t, bytes.Repeat([]byte{0}, 64))
	err := Rewrite(stubPath, filepath.Join(filepath.Dir(stubPath), "out"), []byte("x"))
	require.Error(t, err)
}
