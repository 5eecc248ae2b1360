package stubreg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xyproto/binpress/internal/target"
)

func elfInput(t *testing.T) string {
	t.Helper()
	// A 64-byte ELF64 header is enough for binfmt.Detect to classify the
	// format and architecture; no PT_INTERP means libc resolves to none.
	raw := make([]byte, 64)
	copy(raw, "\x7fELF")
	raw[4] = 2 // ELFCLASS64
	raw[5] = 1 // little-endian
	raw[18] = 62 // EM_X86_64, low byte of e_machine
	path := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestSelectWithExplicitTripleSkipsDetection(t *testing.T) {
	reg := NewRegistry()
	reg.Put(target.PlatformLinux, target.ArchX64, target.LibcGlibc, []byte("stub bytes"))

	stub, err := reg.Select(SelectOptions{InputPath: "/does/not/exist", Target: "linux-x64-glibc"})
	require.NoError(t, err)
	require.Equal(t, []byte("stub bytes"), stub.Bytes)
}

func TestSelectRejectsInvalidTriple(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Select(SelectOptions{Target: "not-a-triple-at-all-extra"})
	require.Error(t, err)
}

func TestSelectFallsBackToDetectionWhenUnset(t *testing.T) {
	reg := NewRegistry()
	reg.Put(target.PlatformLinux, target.ArchX64, target.LibcNone, []byte("detected stub"))

	stub, err := reg.Select(SelectOptions{InputPath: elfInput(t)})
	require.NoError(t, err)
	require.Equal(t, []byte("detected stub"), stub.Bytes)
	require.Equal(t, target.PlatformLinux, stub.Platform)
}

func TestSelectOverridesLayerOnTopOfDetection(t *testing.T) {
	reg := NewRegistry()
	reg.Put(target.PlatformWin32, target.ArchX64, target.LibcNone, []byte("win stub"))

	stub, err := reg.Select(SelectOptions{InputPath: elfInput(t), PlatformOverride: "windows"})
	require.NoError(t, err)
	require.Equal(t, target.PlatformWin32, stub.Platform)
	require.Equal(t, []byte("win stub"), stub.Bytes)
}

func TestSelectReturnsStubUnavailableForEmptySlot(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Select(SelectOptions{Target: "linux-arm64-musl"})
	require.Error(t, err)
}

func TestWriteAndCleanupTempStub(t *testing.T) {
	s := Stub{Platform: target.PlatformLinux, Arch: target.ArchX64, Libc: target.LibcGlibc, Bytes: []byte("stub payload")}

	path, err := WriteTempStub(s)
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, s.Bytes, data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0o100, "temp stub must be executable")

	require.NoError(t, CleanupTempStub(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
