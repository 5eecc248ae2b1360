package target

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTripleFull(t *testing.T) {
	d, err := ParseTriple("linux-x64-musl")
	require.NoError(t, err)
	require.Equal(t, Descriptor{Platform: PlatformLinux, Arch: ArchX64, Libc: LibcMusl}, d)
}

func TestParseTripleDefaultsLibcNoneOffLinux(t *testing.T) {
	d, err := ParseTriple("darwin-arm64")
	require.NoError(t, err)
	require.Equal(t, LibcNone, d.Libc)
}

func TestParseTripleLeavesLibcUnsetOnLinuxWithoutExplicitValue(t *testing.T) {
	d, err := ParseTriple("linux-x64")
	require.NoError(t, err)
	require.Equal(t, LibcUnset, d.Libc)
}

func TestParseTripleRejectsMalformed(t *testing.T) {
	_, err := ParseTriple("onlyplatform")
	require.Error(t, err)

	_, err = ParseTriple("a-b-c-d")
	require.Error(t, err)
}

func TestParsePlatformAliases(t *testing.T) {
	p, err := ParsePlatform("macos")
	require.NoError(t, err)
	require.Equal(t, PlatformDarwin, p)

	p, err = ParsePlatform("win")
	require.NoError(t, err)
	require.Equal(t, PlatformWin32, p)

	_, err = ParsePlatform("amiga")
	require.Error(t, err)
}

func TestParseArchAliases(t *testing.T) {
	a, err := ParseArch("amd64")
	require.NoError(t, err)
	require.Equal(t, ArchX64, a)

	a, err = ParseArch("aarch64")
	require.NoError(t, err)
	require.Equal(t, ArchARM64, a)
}

func TestResolveLibcDefault(t *testing.T) {
	linux := Descriptor{Platform: PlatformLinux, Arch: ArchX64, Libc: LibcUnset}
	require.Equal(t, LibcUnset, linux.ResolveLibcDefault().Libc, "linux libc stays unresolved for the caller to auto-detect")

	win := Descriptor{Platform: PlatformWin32, Arch: ArchX64, Libc: LibcUnset}
	require.Equal(t, LibcNone, win.ResolveLibcDefault().Libc)
}

func TestDescriptorString(t *testing.T) {
	d := Descriptor{Platform: PlatformLinux, Arch: ArchX64, Libc: LibcGlibc}
	require.Equal(t, "linux-x64-glibc", d.String())

	d2 := Descriptor{Platform: PlatformDarwin, Arch: ArchARM64, Libc: LibcNone}
	require.Equal(t, "darwin-arm64", d2.String())
}
