package bperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessagesPerKind(t *testing.T) {
	require.Equal(t, "RewriteError: elf/embed_note: no free slot", Rewrite("elf", "embed_note", "no free slot").Error())

	ioErr := IO("/tmp/out", errors.New("permission denied"), "writing output")
	require.Equal(t, "IoError: /tmp/out: writing output: permission denied", ioErr.Error())

	compErr := Compress(errors.New("short write"), "compressing with %s", "lzma")
	require.Equal(t, "CompressError: compressing with lzma: short write", compErr.Error())

	require.Equal(t, "ArgError: at least one of -o, -d, or -u must be given", Arg("at least one of -o, -d, or -u must be given").Error())
}

func TestUnwrapPrefersUnderlyingThenErrno(t *testing.T) {
	underlying := errors.New("boom")
	c := Compress(underlying, "failed")
	require.Equal(t, underlying, errors.Unwrap(c))

	errno := errors.New("ENOSPC")
	io := IO("/tmp/x", errno, "writing")
	require.Equal(t, errno, errors.Unwrap(io))
}

func TestAsAndKindOfRoundTripThroughWrap(t *testing.T) {
	original := StubUnavailable("no stub compiled in for target %s", "darwin-arm64")
	wrapped := Wrap(original, "selecting stub")

	got, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, KindStubUnavailable, got.Kind)
	require.Equal(t, KindStubUnavailable, KindOf(wrapped))
}

func TestKindOfReturnsEmptyForForeignErrors(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("not ours")))
}

func TestWrapOnNilReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(nil, "message"))
}

func TestSipProtectedCarriesPath(t *testing.T) {
	err := SipProtected("/usr/bin/protected")
	be, ok := As(err)
	require.True(t, ok)
	require.Equal(t, "/usr/bin/protected", be.Path)
	require.Equal(t, KindSipProtected, be.Kind)
}
