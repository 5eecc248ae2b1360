package embed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xyproto/binpress/internal/compress"
	"github.com/xyproto/binpress/internal/payload"
	"github.com/xyproto/binpress/internal/stubreg"
	"github.com/xyproto/binpress/internal/target"
)

func writeInput(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRunRequiresAnOutputMode(t *testing.T) {
	opts := Options{InputPath: writeInput(t, []byte("x")), Algorithm: compress.LZFSE}
	err := Run(stubreg.NewRegistry(), opts)
	require.Error(t, err)
}

func TestRunDataOnlyModeWritesFramedPayload(t *testing.T) {
	input := []byte("a binary's worth of bytes, not really")
	dataOut := filepath.Join(t.TempDir(), "out.data")

	opts := Options{
		InputPath:      writeInput(t, input),
		DataOutputPath: dataOut,
		Algorithm:      compress.LZFSE,
	}
	require.NoError(t, Run(stubreg.NewRegistry(), opts))

	raw, err := os.ReadFile(dataOut)
	require.NoError(t, err)

	got, err := payload.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(len(input)), got.UncompressedSize)
	require.Equal(t, target.PlatformUnset, got.Platform)

	out, err := compress.Decompress(compress.LZFSE, got.Compressed, len(input))
	require.NoError(t, err)
	require.Equal(t, input, out)
}

func TestRunRejectsOversizedInput(t *testing.T) {
	t.Setenv("BINPRESS_MAX_UNCOMPRESSED", "4")
	opts := Options{
		InputPath:      writeInput(t, []byte("this is definitely more than four bytes")),
		DataOutputPath: filepath.Join(t.TempDir(), "out.data"),
		Algorithm:      compress.LZFSE,
	}
	err := Run(stubreg.NewRegistry(), opts)
	require.Error(t, err)
}

func TestRunSelfExtractingModeFailsWithoutCompiledStub(t *testing.T) {
	opts := Options{
		InputPath:     writeInput(t, []byte("payload")),
		ExeOutputPath: filepath.Join(t.TempDir(), "out"),
		Algorithm:     compress.LZFSE,
		Target:        "linux-x64-glibc",
	}
	// The registry ships every slot empty per this module's scope (§1).
	err := Run(stubreg.NewRegistry(), opts)
	require.Error(t, err)
}

func TestRunUpdateInPlaceRejectsUnknownFormat(t *testing.T) {
	updatePath := filepath.Join(t.TempDir(), "stub")
	require.NoError(t, os.WriteFile(updatePath, []byte("not a recognized binary format"), 0o755))

	opts := Options{
		InputPath:  writeInput(t, []byte("payload")),
		UpdatePath: updatePath,
		Algorithm:  compress.LZFSE,
	}
	err := Run(stubreg.NewRegistry(), opts)
	require.Error(t, err)
}
