// Package embed implements the Embedder Driver of spec §4.8: the single
// entry point that selects a stub, compresses the input, frames the
// payload, and dispatches the platform-specific rewriter (or writes a
// raw .data file for the data-only mode).
//
// This is the component everything else in this module was built to
// serve; its state machine is kept as a literal sequence of named steps,
// the way the teacher's own top-level driver functions (cli.go/main.go)
// read top-to-bottom rather than hiding control flow behind indirection.
package embed

import (
	"fmt"
	"os"

	"github.com/xyproto/binpress/internal/atomicio"
	"github.com/xyproto/binpress/internal/bperrors"
	"github.com/xyproto/binpress/internal/binfmt"
	"github.com/xyproto/binpress/internal/compress"
	"github.com/xyproto/binpress/internal/config"
	"github.com/xyproto/binpress/internal/payload"
	"github.com/xyproto/binpress/internal/rewrite/elfrw"
	"github.com/xyproto/binpress/internal/rewrite/macho"
	"github.com/xyproto/binpress/internal/rewrite/pe"
	"github.com/xyproto/binpress/internal/stubreg"
	"github.com/xyproto/binpress/internal/target"
	"github.com/xyproto/binpress/internal/xlog"
)

var log = xlog.New("smol:embed")

// Options mirrors the resolved CLI configuration §4.8 names as the
// orchestrator's single entry-point argument.
type Options struct {
	InputPath string

	DataOutputPath string // set => produce a raw .data file (§4.8 mode 1)
	ExeOutputPath  string // set => produce a self-extracting executable (§4.8 mode 2)
	UpdatePath     string // `-u`: an existing stub/executable to re-embed into; overwritten in place unless ExeOutputPath is also set

	Algorithm algorithmName

	Target           string
	PlatformOverride string
	ArchOverride     string
	LibcOverride     string
}

type algorithmName = compress.Algorithm

// Run executes READ_INPUT -> SIZE_CHECK -> COMPRESS first, then writes the
// data-only output if requested, then (for -o without -u) SELECT_STUB ->
// FRAME -> WRITE_TEMP_STUB -> DISPATCH_REWRITER -> CLEANUP_TEMP -> SUCCESS.
// Stub selection therefore happens after the input is read and compressed,
// and after any -d file is written. Both output modes may run in one call.
func Run(reg *stubreg.Registry, opts Options) error {
	if opts.DataOutputPath == "" && opts.ExeOutputPath == "" && opts.UpdatePath == "" {
		return bperrors.Arg("at least one of -o, -d, or -u must be given")
	}

	input, err := readInput(opts.InputPath) // READ_INPUT + SIZE_CHECK
	if err != nil {
		return err
	}

	compressed, err := compress.Compress(opts.Algorithm, input) // COMPRESS
	if err != nil {
		return err
	}
	log.Debug(fmt.Sprintf("compressed %d bytes to %d bytes with %s", len(input), len(compressed), opts.Algorithm))

	if opts.DataOutputPath != "" {
		if err := writeDataOnly(opts, input, compressed); err != nil {
			return err
		}
	}

	switch {
	case opts.UpdatePath != "":
		// -u designates its own rewrite source; it takes precedence over a
		// freshly-selected stub even when -o is also given (§6.2: -o then
		// just redirects where the updated file lands).
		if err := writeUpdateInPlace(opts, input, compressed); err != nil {
			return err
		}
	case opts.ExeOutputPath != "":
		if err := writeSelfExtracting(reg, opts, input, compressed); err != nil {
			return err
		}
	}

	return nil
}

func readInput(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, bperrors.IO(path, err, "statting input")
	}
	if info.Size() > config.MaxUncompressed() {
		return nil, bperrors.Input("input %s is %d bytes, exceeding the %d byte ceiling", path, info.Size(), config.MaxUncompressed())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bperrors.IO(path, err, "reading input")
	}
	return data, nil
}

// writeDataOnly implements §4.8 mode 1: the framed payload written
// directly to a file, skipping stub selection and rewriting entirely.
// Its platform, arch and libc bytes are all written as the unset value
// (0xFF), since no stub-resolution or detection step runs on this path.
func writeDataOnly(opts Options, input, compressed []byte) error {
	framed := payload.Build(compressed, uint64(len(input)), target.PlatformUnset, target.ArchUnset, target.LibcUnset, opts.Algorithm.String(), nil)
	return atomicio.WriteFileAtomic(opts.DataOutputPath, framed, 0o644)
}

// writeSelfExtracting implements §4.8 mode 2, the full SELECT_STUB through
// CLEANUP_TEMP pipeline for one rewriter dispatch.
func writeSelfExtracting(reg *stubreg.Registry, opts Options, input, compressed []byte) (err error) {
	stub, err := reg.Select(stubreg.SelectOptions{ // SELECT_STUB
		InputPath:        opts.InputPath,
		Target:           opts.Target,
		PlatformOverride: opts.PlatformOverride,
		ArchOverride:     opts.ArchOverride,
		LibcOverride:     opts.LibcOverride,
	})
	if err != nil {
		return err
	}

	framed := payload.Build(compressed, uint64(len(input)), stub.Platform, stub.Arch, stub.Libc, opts.Algorithm.String(), nil) // FRAME

	tempPath, err := stubreg.WriteTempStub(stub) // WRITE_TEMP_STUB
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stubreg.CleanupTempStub(tempPath); cerr != nil && err == nil {
			err = cerr
		}
	}() // CLEANUP_TEMP, including on error paths

	outPath := opts.ExeOutputPath
	// DISPATCH_REWRITER(platform of stub) — cross-targeting (§4.8) is
	// decided here, purely from the stub's own platform.
	switch stub.Platform {
	case target.PlatformLinux:
		return elfrw.Rewrite(tempPath, outPath, framed)
	case target.PlatformDarwin:
		return macho.Rewrite(tempPath, outPath, framed)
	case target.PlatformWin32:
		return pe.Rewrite(tempPath, pe.NormalizeExeSuffix(outPath), framed)
	default:
		return bperrors.StubUnavailable("resolved stub has no known platform for dispatch")
	}
}

// writeUpdateInPlace implements §6.2's `-u` mode: re-embed into an existing
// stub/executable rather than a freshly selected one. Unlike
// writeSelfExtracting, there is no stub registry lookup or temp-file copy —
// opts.UpdatePath is read, detected, rewritten, and (absent an explicit -o)
// overwritten in place.
func writeUpdateInPlace(opts Options, input, compressed []byte) error {
	det, err := binfmt.Detect(opts.UpdatePath)
	if err != nil {
		return err
	}

	var platform target.Platform
	switch det.Format {
	case binfmt.FormatELF64:
		platform = target.PlatformLinux
	case binfmt.FormatMachO64:
		platform = target.PlatformDarwin
	case binfmt.FormatPE32Plus:
		platform = target.PlatformWin32
	default:
		return bperrors.Input("%s: format %s cannot be updated in place", opts.UpdatePath, det.Format)
	}

	framed := payload.Build(compressed, uint64(len(input)), platform, det.Arch, det.Libc, opts.Algorithm.String(), nil)

	outPath := opts.UpdatePath
	if opts.ExeOutputPath != "" {
		outPath = opts.ExeOutputPath
	}

	switch platform {
	case target.PlatformLinux:
		return elfrw.Rewrite(opts.UpdatePath, outPath, framed)
	case target.PlatformDarwin:
		return macho.Rewrite(opts.UpdatePath, outPath, framed)
	case target.PlatformWin32:
		return pe.Rewrite(opts.UpdatePath, pe.NormalizeExeSuffix(outPath), framed)
	default:
		return bperrors.StubUnavailable("detected update target has no known platform for dispatch")
	}
}
