// Package atomicio implements the atomic file I/O and directory
// scaffolding of spec §4.9: durable writes (create-or-truncate, EINTR-safe
// write loop, fsync before close, unlink-on-error), idempotent recursive
// mkdir, and a close-on-exec temp-file primitive for stub working copies.
package atomicio

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/xyproto/binpress/internal/bperrors"
	"github.com/xyproto/binpress/internal/config"
)

// MkdirAllIdempotent creates dir and all missing parents, succeeding
// silently if dir already exists (§4.9: "mkdir -p semantics, idempotent").
func MkdirAllIdempotent(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bperrors.IO(dir, err, "creating parent directories")
	}
	return nil
}

// WriteFileAtomic writes data to path with create-or-truncate semantics
// (an existing file is overwritten), syncs the descriptor before close, and unlinks any partial
// file on error. perm is applied via os.Chmod after the write (so the file
// is never briefly world-executable before its contents are complete).
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	if err := MkdirAllIdempotent(filepath.Dir(path)); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return bperrors.IO(path, err, "opening output for atomic write")
	}

	fail := func(cause error, message string) error {
		f.Close()
		os.Remove(path)
		return bperrors.IO(path, cause, message)
	}

	if werr := writeAllEINTRSafe(f, data); werr != nil {
		return fail(werr, "writing output contents")
	}
	if serr := f.Sync(); serr != nil {
		return fail(serr, "fsyncing output file")
	}
	if cerr := f.Close(); cerr != nil {
		return fail(cerr, "closing output file")
	}
	if perm != 0 {
		if cherr := os.Chmod(path, perm); cherr != nil {
			os.Remove(path)
			return bperrors.IO(path, cherr, "setting output file permissions")
		}
	}
	return nil
}

func writeAllEINTRSafe(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if isEINTR(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// TempFile creates a uniquely named file under dir, named with the
// "binpress_stub_" prefix of §6.4 followed by a random UUID and opened with
// O_EXCL, writes data, fsyncs, and returns its path. os.OpenFile already
// opens with close-on-exec on unix; SetCloseOnExec below sets the flag
// explicitly as well.
func TempFile(dir string, data []byte) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := MkdirAllIdempotent(dir); err != nil {
		return "", err
	}

	name := config.TempFilePrefix + uuid.NewString()
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o700)
	if err != nil {
		return "", bperrors.IO(path, err, "creating temp stub file")
	}
	defer f.Close()

	SetCloseOnExec(f)

	if err := writeAllEINTRSafe(f, data); err != nil {
		os.Remove(path)
		return "", bperrors.IO(path, err, "writing temp stub contents")
	}
	if err := f.Sync(); err != nil {
		os.Remove(path)
		return "", bperrors.IO(path, err, "fsyncing temp stub")
	}
	return path, nil
}

// CleanupTempStub unlinks path, succeeding (idempotently) if it is already
// gone.
func CleanupTempStub(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return bperrors.IO(path, err, "removing temp stub")
	}
	return nil
}
