//go:build windows

package atomicio

import "os"

func isEINTR(err error) bool {
	// Windows has no EINTR equivalent for file I/O.
	return false
}

// SetCloseOnExec is a no-op on Windows: child processes don't inherit
// handles unless explicitly marked inheritable, which os.OpenFile never
// does for files it creates.
func SetCloseOnExec(f *os.File) {}
