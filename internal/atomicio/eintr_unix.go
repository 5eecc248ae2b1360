//go:build unix

package atomicio

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

// SetCloseOnExec asserts FD_CLOEXEC on f's descriptor. os.OpenFile already
// sets it via O_CLOEXEC on every unix Go supports; this is a belt-and-braces
// assertion rather than a re-derivation, matching §4.9's explicit
// close-on-exec requirement for temp stub handles.
func SetCloseOnExec(f *os.File) {
	unix.CloseOnExec(int(f.Fd()))
}
