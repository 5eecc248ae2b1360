package stubreg

import (
	"os"

	"github.com/xyproto/binpress/internal/bperrors"
)

func chmodExecutable(path string) error {
	if err := os.Chmod(path, 0o755); err != nil {
		return bperrors.IO(path, err, "setting temp stub executable permission")
	}
	return nil
}
