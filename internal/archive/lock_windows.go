//go:build windows

package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/windows"
)

// probeLock fails with ErrLocked when path cannot be opened because another
// process holds it. A missing file is not locked.
func probeLock(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if isLockErrno(err) {
			return fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return err
	}
	return f.Close()
}

func isLockErrno(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) || errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
