//go:build unix

package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// probeLock fails with ErrLocked when another process holds an exclusive
// flock on path. A missing file is not locked.
func probeLock(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if isLockErrno(err) {
			return fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return err
	}
	return unix.Flock(fd, unix.LOCK_UN)
}

func isLockErrno(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}
