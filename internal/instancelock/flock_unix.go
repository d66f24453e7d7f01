//go:build unix

package instancelock

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func lockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return errors.Wrap(ErrHeld, f.Name())
		}
		return errors.Wrapf(err, "locking %s", f.Name())
	}
	return nil
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
