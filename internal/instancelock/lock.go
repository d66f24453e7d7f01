// Package instancelock keeps a second agent from syncing the same store.
package instancelock

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("another agent is already running for this store")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Path returns the lock file path for store under dir.
func Path(dir, store string) string {
	name := unsafeChars.ReplaceAllString(strings.TrimSpace(store), "_")
	if name == "" {
		name = "default"
	}
	return filepath.Join(dir, "storesync-"+name+".lock")
}

// Lock is an acquired instance lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the lock for store without blocking.
func Acquire(dir, store string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating lock directory %s", dir)
	}
	path := Path(dir, store)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening lock file %s", path)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

func (l *Lock) Path() string { return l.path }

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unlockFile(l.file)
	err := l.file.Close()
	l.file = nil
	return err
}
