package directory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockFileName is the advisory lock file inside a configuration directory.
const LockFileName = ".lock"

// ErrLocked is returned when another process owns the directory.
var ErrLocked = errors.New("configuration directory is locked by another process")

// Lock is an exclusive advisory lock on a configuration directory.
type Lock struct {
	file *os.File
}

// AcquireLock takes the writer lock of the directory at root without
// blocking.
func AcquireLock(root string) (*Lock, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create configuration directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(root, LockFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking %s: %w", root, err)
	}
	return &Lock{file: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer func() { l.file = nil }()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("unlocking: %w", err)
	}
	return l.file.Close()
}
