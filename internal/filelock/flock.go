package filelock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func flockOp(mode Mode) (int, error) {
	switch mode {
	case Shared:
		return unix.LOCK_SH, nil
	case Exclusive:
		return unix.LOCK_EX, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}
}

// LockFile blocks until f holds a flock in the given mode.
func LockFile(f *os.File, mode Mode) error {
	op, err := flockOp(mode)
	if err != nil {
		return err
	}
	for {
		err := unix.Flock(int(f.Fd()), op)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("flock: %w", err)
		}
		return nil
	}
}

// TryLockFile attempts a non-blocking flock. It returns false with a nil
// error when another open file description holds a conflicting lock.
func TryLockFile(f *os.File, mode Mode) (bool, error) {
	op, err := flockOp(mode)
	if err != nil {
		return false, err
	}
	for {
		err := unix.Flock(int(f.Fd()), op|unix.LOCK_NB)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EWOULDBLOCK):
			return false, nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return false, fmt.Errorf("flock: %w", err)
		}
	}
}

// UnlockFile drops any flock held through f.
func UnlockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("funlock: %w", err)
	}
	return nil
}
