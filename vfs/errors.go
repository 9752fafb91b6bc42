package vfs

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrIO          = fmt.Errorf("vfs: i/o error: %w", syscall.EIO)
	ErrNotFound    = fmt.Errorf("vfs: not found: %w", syscall.ENOENT)
	ErrExist       = fmt.Errorf("vfs: already exists: %w", syscall.EEXIST)
	ErrInvalid     = fmt.Errorf("vfs: invalid argument: %w", syscall.EINVAL)
	ErrUnsupported = fmt.Errorf("vfs: operation not supported: %w", syscall.ENOTSUP)
	ErrBusy        = fmt.Errorf("vfs: resource busy: %w", syscall.EBUSY)
	ErrNoDriver    = fmt.Errorf("vfs: no such filesystem driver: %w", syscall.ENODEV)
	ErrReadOnly    = fmt.Errorf("vfs: read-only mount: %w", syscall.EACCES)
	ErrBadFD       = fmt.Errorf("vfs: bad file descriptor: %w", syscall.EBADF)
	// ErrExpired is returned by handles whose mount point is gone.
	ErrExpired     = fmt.Errorf("vfs: mount point expired: %w", syscall.EBADF)
	ErrEndOfDir    = fmt.Errorf("vfs: end of directory: %w", syscall.ENODATA)
	ErrCrossDevice = fmt.Errorf("vfs: cross-device link: %w", syscall.EXDEV)
	ErrNotDir      = fmt.Errorf("vfs: not a directory: %w", syscall.ENOTDIR)
	ErrIsDir       = fmt.Errorf("vfs: is a directory: %w", syscall.EISDIR)
	ErrNameTooLong = fmt.Errorf("vfs: file name too long: %w", syscall.ENAMETOOLONG)
)

// Errno extracts the errno carried by err. Errors without one map to EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// PathError records the operation and path of a failed call.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }

func (e *PathError) Unwrap() error { return e.Err }

func pathErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Op: op, Path: p, Err: err}
}
