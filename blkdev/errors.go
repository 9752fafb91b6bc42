package blkdev

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrIO is a medium or transport failure.
	ErrIO = fmt.Errorf("block device i/o failure: %w", syscall.EIO)
	// ErrRange is returned for transfers outside the device.
	ErrRange = fmt.Errorf("sector range out of bounds: %w", syscall.ERANGE)
	// ErrNotFound is returned when a device name is not registered.
	ErrNotFound = fmt.Errorf("device not registered: %w", syscall.ENOENT)
	// ErrNoDevice is returned when a device name cannot be resolved.
	ErrNoDevice = fmt.Errorf("no such device: %w", syscall.ENXIO)
	// ErrExpired is returned when a handle outlives its disk.
	ErrExpired = fmt.Errorf("disk reference expired: %w", syscall.ENXIO)
	// ErrExist is returned when a device name is already registered.
	ErrExist = fmt.Errorf("device already registered: %w", syscall.EEXIST)
	// ErrInvalid is returned for malformed arguments.
	ErrInvalid = fmt.Errorf("invalid argument: %w", syscall.EINVAL)
	// ErrUnsupported is returned for operations a disk does not implement.
	ErrUnsupported = fmt.Errorf("operation not supported: %w", syscall.ENOTSUP)
	// ErrSuspended is returned for I/O on a suspended disk.
	ErrSuspended = fmt.Errorf("disk is suspended: %w", syscall.EBUSY)
	// ErrMediaRemoved is returned when the medium is gone.
	ErrMediaRemoved = fmt.Errorf("media removed: %w", syscall.ENXIO)
	// ErrNoPartitionTable is returned when sector 0 carries no MBR.
	ErrNoPartitionTable = fmt.Errorf("no valid partition table: %w", syscall.ENXIO)
	// ErrEBRLoop is returned when an extended partition chain revisits a sector
	// or exceeds the step limit.
	ErrEBRLoop = fmt.Errorf("extended partition chain does not terminate: %w", syscall.ELOOP)
)

// RangeError describes a rejected sector range.
type RangeError struct {
	LBA     uint64
	Count   uint64
	Sectors uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("sector range [%d, +%d) outside device of %d sectors", e.LBA, e.Count, e.Sectors)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// Errno returns the errno carried by err, EIO if there is none.
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
