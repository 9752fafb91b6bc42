package phonefs

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("phonefs: already initialized")
	// ErrClosed is returned by Init after Close.
	ErrClosed = errors.New("phonefs: closed")
)

// DiskError reports a disk of the configuration that could not be set up.
//
// The original underlying error can be accessed via errors.Unwrap.
type DiskError struct {
	Name  string
	Kind  string
	cause error
}

func (e *DiskError) Error() string {
	return fmt.Sprintf("disk %s (%s): %v", e.Name, e.Kind, e.cause)
}

func (e *DiskError) Unwrap() error { return e.cause }

// MountError reports a mount table entry that could not be applied.
//
// The original underlying error can be accessed via errors.Unwrap.
type MountError struct {
	Device string
	Path   string
	FSType string
	cause  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s on %s (%s): %v", e.Device, e.Path, e.FSType, e.cause)
}

func (e *MountError) Unwrap() error { return e.cause }
