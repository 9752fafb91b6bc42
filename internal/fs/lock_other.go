//go:build !unix

package fs

import "errors"

// ErrLocked is returned by Lock when another process holds the file.
var ErrLocked = errors.New("backing file is locked by another process")

// Lock is a no-op on platforms without flock.
func Lock(File) error { return nil }

// Unlock is a no-op on platforms without flock.
func Unlock(File) error { return nil }
