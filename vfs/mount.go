package vfs

import (
	"strings"
	"sync/atomic"
	"weak"

	"github.com/hupe1980/phonefs/blkdev"
)

// MountPoint is a mounted volume. Every backend defines its own mount point
// type embedding *MountBase; NativeRoot returns the prefix the backend
// library expects in front of volume-relative paths.
type MountPoint interface {
	NativeRoot() string
	base() *MountBase
}

// MountBase is the backend-independent part of a mount point.
type MountBase struct {
	disk  *blkdev.DiskHandle
	path  string
	flags atomic.Uint32

	// set by the core when the mount is attached
	fstype string
	self   MountPoint
	driver weak.Pointer[driverSlot]
	alive  atomic.Bool
	seq    uint64
}

// NewMountBase creates the shared mount state for disk mounted at
// mountPath. The path is stored with a trailing separator.
func NewMountBase(disk *blkdev.DiskHandle, mountPath string, flags MountFlags) *MountBase {
	if !strings.HasSuffix(mountPath, "/") {
		mountPath += "/"
	}
	m := &MountBase{disk: disk, path: mountPath}
	m.flags.Store(uint32(flags &^ FlagRemount))
	return m
}

func (m *MountBase) base() *MountBase { return m }

// Disk returns the block device handle. The handle does not keep the disk
// registered.
func (m *MountBase) Disk() *blkdev.DiskHandle { return m.disk }

// Path returns the mount path with its trailing separator.
func (m *MountBase) Path() string { return m.path }

// FSType returns the registered driver name.
func (m *MountBase) FSType() string { return m.fstype }

func (m *MountBase) Flags() MountFlags { return MountFlags(m.flags.Load()) }

func (m *MountBase) ReadOnly() bool { return m.Flags()&FlagReadOnly != 0 }

func (m *MountBase) setFlags(f MountFlags) { m.flags.Store(uint32(f &^ FlagRemount)) }

// Driver returns the driver if it is still registered.
func (m *MountBase) Driver() (Driver, bool) {
	s := m.driver.Value()
	if s == nil {
		return nil, false
	}
	return s.drv, true
}

// Alive reports whether the mount point is still in the mount table.
func (m *MountBase) Alive() bool { return m.alive.Load() }

// Rel converts an absolute VFS path below the mount point into the
// volume-relative form passed to drivers.
func (m *MountBase) Rel(p string) string {
	rel := strings.TrimPrefix(p, strings.TrimSuffix(m.path, "/"))
	if rel == "" || rel[0] != '/' {
		rel = "/" + rel
	}
	return rel
}

// As returns mp as the backend's concrete mount point type.
func As[T MountPoint](mp MountPoint) (T, error) {
	t, ok := mp.(T)
	if !ok {
		var zero T
		return zero, ErrInvalid
	}
	return t, nil
}
