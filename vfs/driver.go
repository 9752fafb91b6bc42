package vfs

import (
	"sync/atomic"

	"github.com/hupe1980/phonefs/blkdev"
)

// DriverKind tags the backends known to the subsystem.
type DriverKind int

const (
	KindUnknown DriverKind = iota
	KindExt4
	KindVFAT
	KindLittleFS
	KindTxFS
)

func (k DriverKind) String() string {
	switch k {
	case KindExt4:
		return "ext4"
	case KindVFAT:
		return "vfat"
	case KindLittleFS:
		return "littlefs"
	case KindTxFS:
		return "txfs"
	default:
		return "unknown"
	}
}

// Driver adapts one filesystem library to the VFS.
//
// Paths passed to a driver are relative to the mount point and always start
// with "/"; the root of the volume is "/". Drivers embed DriverBase, which
// answers every operation a backend does not support with ErrUnsupported.
type Driver interface {
	Kind() DriverKind

	// MountPrealloc builds the mount point object without touching the
	// volume. The returned mount point must embed a *MountBase created by
	// NewMountBase.
	MountPrealloc(disk *blkdev.DiskHandle, mountPath string, flags MountFlags) (MountPoint, error)
	Mount(mp MountPoint, data []byte) error
	Umount(mp MountPoint) error
	StatVFS(mp MountPoint, p string, st *StatFS) error

	Open(mp MountPoint, p string, flags int, mode uint32) (FileHandle, error)
	Close(f FileHandle) error
	Read(f FileHandle, buf []byte) (int, error)
	Write(f FileHandle, buf []byte) (int, error)
	Seek(f FileHandle, off int64, whence int) (int64, error)
	Fstat(f FileHandle, st *Stat) error
	Ftruncate(f FileHandle, size int64) error
	Fsync(f FileHandle) error
	Fchmod(f FileHandle, mode uint32) error

	Stat(mp MountPoint, p string, st *Stat) error
	Link(mp MountPoint, oldPath, newPath string) error
	Symlink(mp MountPoint, target, linkPath string) error
	Unlink(mp MountPoint, p string) error
	Rmdir(mp MountPoint, p string) error
	Rename(mp MountPoint, oldPath, newPath string) error
	Mkdir(mp MountPoint, p string, mode uint32) error
	Chmod(mp MountPoint, p string, mode uint32) error

	DirOpen(mp MountPoint, p string) (DirHandle, error)
	// DirNext returns the next entry name and fills st. It returns
	// ErrEndOfDir after the last entry.
	DirNext(d DirHandle, st *Stat) (string, error)
	DirReset(d DirHandle) error
	DirClose(d DirHandle) error

	// MountCount returns the number of volumes currently mounted through
	// the driver.
	MountCount() int

	driverBase() *DriverBase
}

// Formatter is implemented by drivers that can create a fresh volume.
type Formatter interface {
	Mkfs(disk *blkdev.DiskHandle) error
}

// Remounter is implemented by drivers that must act when the flags of a
// mounted volume change. The core only updates the flags after Remount
// succeeds.
type Remounter interface {
	Remount(mp MountPoint, flags MountFlags) error
}

// DriverBase provides the mount counter and ErrUnsupported defaults.
type DriverBase struct {
	mounts atomic.Int32
}

func (b *DriverBase) driverBase() *DriverBase { return b }

func (b *DriverBase) MountCount() int { return int(b.mounts.Load()) }

func (*DriverBase) MountPrealloc(*blkdev.DiskHandle, string, MountFlags) (MountPoint, error) {
	return nil, ErrUnsupported
}

func (*DriverBase) Mount(MountPoint, []byte) error             { return ErrUnsupported }
func (*DriverBase) Umount(MountPoint) error                    { return ErrUnsupported }
func (*DriverBase) StatVFS(MountPoint, string, *StatFS) error  { return ErrUnsupported }
func (*DriverBase) Close(FileHandle) error                     { return ErrUnsupported }
func (*DriverBase) Read(FileHandle, []byte) (int, error)       { return 0, ErrUnsupported }
func (*DriverBase) Write(FileHandle, []byte) (int, error)      { return 0, ErrUnsupported }
func (*DriverBase) Seek(FileHandle, int64, int) (int64, error) { return 0, ErrUnsupported }
func (*DriverBase) Fstat(FileHandle, *Stat) error              { return ErrUnsupported }
func (*DriverBase) Ftruncate(FileHandle, int64) error          { return ErrUnsupported }
func (*DriverBase) Fsync(FileHandle) error                     { return ErrUnsupported }
func (*DriverBase) Fchmod(FileHandle, uint32) error            { return ErrUnsupported }
func (*DriverBase) Stat(MountPoint, string, *Stat) error       { return ErrUnsupported }
func (*DriverBase) Link(MountPoint, string, string) error      { return ErrUnsupported }
func (*DriverBase) Symlink(MountPoint, string, string) error   { return ErrUnsupported }
func (*DriverBase) Unlink(MountPoint, string) error            { return ErrUnsupported }
func (*DriverBase) Rmdir(MountPoint, string) error             { return ErrUnsupported }
func (*DriverBase) Rename(MountPoint, string, string) error    { return ErrUnsupported }
func (*DriverBase) Mkdir(MountPoint, string, uint32) error     { return ErrUnsupported }
func (*DriverBase) Chmod(MountPoint, string, uint32) error     { return ErrUnsupported }
func (*DriverBase) DirNext(DirHandle, *Stat) (string, error)   { return "", ErrUnsupported }
func (*DriverBase) DirReset(DirHandle) error                   { return ErrUnsupported }
func (*DriverBase) DirClose(DirHandle) error                   { return ErrUnsupported }

func (*DriverBase) Open(MountPoint, string, int, uint32) (FileHandle, error) {
	return nil, ErrUnsupported
}

func (*DriverBase) DirOpen(MountPoint, string) (DirHandle, error) {
	return nil, ErrUnsupported
}

// driverSlot is the registry's strong reference to a driver. Mount points
// only hold it weakly.
type driverSlot struct {
	name string
	drv  Driver
}
