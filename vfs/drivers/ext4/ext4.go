// Package ext4 mounts extent filesystems (internal/extlib) into the VFS.
//
// The library keeps global state and is not reentrant, so every call made
// by this package, on any mount point, runs inside one recursive lock
// scope.
package ext4

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/internal/extlib"
	"github.com/hupe1980/phonefs/vfs"
)

// libLock serializes all calls into the library.
var libLock vfs.RecursiveLock

// labelMax is the longest volume label the library stores.
const labelMax = 16

type options struct {
	logger    *slog.Logger
	writeBack bool
}

// Option configures the driver.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWriteBack enables or disables the library's block cache write-back
// mode. It is on by default; with it off every write reaches the disk
// before the call returns.
func WithWriteBack(on bool) Option {
	return func(o *options) { o.writeBack = on }
}

// Driver is the ext4 filesystem driver.
type Driver struct {
	vfs.DriverBase
	opts options
}

// New creates the driver.
func New(optFns ...Option) *Driver {
	o := options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		writeBack: true,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return &Driver{opts: o}
}

func (d *Driver) Kind() vfs.DriverKind { return vfs.KindExt4 }

// Lock returns the lock guarding the library.
func Lock() *vfs.RecursiveLock { return &libLock }

// MountPoint is a mounted ext4 volume.
type MountPoint struct {
	*vfs.MountBase

	lock    *vfs.RecursiveLock
	bd      extlib.BlockDev
	devName string
	root    string
	opens   atomic.Int32
}

// NativeRoot returns the library mount point, e.g. "/emmc0part1/".
func (m *MountPoint) NativeRoot() string { return m.root }

func (m *MountPoint) native(p string) string {
	return strings.TrimSuffix(m.root, "/") + p
}

// blockDev adapts a disk handle to the library's block device callbacks.
func blockDev(bd *extlib.BlockDev, disk *blkdev.DiskHandle) error {
	ss, err := disk.SectorSize()
	if err != nil {
		return err
	}
	sectors, err := disk.Sectors()
	if err != nil {
		return err
	}
	*bd = extlib.BlockDev{
		Context: disk,
		Open: func(bd *extlib.BlockDev) error {
			if disk.Status() != blkdev.MediaActive {
				return blkdev.ErrMediaRemoved
			}
			return nil
		},
		Close: func(bd *extlib.BlockDev) error {
			return disk.Sync()
		},
		ReadBlocks: func(bd *extlib.BlockDev, buf []byte, lba uint64, count uint32) error {
			return disk.Read(buf, lba, uint64(count))
		},
		WriteBlocks: func(bd *extlib.BlockDev, buf []byte, lba uint64, count uint32) error {
			return disk.Write(buf, lba, uint64(count))
		},
		PhysBlockSize:  uint32(ss),
		PhysBlockCount: sectors,
	}
	return nil
}

func label(disk *blkdev.DiskHandle) string {
	l := disk.Name()
	if len(l) > labelMax {
		l = l[:labelMax]
	}
	return l
}

// Mkfs writes an empty volume to disk.
func (d *Driver) Mkfs(disk *blkdev.DiskHandle) error {
	var bd extlib.BlockDev
	if err := blockDev(&bd, disk); err != nil {
		return err
	}
	s := libLock.Enter()
	defer s.Exit()
	return wrap("mkfs", extlib.Mkfs(&bd, label(disk)))
}

func (d *Driver) MountPrealloc(disk *blkdev.DiskHandle, mountPath string, flags vfs.MountFlags) (vfs.MountPoint, error) {
	m := &MountPoint{
		MountBase: vfs.NewMountBase(disk, mountPath, flags),
		lock:      &libLock,
		devName:   disk.Name(),
		root:      "/" + disk.Name() + "/",
	}
	if err := blockDev(&m.bd, disk); err != nil {
		return nil, err
	}
	return m, nil
}

// Mount registers the block device with the library, mounts it, replays
// recovery when the volume was not cleanly unmounted and enables the
// write-back cache. data is not used.
func (d *Driver) Mount(mp vfs.MountPoint, _ []byte) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	return d.attach(s, m, m.ReadOnly())
}

func (d *Driver) attach(s *vfs.Scope, m *MountPoint, readOnly bool) error {
	s = s.Enter()
	defer s.Exit()

	if err := extlib.DeviceRegister(&m.bd, m.devName); err != nil {
		return wrap("device register", err)
	}
	if err := extlib.Mount(m.devName, m.root, readOnly); err != nil {
		_ = extlib.DeviceUnregister(m.devName)
		return wrap("mount", err)
	}
	if !readOnly {
		if needs, _ := extlib.NeedsRecovery(m.root); needs {
			dropped, err := extlib.Recover(m.root)
			if err != nil {
				_ = extlib.Umount(m.root)
				_ = extlib.DeviceUnregister(m.devName)
				return wrap("recover", err)
			}
			d.opts.logger.Warn("ext4: volume recovered", "device", m.devName, "dropped_extents", dropped)
		}
	}
	if d.opts.writeBack {
		if err := extlib.CacheWriteBack(m.root, true); err != nil {
			d.opts.logger.Warn("ext4: write-back cache unavailable", "device", m.devName, "error", err)
		}
	}
	return nil
}

func (d *Driver) detach(s *vfs.Scope, m *MountPoint) error {
	s = s.Enter()
	defer s.Exit()

	if d.opts.writeBack {
		if err := extlib.CacheWriteBack(m.root, false); err != nil {
			return wrap("cache flush", err)
		}
	}
	if err := extlib.Umount(m.root); err != nil {
		return wrap("umount", err)
	}
	return wrap("device unregister", extlib.DeviceUnregister(m.devName))
}

func (d *Driver) Umount(mp vfs.MountPoint) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	return d.detach(s, m)
}

// Remount switches the library mount between read-only and read-write.
// The volume must not have open files for that.
func (d *Driver) Remount(mp vfs.MountPoint, flags vfs.MountFlags) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	readOnly := flags&vfs.FlagReadOnly != 0
	if readOnly == m.ReadOnly() {
		return nil
	}
	if m.opens.Load() > 0 {
		return vfs.ErrBusy
	}
	s := m.lock.Enter()
	defer s.Exit()
	if err := d.detach(s, m); err != nil {
		return err
	}
	return d.attach(s, m, readOnly)
}

func (d *Driver) StatVFS(mp vfs.MountPoint, _ string, st *vfs.StatFS) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	var ms extlib.MountStats
	if err := extlib.MountPointStats(m.root, &ms); err != nil {
		return wrap("statvfs", err)
	}
	*st = vfs.StatFS{
		BlockSize:    uint64(ms.BlockSize),
		FragmentSize: uint64(ms.BlockSize),
		Blocks:       ms.BlocksCount,
		BlocksFree:   ms.FreeBlocksCount,
		BlocksAvail:  ms.FreeBlocksCount,
		Files:        uint64(ms.InodesCount),
		FilesFree:    uint64(ms.FreeInodesCount),
		FilesAvail:   uint64(ms.FreeInodesCount),
		NameMax:      255,
	}
	return nil
}

func fillStat(st *vfs.Stat, in *extlib.Inode, bs int64) {
	*st = vfs.Stat{
		Ino:       in.Ino,
		Mode:      in.Mode,
		Nlink:     1,
		Size:      in.Size,
		BlockSize: bs,
		Blocks:    int64(in.Blocks) * bs / 512,
		Mtime:     time.Unix(0, in.Mtime),
	}
}

func (m *MountPoint) blockSize(s *vfs.Scope) int64 {
	s = s.Enter()
	defer s.Exit()
	var ms extlib.MountStats
	if err := extlib.MountPointStats(m.root, &ms); err != nil {
		return 0
	}
	return int64(ms.BlockSize)
}

func (d *Driver) Stat(mp vfs.MountPoint, p string, st *vfs.Stat) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	var in extlib.Inode
	if err := extlib.InodeStat(m.native(p), &in); err != nil {
		return wrap("stat", err)
	}
	fillStat(st, &in, m.blockSize(s))
	return nil
}

func (d *Driver) Unlink(mp vfs.MountPoint, p string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	return wrap("unlink", extlib.FileRemove(m.native(p)))
}

func (d *Driver) Rmdir(mp vfs.MountPoint, p string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	return wrap("rmdir", extlib.DirRm(m.native(p)))
}

func (d *Driver) Rename(mp vfs.MountPoint, oldPath, newPath string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	return wrap("rename", extlib.FileRename(m.native(oldPath), m.native(newPath)))
}

func (d *Driver) Mkdir(mp vfs.MountPoint, p string, mode uint32) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	if err := extlib.DirMk(m.native(p)); err != nil {
		return wrap("mkdir", err)
	}
	return wrap("mkdir", extlib.ModeSet(m.native(p), mode&vfs.ModePerm))
}

func (d *Driver) Chmod(mp vfs.MountPoint, p string, mode uint32) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	s := m.lock.Enter()
	defer s.Exit()
	return wrap("chmod", extlib.ModeSet(m.native(p), mode&vfs.ModePerm))
}

// wrap annotates a library errno. The errno stays reachable through
// errors.Is.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ext4: %s: %w", op, err)
}
