// Package littlefs mounts flash log volumes (internal/loglib) into the VFS.
//
// The library is driven through its callback configuration: block I/O is
// routed to the mount point's disk handle and the lock callbacks take the
// mount point's mutex, so every library call is serialized per volume.
package littlefs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/internal/loglib"
	"github.com/hupe1980/phonefs/vfs"
)

// DefaultBlockSize is the erase block size used when the sector size is
// smaller.
const DefaultBlockSize = 4096

type options struct {
	logger    *slog.Logger
	blockSize uint32
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

// WithBlockSize sets the erase block size in bytes. It is rounded up to a
// multiple of the device sector size.
func WithBlockSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.blockSize = n
		}
	}
}

// Driver is the littlefs filesystem driver.
type Driver struct {
	vfs.DriverBase
	opts options
}

// New creates the driver.
func New(optFns ...Option) *Driver {
	o := options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		blockSize: DefaultBlockSize,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return &Driver{opts: o}
}

func (d *Driver) Kind() vfs.DriverKind { return vfs.KindLittleFS }

// MountPoint is a mounted flash log volume. The library configuration and
// state live inside it.
type MountPoint struct {
	*vfs.MountBase

	mu         sync.Mutex
	cfg        loglib.Config
	fs         loglib.FS
	sectorSize uint64
}

// NativeRoot is empty: the library addresses files from its own root.
func (m *MountPoint) NativeRoot() string { return "" }

// Generation returns the log generation of the mounted volume.
func (m *MountPoint) Generation() uint32 { return m.fs.Generation() }

func (m *MountPoint) native(p string) string { return m.NativeRoot() + p }

// configure fills the library configuration for disk.
func (d *Driver) configure(cfg *loglib.Config, disk *blkdev.DiskHandle, lock sync.Locker) (uint64, error) {
	ss, err := disk.SectorSize()
	if err != nil {
		return 0, err
	}
	sectors, err := disk.Sectors()
	if err != nil {
		return 0, err
	}
	bs := uint64(d.opts.blockSize)
	if rem := bs % uint64(ss); rem != 0 {
		bs += uint64(ss) - rem
	}
	perBlock := bs / uint64(ss)
	*cfg = loglib.Config{
		Context:    disk,
		ProgSize:   uint32(ss),
		BlockSize:  uint32(bs),
		BlockCount: uint32(sectors / perBlock),
		Read: func(c *loglib.Config, block, off uint32, buf []byte) error {
			_, err := disk.ReadAt(buf, int64(uint64(block)*bs+uint64(off)))
			return err
		},
		Prog: func(c *loglib.Config, block, off uint32, buf []byte) error {
			_, err := disk.WriteAt(buf, int64(uint64(block)*bs+uint64(off)))
			return err
		},
		Erase: func(c *loglib.Config, block uint32) error {
			return disk.Erase(uint64(block)*perBlock, perBlock)
		},
		Sync: func(c *loglib.Config) error {
			return disk.Sync()
		},
		Lock: func(c *loglib.Config) error {
			lock.Lock()
			return nil
		},
		Unlock: func(c *loglib.Config) error {
			lock.Unlock()
			return nil
		},
	}
	return uint64(ss), nil
}

// Mkfs formats disk with a fresh log volume.
func (d *Driver) Mkfs(disk *blkdev.DiskHandle) error {
	var (
		mu  sync.Mutex
		cfg loglib.Config
		fs  loglib.FS
	)
	if _, err := d.configure(&cfg, disk, &mu); err != nil {
		return err
	}
	if err := loglib.Format(&fs, &cfg); err != nil {
		return errnoOf(err)
	}
	return nil
}

func (d *Driver) MountPrealloc(disk *blkdev.DiskHandle, mountPath string, flags vfs.MountFlags) (vfs.MountPoint, error) {
	m := &MountPoint{MountBase: vfs.NewMountBase(disk, mountPath, flags)}
	ss, err := d.configure(&m.cfg, disk, &m.mu)
	if err != nil {
		return nil, err
	}
	m.sectorSize = ss
	return m, nil
}

// Mount replays the volume log. data is not used.
func (d *Driver) Mount(mp vfs.MountPoint, _ []byte) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	if err := loglib.Mount(&m.fs, &m.cfg); err != nil {
		return errnoOf(err)
	}
	d.opts.logger.Debug("littlefs: mounted", "path", m.Path(), "generation", m.fs.Generation(),
		"block_size", m.cfg.BlockSize, "blocks", m.cfg.BlockCount)
	return nil
}

func (d *Driver) Umount(mp vfs.MountPoint) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	return errnoOf(m.fs.Unmount())
}

func (d *Driver) StatVFS(mp vfs.MountPoint, _ string, st *vfs.StatFS) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	var info loglib.FSInfo
	if err := m.fs.FSStat(&info); err != nil {
		return errnoOf(err)
	}
	free := uint64(0)
	if info.BlockCount > info.UsedBlocks {
		free = uint64(info.BlockCount - info.UsedBlocks)
	}
	*st = vfs.StatFS{
		BlockSize:    uint64(info.BlockSize),
		FragmentSize: uint64(info.BlockSize),
		Blocks:       uint64(info.BlockCount),
		BlocksFree:   free,
		BlocksAvail:  free,
		NameMax:      uint64(info.NameMax),
	}
	return nil
}

func fillStat(st *vfs.Stat, info *loglib.Info, bs uint32) {
	mode := info.Mode & vfs.ModePerm
	if info.Type == loglib.TypeDir {
		mode |= vfs.ModeDir
	} else {
		mode |= vfs.ModeReg
	}
	*st = vfs.Stat{
		Mode:      mode,
		Nlink:     1,
		Size:      info.Size,
		BlockSize: int64(bs),
		Blocks:    (info.Size + 511) / 512,
		Mtime:     time.Unix(0, info.Mtime),
	}
}

func (d *Driver) Stat(mp vfs.MountPoint, p string, st *vfs.Stat) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	var info loglib.Info
	if err := m.fs.Stat(m.native(p), &info); err != nil {
		return errnoOf(err)
	}
	fillStat(st, &info, m.cfg.BlockSize)
	return nil
}

func (d *Driver) isDir(m *MountPoint, p string) (bool, error) {
	var info loglib.Info
	if err := m.fs.Stat(m.native(p), &info); err != nil {
		return false, errnoOf(err)
	}
	return info.Type == loglib.TypeDir, nil
}

func (d *Driver) Unlink(mp vfs.MountPoint, p string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	dir, err := d.isDir(m, p)
	if err != nil {
		return err
	}
	if dir {
		return syscall.EISDIR
	}
	return errnoOf(m.fs.Remove(m.native(p)))
}

func (d *Driver) Rmdir(mp vfs.MountPoint, p string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	dir, err := d.isDir(m, p)
	if err != nil {
		return err
	}
	if !dir {
		return syscall.ENOTDIR
	}
	return errnoOf(m.fs.Remove(m.native(p)))
}

func (d *Driver) Rename(mp vfs.MountPoint, oldPath, newPath string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	return errnoOf(m.fs.Rename(m.native(oldPath), m.native(newPath)))
}

func (d *Driver) Mkdir(mp vfs.MountPoint, p string, mode uint32) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	if err := m.fs.Mkdir(m.native(p)); err != nil {
		return errnoOf(err)
	}
	return setMode(m, p, mode)
}

func (d *Driver) Chmod(mp vfs.MountPoint, p string, mode uint32) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	return setMode(m, p, mode)
}

func setMode(m *MountPoint, p string, mode uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], mode&vfs.ModePerm)
	return errnoOf(m.fs.SetAttr(m.native(p), loglib.AttrMode, buf[:]))
}

// errnoOf converts a library error code into an error carrying the errno.
func errnoOf(err error) error {
	if err == nil {
		return nil
	}
	var le loglib.Error
	if errors.As(err, &le) {
		errno := syscall.Errno(-le)
		if le == loglib.ErrCorrupt {
			errno = syscall.EIO
		}
		return fmt.Errorf("%w: %w", le, errno)
	}
	return err
}
