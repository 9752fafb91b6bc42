// Package txfs mounts transactional volumes (internal/txlib) into the VFS.
//
// Volumes are addressed by name: the mount point's disk name becomes the
// volume name and library paths take the form "name:/path". The library
// serializes its own entry points.
package txfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/internal/txlib"
	"github.com/hupe1980/phonefs/vfs"
)

type options struct {
	logger *slog.Logger
	mask   txlib.TransMask
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

// WithTransMask sets the transaction points applied to new mounts. Mount
// data overrides it per volume.
func WithTransMask(mask txlib.TransMask) Option {
	return func(o *options) { o.mask = mask }
}

// Driver is the transactional filesystem driver.
type Driver struct {
	vfs.DriverBase
	opts options
}

// New creates the driver.
func New(optFns ...Option) *Driver {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		mask:   txlib.TransDefault,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return &Driver{opts: o}
}

func (d *Driver) Kind() vfs.DriverKind { return vfs.KindTxFS }

// MountPoint is a mounted transactional volume.
type MountPoint struct {
	*vfs.MountBase

	name string
	dev  *device
}

// NativeRoot returns the library volume name.
func (m *MountPoint) NativeRoot() string { return m.name }

func (m *MountPoint) native(p string) string { return m.name + ":" + p }

// Transact commits the working state of the volume.
func (m *MountPoint) Transact() error {
	return errnoOf(txlib.Transact(m.name))
}

// Transaction returns the sequence number of the last committed image.
func (m *MountPoint) Transaction() (uint64, error) {
	var st txlib.StatFS
	if err := txlib.Statvfs(m.name, &st); err != nil {
		return 0, errnoOf(err)
	}
	return st.Transaction, nil
}

// device exposes a disk handle as library sector I/O.
type device struct {
	disk    *blkdev.DiskHandle
	ss      uint32
	sectors uint64
}

func newDevice(disk *blkdev.DiskHandle) (*device, error) {
	ss, err := disk.SectorSize()
	if err != nil {
		return nil, err
	}
	sectors, err := disk.Sectors()
	if err != nil {
		return nil, err
	}
	return &device{disk: disk, ss: uint32(ss), sectors: sectors}, nil
}

func (d *device) SectorSize() uint32  { return d.ss }
func (d *device) SectorCount() uint64 { return d.sectors }
func (d *device) Flush() error        { return d.disk.Sync() }

func (d *device) ReadSectors(lba uint64, buf []byte) error {
	return d.disk.Read(buf, lba, uint64(len(buf))/uint64(d.ss))
}

func (d *device) WriteSectors(lba uint64, buf []byte) error {
	return d.disk.Write(buf, lba, uint64(len(buf))/uint64(d.ss))
}

// Mkfs writes an empty volume to disk.
func (d *Driver) Mkfs(disk *blkdev.DiskHandle) error {
	dev, err := newDevice(disk)
	if err != nil {
		return err
	}
	return errnoOf(txlib.Format(dev))
}

func (d *Driver) MountPrealloc(disk *blkdev.DiskHandle, mountPath string, flags vfs.MountFlags) (vfs.MountPoint, error) {
	dev, err := newDevice(disk)
	if err != nil {
		return nil, err
	}
	return &MountPoint{
		MountBase: vfs.NewMountBase(disk, mountPath, flags),
		name:      disk.Name(),
		dev:       dev,
	}, nil
}

// ParseTransMask parses mount data of the form "commit=default",
// "commit=manual" or "commit=close,fsync,umount".
func ParseTransMask(data string) (txlib.TransMask, error) {
	v, ok := strings.CutPrefix(strings.TrimSpace(data), "commit=")
	if !ok {
		return 0, vfs.ErrInvalid
	}
	switch v {
	case "default":
		return txlib.TransDefault, nil
	case "manual":
		return txlib.TransManual, nil
	}
	var mask txlib.TransMask
	for _, name := range strings.Split(v, ",") {
		bit, ok := transNames[name]
		if !ok {
			return 0, fmt.Errorf("txfs: unknown transaction point %q: %w", name, vfs.ErrInvalid)
		}
		mask |= bit
	}
	return mask, nil
}

var transNames = map[string]txlib.TransMask{
	"umount":   txlib.TransUmount,
	"creat":    txlib.TransCreat,
	"unlink":   txlib.TransUnlink,
	"mkdir":    txlib.TransMkdir,
	"rename":   txlib.TransRename,
	"close":    txlib.TransClose,
	"write":    txlib.TransWrite,
	"fsync":    txlib.TransFsync,
	"truncate": txlib.TransTruncate,
}

// Mount opens the volume and applies its transaction points, taken from
// data when given.
func (d *Driver) Mount(mp vfs.MountPoint, data []byte) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	mask := d.opts.mask
	if len(data) > 0 {
		if mask, err = ParseTransMask(string(data)); err != nil {
			return err
		}
	}
	if err := txlib.Mount(m.name, m.dev); err != nil {
		return errnoOf(err)
	}
	if err := txlib.SetTransMask(m.name, mask); err != nil {
		_ = txlib.Unmount(m.name)
		return errnoOf(err)
	}
	d.opts.logger.Debug("txfs: volume mounted", "volume", m.name, "mask", uint32(mask))
	return nil
}

func (d *Driver) Umount(mp vfs.MountPoint) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	return errnoOf(txlib.Unmount(m.name))
}

func (d *Driver) StatVFS(mp vfs.MountPoint, _ string, st *vfs.StatFS) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	var ts txlib.StatFS
	if err := txlib.Statvfs(m.name, &ts); err != nil {
		return errnoOf(err)
	}
	*st = vfs.StatFS{
		BlockSize:    uint64(ts.BlockSize),
		FragmentSize: uint64(ts.BlockSize),
		Blocks:       ts.Blocks,
		BlocksFree:   ts.BlocksFree,
		BlocksAvail:  ts.BlocksFree,
		Files:        ts.Files,
		NameMax:      uint64(ts.NameMax),
	}
	return nil
}

func fillStat(st *vfs.Stat, ts *txlib.Stat, bs int64) {
	*st = vfs.Stat{
		Ino:       ts.Ino,
		Mode:      ts.Mode,
		Nlink:     ts.Nlink,
		Size:      ts.Size,
		BlockSize: bs,
		Blocks:    (ts.Size + 511) / 512,
		Mtime:     time.Unix(0, ts.Mtime),
	}
}

func (d *Driver) Stat(mp vfs.MountPoint, p string, st *vfs.Stat) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	var ts txlib.Stat
	if err := txlib.StatPath(m.native(p), &ts); err != nil {
		return errnoOf(err)
	}
	fillStat(st, &ts, int64(m.dev.ss))
	return nil
}

func (d *Driver) Unlink(mp vfs.MountPoint, p string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	return errnoOf(txlib.Unlink(m.native(p)))
}

func (d *Driver) Rmdir(mp vfs.MountPoint, p string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	return errnoOf(txlib.Rmdir(m.native(p)))
}

func (d *Driver) Rename(mp vfs.MountPoint, oldPath, newPath string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	return errnoOf(txlib.Rename(m.native(oldPath), m.native(newPath)))
}

func (d *Driver) Mkdir(mp vfs.MountPoint, p string, mode uint32) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	if err := txlib.Mkdir(m.native(p)); err != nil {
		return errnoOf(err)
	}
	if perm := mode & vfs.ModePerm; perm != 0o755 {
		return errnoOf(txlib.Chmod(m.native(p), perm))
	}
	return nil
}

func (d *Driver) Chmod(mp vfs.MountPoint, p string, mode uint32) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	return errnoOf(txlib.Chmod(m.native(p), mode&vfs.ModePerm))
}

// errnoOf keeps both the library error and its syscall errno reachable.
func errnoOf(err error) error {
	if err == nil {
		return nil
	}
	var e txlib.Errno
	if errors.As(err, &e) {
		return fmt.Errorf("%w: %w", e, syscall.Errno(e))
	}
	return err
}
