// Package vfat mounts FAT32 volumes into the VFS through go-diskfs.
//
// FAT has no permissions, links or inode numbers. Stat reports 0755 for
// directories and 0644 for files, 0444 when the read-only attribute is set,
// and derives inode numbers from the path. Every mounted volume gets a
// drive letter '0'..'9'.
package vfat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/diskfs/go-diskfs/backend"
	"github.com/diskfs/go-diskfs/filesystem/fat32"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/vfs"
)

const (
	// sectorSize is the logical sector size of the FAT library.
	sectorSize = 512
	// maxDrives is the number of drive letters.
	maxDrives = 10
	// NoDrive marks a mount point without a drive letter.
	NoDrive = ' '
)

type options struct {
	logger *slog.Logger
	label  string
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

// WithLabel sets the volume label written by Mkfs. The disk name is used
// by default.
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

// Driver is the FAT32 filesystem driver.
type Driver struct {
	vfs.DriverBase
	opts options

	mu     sync.Mutex
	drives [maxDrives]bool
}

// New creates the driver.
func New(optFns ...Option) *Driver {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, fn := range optFns {
		fn(&o)
	}
	return &Driver{opts: o}
}

func (d *Driver) Kind() vfs.DriverKind { return vfs.KindVFAT }

func (d *Driver) assignDrive() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, used := range d.drives {
		if !used {
			d.drives[i] = true
			return byte('0' + i), nil
		}
	}
	return NoDrive, vfs.ErrBusy
}

func (d *Driver) releaseDrive(letter byte) {
	if letter < '0' || letter >= '0'+maxDrives {
		return
	}
	d.mu.Lock()
	d.drives[letter-'0'] = false
	d.mu.Unlock()
}

// MountPoint is a mounted FAT32 volume. The library is not safe for
// concurrent use; mu guards every call into it.
type MountPoint struct {
	*vfs.MountBase

	mu    sync.Mutex
	drive byte
	store *storage
	fs    *fat32.FileSystem
}

// NativeRoot returns the drive specifier, e.g. "0:", or "" before a drive
// letter is assigned.
func (m *MountPoint) NativeRoot() string {
	drive := m.Drive()
	if drive == NoDrive {
		return ""
	}
	return string(drive) + ":"
}

// Drive returns the drive letter or NoDrive.
func (m *MountPoint) Drive() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drive
}

// Label returns the volume label.
func (m *MountPoint) Label() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.TrimSpace(m.fs.Label())
}

// storage exposes a disk handle as a go-diskfs backend.
type storage struct {
	disk     *blkdev.DiskHandle
	size     int64
	pos      int64
	readOnly atomic.Bool
}

var _ backend.Storage = (*storage)(nil)

func newStorage(disk *blkdev.DiskHandle) (*storage, error) {
	ss, err := disk.SectorSize()
	if err != nil {
		return nil, err
	}
	sectors, err := disk.Sectors()
	if err != nil {
		return nil, err
	}
	return &storage{disk: disk, size: ss * int64(sectors)}, nil
}

func (s *storage) Stat() (fs.FileInfo, error) { return storageInfo{s}, nil }
func (s *storage) Close() error               { return nil }

func (s *storage) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	p = p[:min(int64(len(p)), s.size-s.pos)]
	n, err := s.disk.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *storage) ReadAt(p []byte, off int64) (int, error)  { return s.disk.ReadAt(p, off) }
func (s *storage) WriteAt(p []byte, off int64) (int, error) { return s.disk.WriteAt(p, off) }

func (s *storage) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		off += s.pos
	case io.SeekEnd:
		off += s.size
	default:
		return s.pos, vfs.ErrInvalid
	}
	if off < 0 {
		return s.pos, vfs.ErrInvalid
	}
	s.pos = off
	return off, nil
}

func (s *storage) Sys() (*os.File, error) { return nil, backend.ErrNotSuitable }

func (s *storage) Writable() (backend.WritableFile, error) {
	if s.readOnly.Load() {
		return nil, backend.ErrIncorrectOpenMode
	}
	return s, nil
}

type storageInfo struct{ s *storage }

func (i storageInfo) Name() string       { return i.s.disk.Name() }
func (i storageInfo) Size() int64        { return i.s.size }
func (i storageInfo) Mode() fs.FileMode  { return 0o600 }
func (i storageInfo) ModTime() time.Time { return time.Time{} }
func (i storageInfo) IsDir() bool        { return false }
func (i storageInfo) Sys() any           { return nil }

func (d *Driver) label(disk *blkdev.DiskHandle) string {
	if d.opts.label != "" {
		return strings.ToUpper(d.opts.label)
	}
	return strings.ToUpper(disk.Name())
}

// Mkfs writes an empty FAT32 volume covering the whole disk.
func (d *Driver) Mkfs(disk *blkdev.DiskHandle) error {
	s, err := newStorage(disk)
	if err != nil {
		return err
	}
	if _, err := fat32.Create(s, s.size, 0, sectorSize, d.label(disk)); err != nil {
		return fmt.Errorf("vfat: mkfs %s: %v: %w", disk.Name(), err, vfs.ErrIO)
	}
	return disk.Sync()
}

func (d *Driver) MountPrealloc(disk *blkdev.DiskHandle, mountPath string, flags vfs.MountFlags) (vfs.MountPoint, error) {
	s, err := newStorage(disk)
	if err != nil {
		return nil, err
	}
	s.readOnly.Store(flags&vfs.FlagReadOnly != 0)
	return &MountPoint{
		MountBase: vfs.NewMountBase(disk, mountPath, flags),
		drive:     NoDrive,
		store:     s,
	}, nil
}

// Mount reads the boot sector and tables and assigns a drive letter. data
// is not used.
func (d *Driver) Mount(mp vfs.MountPoint, _ []byte) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	fsys, err := fat32.Read(m.store, m.store.size, 0, sectorSize)
	if err != nil {
		return fmt.Errorf("vfat: mount %s: %v: %w", m.Disk().Name(), err, vfs.ErrInvalid)
	}
	drive, err := d.assignDrive()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.fs, m.drive = fsys, drive
	m.mu.Unlock()
	d.opts.logger.Debug("vfat: volume mounted", "device", m.Disk().Name(), "drive", m.NativeRoot())
	return nil
}

func (d *Driver) Umount(mp vfs.MountPoint) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	err = m.fs.Close()
	d.releaseDrive(m.drive)
	m.drive = NoDrive
	if serr := m.store.disk.Sync(); err == nil {
		err = serr
	}
	return err
}

// Remount switches the backend between read-only and read-write.
func (d *Driver) Remount(mp vfs.MountPoint, flags vfs.MountFlags) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.store.readOnly.Store(flags&vfs.FlagReadOnly != 0)
	return nil
}

// geometry reads the cluster size and data cluster count from the BIOS
// parameter block.
func (m *MountPoint) geometry() (clusterSize int64, clusters uint64, err error) {
	var bs [sectorSize]byte
	if _, err := m.store.ReadAt(bs[:], 0); err != nil {
		return 0, 0, err
	}
	bytesPerSector := uint64(binary.LittleEndian.Uint16(bs[11:]))
	perCluster := uint64(bs[13])
	reserved := uint64(binary.LittleEndian.Uint16(bs[14:]))
	fats := uint64(bs[16])
	total := uint64(binary.LittleEndian.Uint32(bs[32:]))
	perFat := uint64(binary.LittleEndian.Uint32(bs[36:]))
	if perCluster == 0 || bytesPerSector == 0 || total < reserved+fats*perFat {
		return 0, 0, vfs.ErrIO
	}
	return int64(perCluster * bytesPerSector), (total - reserved - fats*perFat) / perCluster, nil
}

// usedClusters counts the clusters held by the tree under dir.
func (m *MountPoint) usedClusters(dir string, cs int64) (uint64, uint64, error) {
	entries, err := m.fs.ReadDir(dir)
	if err != nil {
		return 0, 0, vfs.ErrIO
	}
	used, files := uint64(1), uint64(0)
	for _, e := range entries {
		if e.Name() == "." || e.Name() == ".." {
			continue
		}
		files++
		if e.IsDir() {
			u, f, err := m.usedClusters(path.Join(dir, e.Name()), cs)
			if err != nil {
				return 0, 0, err
			}
			used, files = used+u, files+f
			continue
		}
		used += uint64(max(1, (e.Size()+cs-1)/cs))
	}
	return used, files, nil
}

// StatVFS reports sizes in clusters. Free space is computed from the
// directory tree because the library leaves the free count unset.
func (d *Driver) StatVFS(mp vfs.MountPoint, _ string, st *vfs.StatFS) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, clusters, err := m.geometry()
	if err != nil {
		return err
	}
	used, files, err := m.usedClusters("/", cs)
	if err != nil {
		return err
	}
	free := clusters - min(used, clusters)
	*st = vfs.StatFS{
		BlockSize:    uint64(cs),
		FragmentSize: uint64(cs),
		Blocks:       clusters,
		BlocksFree:   free,
		BlocksAvail:  free,
		Files:        files,
		NameMax:      255,
	}
	return nil
}

type rootInfo struct{}

func (rootInfo) Name() string       { return "/" }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o755 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }

// lookup finds the entry at p. Names match case-insensitively like the
// library does.
func (m *MountPoint) lookup(p string) (fs.FileInfo, error) {
	if p == "/" {
		return rootInfo{}, nil
	}
	dir, name := path.Dir(p), path.Base(p)
	parent, err := m.lookup(dir)
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, vfs.ErrNotDir
	}
	entries, err := m.fs.ReadDir(dir)
	if err != nil {
		return nil, vfs.ErrIO
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return e, nil
		}
	}
	return nil, vfs.ErrNotFound
}

// stored returns p with its last element spelled as stored on disk.
func stored(p string, fi fs.FileInfo) string {
	return path.Join(path.Dir(p), fi.Name())
}

func inode(p string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(p)))
	return h.Sum64()
}

func (m *MountPoint) readOnlyAttr(p string) bool {
	f, err := m.fs.OpenFile(p, os.O_RDONLY)
	if err != nil {
		return false
	}
	defer f.Close()
	ff, ok := f.(*fat32.File)
	return ok && ff.IsReadOnly()
}

func (m *MountPoint) fillStat(st *vfs.Stat, p string, fi fs.FileInfo) {
	cs := int64(sectorSize)
	if c, _, err := m.geometry(); err == nil {
		cs = c
	}
	*st = vfs.Stat{
		Ino:       inode(p),
		Mode:      vfs.ModeDir | 0o755,
		Nlink:     1,
		BlockSize: cs,
		Mtime:     fi.ModTime(),
	}
	if fi.IsDir() {
		return
	}
	st.Mode = vfs.ModeReg | 0o644
	if m.readOnlyAttr(p) {
		st.Mode = vfs.ModeReg | 0o444
	}
	st.Size = fi.Size()
	st.Blocks = (st.Size + cs - 1) / cs * (cs / 512)
}

func (d *Driver) Stat(mp vfs.MountPoint, p string, st *vfs.Stat) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, err := m.lookup(p)
	if err != nil {
		return err
	}
	m.fillStat(st, p, fi)
	return nil
}

func (d *Driver) Unlink(mp vfs.MountPoint, p string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, err := m.lookup(p)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return vfs.ErrIsDir
	}
	return libErr("unlink", m.fs.Remove(stored(p, fi)))
}

func (d *Driver) Rmdir(mp vfs.MountPoint, p string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, err := m.lookup(p)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return vfs.ErrNotDir
	}
	entries, err := m.fs.ReadDir(p)
	if err != nil {
		return vfs.ErrIO
	}
	for _, e := range entries {
		if e.Name() != "." && e.Name() != ".." {
			return errNotEmpty
		}
	}
	return libErr("rmdir", m.fs.Remove(stored(p, fi)))
}

// Rename moves entries within a directory in place. Files moved to another
// directory are copied and the source removed; directories cannot change
// their parent.
func (d *Driver) Rename(mp vfs.MountPoint, oldPath, newPath string) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.lookup(oldPath)
	if err != nil {
		return err
	}
	if dst, err := m.lookup(newPath); err == nil {
		switch {
		case dst.IsDir():
			return vfs.ErrIsDir
		case src.IsDir():
			return vfs.ErrNotDir
		}
		if err := m.fs.Remove(stored(newPath, dst)); err != nil {
			return libErr("rename", err)
		}
	} else if !errors.Is(err, vfs.ErrNotFound) {
		return err
	}
	if parent, err := m.lookup(path.Dir(newPath)); err != nil {
		return err
	} else if !parent.IsDir() {
		return vfs.ErrNotDir
	}

	oldPath = stored(oldPath, src)
	if path.Dir(oldPath) == path.Dir(newPath) {
		return libErr("rename", m.fs.Rename(oldPath, newPath))
	}
	if src.IsDir() {
		return vfs.ErrUnsupported
	}
	return m.move(oldPath, newPath)
}

func (m *MountPoint) move(oldPath, newPath string) error {
	in, err := m.fs.OpenFile(oldPath, os.O_RDONLY)
	if err != nil {
		return libErr("rename", err)
	}
	data, err := io.ReadAll(in)
	_ = in.Close()
	if err != nil {
		return libErr("rename", err)
	}
	out, err := m.fs.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return libErr("rename", err)
	}
	if len(data) > 0 {
		if _, err := out.Write(data); err != nil {
			_ = out.Close()
			return libErr("rename", err)
		}
	}
	_ = out.Close()
	return libErr("rename", m.fs.Remove(oldPath))
}

// Mkdir creates one directory. mode is not stored.
func (d *Driver) Mkdir(mp vfs.MountPoint, p string, _ uint32) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(p); err == nil {
		return vfs.ErrExist
	} else if !errors.Is(err, vfs.ErrNotFound) {
		return err
	}
	parent, err := m.lookup(path.Dir(p))
	if err != nil {
		return err
	}
	if !parent.IsDir() {
		return vfs.ErrNotDir
	}
	return libErr("mkdir", m.fs.Mkdir(p))
}

// Chmod maps the write bits onto the read-only attribute of a file.
func (d *Driver) Chmod(mp vfs.MountPoint, p string, mode uint32) error {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, err := m.lookup(p)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return vfs.ErrUnsupported
	}
	f, err := m.fs.OpenFile(stored(p, fi), os.O_RDONLY)
	if err != nil {
		return libErr("chmod", err)
	}
	defer f.Close()
	ff, ok := f.(*fat32.File)
	if !ok {
		return vfs.ErrUnsupported
	}
	return libErr("chmod", ff.SetReadOnly(mode&vfs.ModeWrite == 0))
}

var errNotEmpty = fmt.Errorf("vfat: directory not empty: %w", syscall.ENOTEMPTY)

// libErr wraps a library error. The library reports failures as text only,
// so callers check preconditions first and whatever remains is EIO.
func libErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.ErrIncorrectOpenMode) {
		return fmt.Errorf("vfat: %s: %v: %w", op, err, vfs.ErrReadOnly)
	}
	return fmt.Errorf("vfat: %s: %v: %w", op, err, vfs.ErrIO)
}
