package ext4

import (
	"errors"
	"syscall"

	"github.com/hupe1980/phonefs/internal/extlib"
	"github.com/hupe1980/phonefs/vfs"
)

type file struct {
	*vfs.FileBase
	f extlib.File
}

type dir struct {
	*vfs.DirBase
	d extlib.Dir
}

func (d *Driver) Open(mp vfs.MountPoint, p string, flags int, mode uint32) (vfs.FileHandle, error) {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return nil, err
	}
	s := m.lock.Enter()
	defer s.Exit()

	native := m.native(p)
	created := false
	if flags&syscall.O_CREAT != 0 {
		var in extlib.Inode
		created = errors.Is(extlib.InodeStat(native, &in), syscall.ENOENT)
	}
	fh := &file{FileBase: vfs.NewFileBase(mp, p, flags)}
	if err := extlib.Fopen2(&fh.f, native, flags); err != nil {
		return nil, wrap("open", err)
	}
	if perm := mode & vfs.ModePerm; created && perm != 0 {
		if err := extlib.FileModeSet(&fh.f, perm); err != nil {
			_ = extlib.Fclose(&fh.f)
			return nil, wrap("open", err)
		}
	}
	m.opens.Add(1)
	return fh, nil
}

// handleOf resolves f and enters the library lock. The caller must exit
// the returned scope.
func handleOf(f vfs.FileHandle) (*MountPoint, *file, *vfs.Scope, error) {
	m, err := vfs.FileMount[*MountPoint](f)
	if err != nil {
		return nil, nil, nil, err
	}
	fh, ok := f.(*file)
	if !ok {
		return nil, nil, nil, vfs.ErrBadFD
	}
	return m, fh, m.lock.Enter(), nil
}

func (d *Driver) Close(f vfs.FileHandle) error {
	m, fh, s, err := handleOf(f)
	if err != nil {
		return err
	}
	defer s.Exit()
	if err := extlib.Fclose(&fh.f); err != nil {
		return fh.SetErr(wrap("close", err))
	}
	m.opens.Add(-1)
	return nil
}

func (d *Driver) Read(f vfs.FileHandle, buf []byte) (int, error) {
	_, fh, s, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	defer s.Exit()
	n, err := extlib.Fread(&fh.f, buf)
	return n, fh.SetErr(wrap("read", err))
}

func (d *Driver) Write(f vfs.FileHandle, buf []byte) (int, error) {
	_, fh, s, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	defer s.Exit()
	n, err := extlib.Fwrite(&fh.f, buf)
	return n, fh.SetErr(wrap("write", err))
}

func (d *Driver) Seek(f vfs.FileHandle, off int64, whence int) (int64, error) {
	_, fh, s, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	defer s.Exit()
	if err := extlib.Fseek(&fh.f, off, whence); err != nil {
		return 0, fh.SetErr(wrap("seek", err))
	}
	return extlib.Ftell(&fh.f), nil
}

func (d *Driver) Fstat(f vfs.FileHandle, st *vfs.Stat) error {
	m, fh, s, err := handleOf(f)
	if err != nil {
		return err
	}
	defer s.Exit()
	var in extlib.Inode
	if err := extlib.FileStat(&fh.f, &in); err != nil {
		return fh.SetErr(wrap("fstat", err))
	}
	fillStat(st, &in, m.blockSize(s))
	return nil
}

func (d *Driver) Ftruncate(f vfs.FileHandle, size int64) error {
	_, fh, s, err := handleOf(f)
	if err != nil {
		return err
	}
	defer s.Exit()
	return fh.SetErr(wrap("ftruncate", extlib.Ftruncate(&fh.f, size)))
}

// Fsync writes the volume's dirty cache blocks and metadata.
func (d *Driver) Fsync(f vfs.FileHandle) error {
	m, fh, s, err := handleOf(f)
	if err != nil {
		return err
	}
	defer s.Exit()
	return fh.SetErr(wrap("fsync", extlib.CacheFlush(m.root)))
}

func (d *Driver) Fchmod(f vfs.FileHandle, mode uint32) error {
	_, fh, s, err := handleOf(f)
	if err != nil {
		return err
	}
	defer s.Exit()
	return fh.SetErr(wrap("fchmod", extlib.FileModeSet(&fh.f, mode&vfs.ModePerm)))
}

func (d *Driver) DirOpen(mp vfs.MountPoint, p string) (vfs.DirHandle, error) {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return nil, err
	}
	s := m.lock.Enter()
	defer s.Exit()
	dh := &dir{DirBase: vfs.NewDirBase(mp, p)}
	if err := extlib.DirOpen(&dh.d, m.native(p)); err != nil {
		return nil, wrap("opendir", err)
	}
	return dh, nil
}

func dirOf(d vfs.DirHandle) (*MountPoint, *dir, *vfs.Scope, error) {
	m, err := vfs.DirMount[*MountPoint](d)
	if err != nil {
		return nil, nil, nil, err
	}
	dh, ok := d.(*dir)
	if !ok {
		return nil, nil, nil, vfs.ErrBadFD
	}
	return m, dh, m.lock.Enter(), nil
}

func (d *Driver) DirNext(dh vfs.DirHandle, st *vfs.Stat) (string, error) {
	m, h, s, err := dirOf(dh)
	if err != nil {
		return "", err
	}
	defer s.Exit()
	de := extlib.DirEntryNext(&h.d)
	if de == nil {
		return "", vfs.ErrEndOfDir
	}
	name := de.Name
	if name == "." || name == ".." {
		*st = vfs.Stat{Ino: de.Inode, Mode: vfs.ModeDir | 0o755, Nlink: 1}
		return name, nil
	}
	p := h.Path()
	if p != "/" {
		p += "/"
	}
	var in extlib.Inode
	if err := extlib.InodeStat(m.native(p+name), &in); err != nil {
		return "", wrap("readdir", err)
	}
	fillStat(st, &in, m.blockSize(s))
	return name, nil
}

func (d *Driver) DirReset(dh vfs.DirHandle) error {
	_, h, s, err := dirOf(dh)
	if err != nil {
		return err
	}
	defer s.Exit()
	extlib.DirEntryRewind(&h.d)
	return nil
}

func (d *Driver) DirClose(dh vfs.DirHandle) error {
	_, h, s, err := dirOf(dh)
	if err != nil {
		return err
	}
	defer s.Exit()
	return wrap("closedir", extlib.DirClose(&h.d))
}
