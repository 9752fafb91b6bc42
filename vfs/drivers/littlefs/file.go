package littlefs

import (
	"errors"
	"syscall"

	"github.com/hupe1980/phonefs/internal/loglib"
	"github.com/hupe1980/phonefs/vfs"
)

type file struct {
	*vfs.FileBase
	f loglib.File
}

type dir struct {
	*vfs.DirBase
	d loglib.Dir
}

func openFlags(flags int) int {
	var out int
	switch flags & (syscall.O_RDONLY | syscall.O_WRONLY | syscall.O_RDWR) {
	case syscall.O_WRONLY:
		out = loglib.WRONLY
	case syscall.O_RDWR:
		out = loglib.RDWR
	default:
		out = loglib.RDONLY
	}
	if flags&syscall.O_CREAT != 0 {
		out |= loglib.CREAT
	}
	if flags&syscall.O_EXCL != 0 {
		out |= loglib.EXCL
	}
	if flags&syscall.O_TRUNC != 0 {
		out |= loglib.TRUNC
	}
	if flags&syscall.O_APPEND != 0 {
		out |= loglib.APPEND
	}
	return out
}

func (d *Driver) Open(mp vfs.MountPoint, p string, flags int, mode uint32) (vfs.FileHandle, error) {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return nil, err
	}
	created := false
	if flags&syscall.O_CREAT != 0 {
		var info loglib.Info
		created = errors.Is(m.fs.Stat(m.native(p), &info), loglib.ErrNoEnt)
	}
	fh := &file{FileBase: vfs.NewFileBase(mp, p, flags)}
	if err := m.fs.FileOpen(&fh.f, m.native(p), openFlags(flags)); err != nil {
		return nil, errnoOf(err)
	}
	if perm := mode & vfs.ModePerm; created && perm != 0 && perm != 0o644 {
		if err := setMode(m, p, mode); err != nil {
			_ = m.fs.FileClose(&fh.f)
			return nil, err
		}
	}
	return fh, nil
}

func handleOf(f vfs.FileHandle) (*MountPoint, *file, error) {
	m, err := vfs.FileMount[*MountPoint](f)
	if err != nil {
		return nil, nil, err
	}
	fh, ok := f.(*file)
	if !ok {
		return nil, nil, vfs.ErrBadFD
	}
	return m, fh, nil
}

func (d *Driver) Close(f vfs.FileHandle) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	return fh.SetErr(errnoOf(m.fs.FileClose(&fh.f)))
}

func (d *Driver) Read(f vfs.FileHandle, buf []byte) (int, error) {
	m, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	n, err := m.fs.FileRead(&fh.f, buf)
	return n, fh.SetErr(errnoOf(err))
}

func (d *Driver) Write(f vfs.FileHandle, buf []byte) (int, error) {
	m, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	n, err := m.fs.FileWrite(&fh.f, buf)
	return n, fh.SetErr(errnoOf(err))
}

func (d *Driver) Seek(f vfs.FileHandle, off int64, whence int) (int64, error) {
	m, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	pos, err := m.fs.FileSeek(&fh.f, off, whence)
	return pos, fh.SetErr(errnoOf(err))
}

// Fstat describes the open file. A file removed while open is reported
// with its current size and no links.
func (d *Driver) Fstat(f vfs.FileHandle, st *vfs.Stat) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	var info loglib.Info
	if err := m.fs.Stat(m.native(fh.Path()), &info); err == nil {
		fillStat(st, &info, m.cfg.BlockSize)
		return nil
	}
	size, err := m.fs.FileSize(&fh.f)
	if err != nil {
		return fh.SetErr(errnoOf(err))
	}
	info = loglib.Info{Type: loglib.TypeReg, Size: size}
	fillStat(st, &info, m.cfg.BlockSize)
	st.Nlink = 0
	return nil
}

func (d *Driver) Ftruncate(f vfs.FileHandle, size int64) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	return fh.SetErr(errnoOf(m.fs.FileTruncate(&fh.f, size)))
}

func (d *Driver) Fsync(f vfs.FileHandle) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	return fh.SetErr(errnoOf(m.fs.FileSync(&fh.f)))
}

func (d *Driver) Fchmod(f vfs.FileHandle, mode uint32) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	return fh.SetErr(setMode(m, fh.Path(), mode))
}

func (d *Driver) DirOpen(mp vfs.MountPoint, p string) (vfs.DirHandle, error) {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return nil, err
	}
	dh := &dir{DirBase: vfs.NewDirBase(mp, p)}
	if err := m.fs.DirOpen(&dh.d, m.native(p)); err != nil {
		return nil, errnoOf(err)
	}
	return dh, nil
}

func dirOf(d vfs.DirHandle) (*MountPoint, *dir, error) {
	m, err := vfs.DirMount[*MountPoint](d)
	if err != nil {
		return nil, nil, err
	}
	dh, ok := d.(*dir)
	if !ok {
		return nil, nil, vfs.ErrBadFD
	}
	return m, dh, nil
}

func (d *Driver) DirNext(dh vfs.DirHandle, st *vfs.Stat) (string, error) {
	m, h, err := dirOf(dh)
	if err != nil {
		return "", err
	}
	var info loglib.Info
	ok, err := m.fs.DirRead(&h.d, &info)
	if err != nil {
		return "", errnoOf(err)
	}
	if !ok {
		return "", vfs.ErrEndOfDir
	}
	fillStat(st, &info, m.cfg.BlockSize)
	return info.Name, nil
}

func (d *Driver) DirReset(dh vfs.DirHandle) error {
	m, h, err := dirOf(dh)
	if err != nil {
		return err
	}
	return errnoOf(m.fs.DirRewind(&h.d))
}

func (d *Driver) DirClose(dh vfs.DirHandle) error {
	m, h, err := dirOf(dh)
	if err != nil {
		return err
	}
	return errnoOf(m.fs.DirClose(&h.d))
}
