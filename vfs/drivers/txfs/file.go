package txfs

import (
	"errors"
	"syscall"

	"github.com/hupe1980/phonefs/internal/txlib"
	"github.com/hupe1980/phonefs/vfs"
)

type file struct {
	*vfs.FileBase
	fd int
}

type dir struct {
	*vfs.DirBase
	fd int
}

func openFlags(flags int) int {
	var out int
	switch flags & (syscall.O_RDONLY | syscall.O_WRONLY | syscall.O_RDWR) {
	case syscall.O_WRONLY:
		out = txlib.OWRONLY
	case syscall.O_RDWR:
		out = txlib.ORDWR
	default:
		out = txlib.ORDONLY
	}
	for _, f := range [...]struct{ sys, lib int }{
		{syscall.O_CREAT, txlib.OCREAT},
		{syscall.O_EXCL, txlib.OEXCL},
		{syscall.O_TRUNC, txlib.OTRUNC},
		{syscall.O_APPEND, txlib.OAPPEND},
	} {
		if flags&f.sys != 0 {
			out |= f.lib
		}
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
		var ts txlib.Stat
		created = errors.Is(txlib.StatPath(m.native(p), &ts), txlib.ENOENT)
	}
	fd, err := txlib.Open(m.native(p), openFlags(flags))
	if err != nil {
		return nil, errnoOf(err)
	}
	if perm := mode & vfs.ModePerm; created && perm != 0 && perm != 0o644 {
		if err := txlib.Fchmod(fd, perm); err != nil {
			_ = txlib.Close(fd)
			return nil, errnoOf(err)
		}
	}
	return &file{FileBase: vfs.NewFileBase(mp, p, flags), fd: fd}, nil
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

// Close releases the library handle. It is a transaction point when the
// file was written and the mount commits on close.
func (d *Driver) Close(f vfs.FileHandle) error {
	_, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	return fh.SetErr(errnoOf(txlib.Close(fh.fd)))
}

func (d *Driver) Read(f vfs.FileHandle, buf []byte) (int, error) {
	_, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	n, err := txlib.Read(fh.fd, buf)
	return n, fh.SetErr(errnoOf(err))
}

func (d *Driver) Write(f vfs.FileHandle, buf []byte) (int, error) {
	_, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	n, err := txlib.Write(fh.fd, buf)
	return n, fh.SetErr(errnoOf(err))
}

func (d *Driver) Seek(f vfs.FileHandle, off int64, whence int) (int64, error) {
	_, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	pos, err := txlib.Lseek(fh.fd, off, whence)
	if err != nil {
		return 0, fh.SetErr(errnoOf(err))
	}
	return pos, nil
}

func (d *Driver) Fstat(f vfs.FileHandle, st *vfs.Stat) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	var ts txlib.Stat
	if err := txlib.Fstat(fh.fd, &ts); err != nil {
		return fh.SetErr(errnoOf(err))
	}
	fillStat(st, &ts, int64(m.dev.ss))
	return nil
}

func (d *Driver) Ftruncate(f vfs.FileHandle, size int64) error {
	_, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	return fh.SetErr(errnoOf(txlib.Ftruncate(fh.fd, size)))
}

func (d *Driver) Fsync(f vfs.FileHandle) error {
	_, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	return fh.SetErr(errnoOf(txlib.Fsync(fh.fd)))
}

func (d *Driver) Fchmod(f vfs.FileHandle, mode uint32) error {
	_, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	return fh.SetErr(errnoOf(txlib.Fchmod(fh.fd, mode&vfs.ModePerm)))
}

func (d *Driver) DirOpen(mp vfs.MountPoint, p string) (vfs.DirHandle, error) {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return nil, err
	}
	fd, err := txlib.Opendir(m.native(p))
	if err != nil {
		return nil, errnoOf(err)
	}
	return &dir{DirBase: vfs.NewDirBase(mp, p), fd: fd}, nil
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
	ent, err := txlib.Readdir(h.fd)
	if err != nil {
		return "", errnoOf(err)
	}
	if ent == nil {
		return "", vfs.ErrEndOfDir
	}
	fillStat(st, &ent.Stat, int64(m.dev.ss))
	return ent.Name, nil
}

func (d *Driver) DirReset(dh vfs.DirHandle) error {
	_, h, err := dirOf(dh)
	if err != nil {
		return err
	}
	return errnoOf(txlib.Rewinddir(h.fd))
}

func (d *Driver) DirClose(dh vfs.DirHandle) error {
	_, h, err := dirOf(dh)
	if err != nil {
		return err
	}
	return errnoOf(txlib.Closedir(h.fd))
}
