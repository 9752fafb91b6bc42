package vfat

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"syscall"

	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/hupe1980/phonefs/vfs"
)

type file struct {
	*vfs.FileBase
	f filesystem.File
}

type dir struct {
	*vfs.DirBase
	entries []fs.FileInfo
	pos     int
}

// libFlags maps open flags onto the library, which only writes through
// handles opened O_RDWR.
func libFlags(flags int) int {
	out := os.O_RDONLY
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		out = os.O_RDWR
	}
	return out | flags&(os.O_CREATE|os.O_TRUNC|os.O_APPEND)
}

func (d *Driver) Open(mp vfs.MountPoint, p string, flags int, _ uint32) (vfs.FileHandle, error) {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, err := m.lookup(p)
	switch {
	case err == nil && fi.IsDir():
		return nil, vfs.ErrIsDir
	case err == nil && flags&syscall.O_CREAT != 0 && flags&syscall.O_EXCL != 0:
		return nil, vfs.ErrExist
	case err == nil:
		p = stored(p, fi)
		if libFlags(flags)&os.O_RDWR != 0 && m.readOnlyAttr(p) {
			return nil, vfs.ErrReadOnly
		}
	case !errors.Is(err, vfs.ErrNotFound) || flags&syscall.O_CREAT == 0:
		return nil, err
	default:
		if _, err := m.lookup(path.Dir(p)); err != nil {
			return nil, err
		}
	}
	f, err := m.fs.OpenFile(p, libFlags(flags))
	if err != nil {
		return nil, libErr("open", err)
	}
	return &file{FileBase: vfs.NewFileBase(mp, p, flags), f: f}, nil
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
	m.mu.Lock()
	return m, fh, nil
}

func (d *Driver) Close(f vfs.FileHandle) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	return fh.SetErr(libErr("close", fh.f.Close()))
}

func (d *Driver) Read(f vfs.FileHandle, buf []byte) (int, error) {
	m, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	// The library may fill buf past the end of the file.
	cur, err := fh.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fh.SetErr(libErr("read", err))
	}
	end, err := size(fh.f)
	if err != nil {
		return 0, fh.SetErr(libErr("read", err))
	}
	if cur >= end {
		return 0, nil
	}
	n, err := fh.f.Read(buf[:min(int64(len(buf)), end-cur)])
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, fh.SetErr(libErr("read", err))
}

func (d *Driver) Write(f vfs.FileHandle, buf []byte) (int, error) {
	m, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	if fh.Flags()&syscall.O_APPEND != 0 {
		if _, err := fh.f.Seek(0, io.SeekEnd); err != nil {
			return 0, fh.SetErr(libErr("write", err))
		}
	}
	n, err := fh.f.Write(buf)
	return n, fh.SetErr(libErr("write", err))
}

func (d *Driver) Seek(f vfs.FileHandle, off int64, whence int) (int64, error) {
	m, fh, err := handleOf(f)
	if err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	if whence < io.SeekStart || whence > io.SeekEnd {
		return 0, vfs.ErrInvalid
	}
	pos, err := fh.f.Seek(off, whence)
	if err != nil {
		return 0, fh.SetErr(vfs.ErrInvalid)
	}
	return pos, nil
}

// size returns the file length without moving the handle position.
func size(f filesystem.File) (int64, error) {
	cur, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, err = f.Seek(cur, io.SeekStart)
	return end, err
}

func (d *Driver) Fstat(f vfs.FileHandle, st *vfs.Stat) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	n, err := size(fh.f)
	if err != nil {
		return fh.SetErr(libErr("fstat", err))
	}
	fi, err := m.lookup(fh.Path())
	if err != nil {
		// Removed while open.
		*st = vfs.Stat{Ino: inode(fh.Path()), Mode: vfs.ModeReg | 0o644, Size: n}
		return nil
	}
	m.fillStat(st, fh.Path(), fi)
	st.Size = n
	return nil
}

// Ftruncate rewrites the file at the new length. The library can only
// truncate to zero on open, so the kept prefix is read, the file reopened
// with O_TRUNC and the prefix written back, zero-extended when growing.
func (d *Driver) Ftruncate(f vfs.FileHandle, length int64) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	if length < 0 {
		return vfs.ErrInvalid
	}
	cur, err := fh.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fh.SetErr(libErr("ftruncate", err))
	}
	end, err := size(fh.f)
	if err != nil {
		return fh.SetErr(libErr("ftruncate", err))
	}
	if end == length {
		return nil
	}
	data := make([]byte, length)
	if keep := min(end, length); keep > 0 {
		if _, err := fh.f.Seek(0, io.SeekStart); err != nil {
			return fh.SetErr(libErr("ftruncate", err))
		}
		if _, err := io.ReadFull(fh.f, data[:keep]); err != nil {
			return fh.SetErr(libErr("ftruncate", err))
		}
	}
	nf, err := m.fs.OpenFile(fh.Path(), os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return fh.SetErr(libErr("ftruncate", err))
	}
	if length > 0 {
		if _, err := nf.Write(data); err != nil {
			_ = nf.Close()
			return fh.SetErr(libErr("ftruncate", err))
		}
	}
	_ = fh.f.Close()
	fh.f = nf
	_, err = fh.f.Seek(cur, io.SeekStart)
	return fh.SetErr(libErr("ftruncate", err))
}

// Fsync flushes the disk. The library writes through on every call.
func (d *Driver) Fsync(f vfs.FileHandle) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	return fh.SetErr(m.store.disk.Sync())
}

func (d *Driver) Fchmod(f vfs.FileHandle, mode uint32) error {
	m, fh, err := handleOf(f)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	ro, ok := fh.f.(interface{ SetReadOnly(bool) error })
	if !ok {
		return vfs.ErrUnsupported
	}
	return fh.SetErr(libErr("fchmod", ro.SetReadOnly(mode&vfs.ModeWrite == 0)))
}

// DirOpen snapshots the directory listing; DirReset takes a new one.
func (d *Driver) DirOpen(mp vfs.MountPoint, p string) (vfs.DirHandle, error) {
	m, err := vfs.As[*MountPoint](mp)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, vfs.ErrNotDir
	}
	if p != "/" {
		p = stored(p, fi)
	}
	entries, err := m.fs.ReadDir(p)
	if err != nil {
		return nil, libErr("opendir", err)
	}
	return &dir{DirBase: vfs.NewDirBase(mp, p), entries: entries}, nil
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
	m.mu.Lock()
	return m, dh, nil
}

func (d *Driver) DirNext(dh vfs.DirHandle, st *vfs.Stat) (string, error) {
	m, h, err := dirOf(dh)
	if err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	if h.pos >= len(h.entries) {
		return "", vfs.ErrEndOfDir
	}
	fi := h.entries[h.pos]
	h.pos++
	p := h.Path()
	if p != "/" {
		p += "/"
	}
	m.fillStat(st, p+fi.Name(), fi)
	return fi.Name(), nil
}

func (d *Driver) DirReset(dh vfs.DirHandle) error {
	m, h, err := dirOf(dh)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	entries, err := m.fs.ReadDir(h.Path())
	if err != nil {
		return libErr("rewinddir", err)
	}
	h.entries, h.pos = entries, 0
	return nil
}

func (d *Driver) DirClose(dh vfs.DirHandle) error {
	m, h, err := dirOf(dh)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	h.entries = nil
	return nil
}
