package vfs

import (
	"context"
	"syscall"
	"time"

	"github.com/hupe1980/phonefs/notify"
)

const accessModeMask = syscall.O_RDONLY | syscall.O_WRONLY | syscall.O_RDWR

// modifies reports whether open flags require write access to the volume.
func modifies(flags int) bool {
	return flags&accessModeMask != syscall.O_RDONLY ||
		flags&(syscall.O_CREAT|syscall.O_TRUNC|syscall.O_APPEND) != 0
}

// Open opens p and returns a descriptor.
func (fs *Filesystem) Open(ctx context.Context, p string, flags int, mode uint32) (int, error) {
	start := time.Now()
	fd, err := fs.open(ctx, p, flags, mode)
	fs.metrics.RecordOpen(time.Since(start), err)
	return fd, err
}

func (fs *Filesystem) open(ctx context.Context, p string, flags int, mode uint32) (int, error) {
	t, err := fs.lookup(ctx, "open", p)
	if err != nil {
		return -1, err
	}
	if t.readOnly() && modifies(flags) {
		return -1, pathErr("open", t.abs, ErrReadOnly)
	}

	created := false
	if flags&syscall.O_CREAT != 0 {
		var st Stat
		created = t.drv.Stat(t.mp, t.rel, &st) != nil
	}

	fh, err := t.drv.Open(t.mp, t.rel, flags, mode)
	if err != nil {
		return -1, pathErr("open", t.abs, err)
	}

	fs.fdMu.Lock()
	fd := fs.files.Insert(&openFile{fh: fh, path: t.abs}) + firstFD
	fs.notifier.TrackOpen(fd, t.abs)
	fs.fdMu.Unlock()

	if created {
		fs.notifier.Notify(t.abs, "", notify.EventCreate)
	}
	return fd, nil
}

func (fs *Filesystem) file(fd int) (*openFile, error) {
	if fd < firstFD {
		return nil, ErrBadFD
	}
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	of, ok := fs.files.Get(fd - firstFD)
	if !ok {
		return nil, ErrBadFD
	}
	return of, nil
}

// resolve returns the open file with its mount point and driver.
func (fs *Filesystem) resolve(fd int) (*openFile, MountPoint, Driver, error) {
	of, err := fs.file(fd)
	if err != nil {
		return nil, nil, nil, err
	}
	mp, err := of.fh.fileBase().Mount()
	if err != nil {
		return nil, nil, nil, err
	}
	drv, ok := mp.base().Driver()
	if !ok {
		return nil, nil, nil, ErrExpired
	}
	return of, mp, drv, nil
}

// Close releases fd. Descriptors of unmounted volumes are released too, but
// report ErrExpired. The slot may be reused as soon as it is released, so
// events for the closed file are addressed by path.
func (fs *Filesystem) Close(fd int) error {
	if fd < firstFD {
		return ErrBadFD
	}
	fs.fdMu.Lock()
	of, ok := fs.files.Get(fd - firstFD)
	if ok {
		fs.notifier.TrackClose(fd)
		fs.files.Set(fd-firstFD, nil)
		fs.files.Remove(fd - firstFD)
	}
	fs.fdMu.Unlock()
	if !ok {
		return ErrBadFD
	}

	ev := notify.EventCloseNoWrite
	if of.written.Load() {
		ev = notify.EventCloseWrite
	}

	mp, err := of.fh.fileBase().Mount()
	if err != nil {
		return err
	}
	drv, ok := mp.base().Driver()
	if !ok {
		return ErrExpired
	}
	if err := drv.Close(of.fh); err != nil {
		return pathErr("close", of.path, err)
	}
	fs.notifier.Notify(of.path, "", ev)
	return nil
}

func (fs *Filesystem) Read(fd int, buf []byte) (int, error) {
	start := time.Now()
	n, err := fs.read(fd, buf)
	fs.metrics.RecordRead(n, time.Since(start), err)
	return n, err
}

func (fs *Filesystem) read(fd int, buf []byte) (int, error) {
	of, _, drv, err := fs.resolve(fd)
	if err != nil {
		return 0, err
	}
	if of.fh.fileBase().Flags()&accessModeMask == syscall.O_WRONLY {
		return 0, ErrBadFD
	}
	n, err := drv.Read(of.fh, buf)
	if err != nil {
		return n, pathErr("read", of.path, err)
	}
	return n, nil
}

func (fs *Filesystem) Write(fd int, buf []byte) (int, error) {
	start := time.Now()
	n, err := fs.write(fd, buf)
	fs.metrics.RecordWrite(n, time.Since(start), err)
	return n, err
}

func (fs *Filesystem) write(fd int, buf []byte) (int, error) {
	of, mp, drv, err := fs.resolve(fd)
	if err != nil {
		return 0, err
	}
	if mp.base().ReadOnly() {
		return 0, pathErr("write", of.path, ErrReadOnly)
	}
	if of.fh.fileBase().Flags()&accessModeMask == syscall.O_RDONLY {
		return 0, ErrBadFD
	}
	n, err := drv.Write(of.fh, buf)
	if n > 0 {
		of.written.Store(true)
		fs.notifier.Notify(of.path, "", notify.EventModify)
	}
	if err != nil {
		return n, pathErr("write", of.path, err)
	}
	if mp.base().Flags()&FlagSynchronous != 0 {
		if err := drv.Fsync(of.fh); err != nil {
			return n, pathErr("write", of.path, err)
		}
	}
	return n, nil
}

// Seek repositions fd; whence is io.SeekStart, io.SeekCurrent or io.SeekEnd.
func (fs *Filesystem) Seek(fd int, off int64, whence int) (int64, error) {
	of, _, drv, err := fs.resolve(fd)
	if err != nil {
		return -1, err
	}
	if whence < 0 || whence > 2 {
		return -1, ErrInvalid
	}
	pos, err := drv.Seek(of.fh, off, whence)
	if err != nil {
		return -1, pathErr("seek", of.path, err)
	}
	return pos, nil
}

func (fs *Filesystem) Fstat(fd int, st *Stat) error {
	of, mp, drv, err := fs.resolve(fd)
	if err != nil {
		return err
	}
	if err := drv.Fstat(of.fh, st); err != nil {
		return pathErr("fstat", of.path, err)
	}
	maskReadOnly(mp, st)
	return nil
}

func (fs *Filesystem) Ftruncate(fd int, size int64) error {
	of, mp, drv, err := fs.resolve(fd)
	if err != nil {
		return err
	}
	if mp.base().ReadOnly() {
		return pathErr("ftruncate", of.path, ErrReadOnly)
	}
	if size < 0 {
		return pathErr("ftruncate", of.path, ErrInvalid)
	}
	if err := drv.Ftruncate(of.fh, size); err != nil {
		return pathErr("ftruncate", of.path, err)
	}
	of.written.Store(true)
	fs.notifier.Notify(of.path, "", notify.EventModify)
	return nil
}

func (fs *Filesystem) Fsync(fd int) error {
	of, _, drv, err := fs.resolve(fd)
	if err != nil {
		return err
	}
	return pathErr("fsync", of.path, drv.Fsync(of.fh))
}

func (fs *Filesystem) Fchmod(fd int, mode uint32) error {
	of, mp, drv, err := fs.resolve(fd)
	if err != nil {
		return err
	}
	if mp.base().ReadOnly() {
		return pathErr("fchmod", of.path, ErrReadOnly)
	}
	if err := drv.Fchmod(of.fh, mode&ModePerm); err != nil {
		return pathErr("fchmod", of.path, err)
	}
	fs.notifier.Notify(of.path, "", notify.EventAttrib)
	return nil
}

// OpenFiles returns the number of live descriptors.
func (fs *Filesystem) OpenFiles() int {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	return fs.files.Count()
}

// FilePath returns the absolute path fd was opened with.
func (fs *Filesystem) FilePath(fd int) (string, error) {
	of, err := fs.file(fd)
	if err != nil {
		return "", err
	}
	return of.path, nil
}

// maskReadOnly clears the write bits of entries on read-only mounts.
func maskReadOnly(mp MountPoint, st *Stat) {
	if mp.base().ReadOnly() {
		st.Mode &^= ModeWrite
	}
}
