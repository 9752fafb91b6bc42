// Package posix exposes the filesystem through libc-shaped calls.
//
// Every call returns the libc result together with an errno: -1 (or nil)
// and a non-zero syscall.Errno on failure, the result and 0 on success.
// Errors of the VFS are converted with vfs.Errno, which maps anything
// without an errno to EIO.
package posix

import (
	"context"
	"syscall"

	"github.com/hupe1980/phonefs/vfs"
)

// Pathconf variables.
const (
	PCLinkMax = 0
	PCNameMax = 3
	PCPathMax = 4
)

// PathMax is returned by Pathconf for PCPathMax.
const PathMax = vfs.PathMax

// Shim forwards calls to a filesystem core.
type Shim struct {
	fs   *vfs.Filesystem
	dirs *dirTable
}

// New creates a shim for fs.
func New(fs *vfs.Filesystem) *Shim {
	return &Shim{fs: fs, dirs: newDirTable()}
}

// ret converts err into the libc convention for int returning calls.
func ret(err error) (int, syscall.Errno) {
	if err != nil {
		return -1, vfs.Errno(err)
	}
	return 0, 0
}

func (s *Shim) Open(ctx context.Context, path string, flags int, mode uint32) (int, syscall.Errno) {
	fd, err := s.fs.Open(ctx, path, flags, mode)
	if err != nil {
		return -1, vfs.Errno(err)
	}
	return fd, 0
}

func (s *Shim) Close(fd int) (int, syscall.Errno) {
	return ret(s.fs.Close(fd))
}

func (s *Shim) Read(fd int, buf []byte) (int, syscall.Errno) {
	n, err := s.fs.Read(fd, buf)
	if err != nil {
		return -1, vfs.Errno(err)
	}
	return n, 0
}

func (s *Shim) Write(fd int, buf []byte) (int, syscall.Errno) {
	n, err := s.fs.Write(fd, buf)
	if err != nil {
		return -1, vfs.Errno(err)
	}
	return n, 0
}

func (s *Shim) Lseek(fd int, off int64, whence int) (int64, syscall.Errno) {
	pos, err := s.fs.Seek(fd, off, whence)
	if err != nil {
		return -1, vfs.Errno(err)
	}
	return pos, 0
}

func (s *Shim) Fstat(fd int, st *vfs.Stat) (int, syscall.Errno) {
	if st == nil {
		return -1, syscall.EINVAL
	}
	return ret(s.fs.Fstat(fd, st))
}

func (s *Shim) Stat(ctx context.Context, path string, st *vfs.Stat) (int, syscall.Errno) {
	if st == nil {
		return -1, syscall.EINVAL
	}
	return ret(s.fs.Stat(ctx, path, st))
}

func (s *Shim) Ftruncate(fd int, length int64) (int, syscall.Errno) {
	return ret(s.fs.Ftruncate(fd, length))
}

func (s *Shim) Fsync(fd int) (int, syscall.Errno) {
	return ret(s.fs.Fsync(fd))
}

func (s *Shim) Fchmod(fd int, mode uint32) (int, syscall.Errno) {
	return ret(s.fs.Fchmod(fd, mode))
}

func (s *Shim) Chmod(ctx context.Context, path string, mode uint32) (int, syscall.Errno) {
	return ret(s.fs.Chmod(ctx, path, mode))
}

func (s *Shim) Link(ctx context.Context, existing, newLink string) (int, syscall.Errno) {
	return ret(s.fs.Link(ctx, existing, newLink))
}

func (s *Shim) Symlink(ctx context.Context, target, linkPath string) (int, syscall.Errno) {
	return ret(s.fs.Symlink(ctx, target, linkPath))
}

// Readlink always fails with EINVAL: no bundled backend stores symlinks.
func (s *Shim) Readlink(context.Context, string, []byte) (int, syscall.Errno) {
	return -1, syscall.EINVAL
}

func (s *Shim) Unlink(ctx context.Context, path string) (int, syscall.Errno) {
	return ret(s.fs.Unlink(ctx, path))
}

func (s *Shim) Rename(ctx context.Context, oldPath, newPath string) (int, syscall.Errno) {
	return ret(s.fs.Rename(ctx, oldPath, newPath))
}

func (s *Shim) Mkdir(ctx context.Context, path string, mode uint32) (int, syscall.Errno) {
	return ret(s.fs.Mkdir(ctx, path, mode))
}

func (s *Shim) Rmdir(ctx context.Context, path string) (int, syscall.Errno) {
	return ret(s.fs.Rmdir(ctx, path))
}

func (s *Shim) Chdir(ctx context.Context, path string) (int, syscall.Errno) {
	return ret(s.fs.Chdir(ctx, path))
}

// Getcwd copies the working directory into buf with a terminating NUL and
// returns its length. A buffer too small for both fails with ERANGE.
func (s *Shim) Getcwd(ctx context.Context, buf []byte) (int, syscall.Errno) {
	if len(buf) == 0 {
		return -1, syscall.EINVAL
	}
	dir := s.fs.Getcwd(ctx)
	if len(dir)+1 > len(buf) {
		return -1, syscall.ERANGE
	}
	n := copy(buf, dir)
	buf[n] = 0
	return n, 0
}

// Fcntl is not supported.
func (s *Shim) Fcntl(int, int, int) (int, syscall.Errno) {
	return -1, syscall.ENOTSUP
}

func (s *Shim) Statvfs(ctx context.Context, path string, st *vfs.StatFS) (int, syscall.Errno) {
	if st == nil {
		return -1, syscall.EINVAL
	}
	return ret(s.fs.StatVFS(ctx, path, st))
}

// Mount takes the raw flag word of mount(2).
func (s *Shim) Mount(ctx context.Context, source, target, fstype string, flags uint32, data []byte) (int, syscall.Errno) {
	return ret(s.fs.Mount(ctx, source, target, fstype, vfs.MountFlags(flags), data))
}

func (s *Shim) Umount(ctx context.Context, target string) (int, syscall.Errno) {
	return ret(s.fs.Umount(ctx, target))
}

// Pathconf answers PCPathMax only.
func (s *Shim) Pathconf(_ context.Context, _ string, name int) (int64, syscall.Errno) {
	return pathconf(name)
}

// Fpathconf answers PCPathMax only.
func (s *Shim) Fpathconf(_ int, name int) (int64, syscall.Errno) {
	return pathconf(name)
}

func pathconf(name int) (int64, syscall.Errno) {
	if name == PCPathMax {
		return PathMax, 0
	}
	return -1, syscall.EINVAL
}
