package posix

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/hupe1980/phonefs/internal/handlemap"
	"github.com/hupe1980/phonefs/vfs"
)

// Directory entry types.
const (
	DTUnknown uint8 = 0
	DTDir     uint8 = 4
	DTReg     uint8 = 8
	DTLnk     uint8 = 10
)

// NameMax is the longest entry name Readdir returns.
const NameMax = 255

// Dirent is one directory entry.
type Dirent struct {
	Ino  uint64
	Type uint8
	Name string
}

func direntType(mode uint32) uint8 {
	switch mode & vfs.ModeType {
	case vfs.ModeDir:
		return DTDir
	case vfs.ModeReg:
		return DTReg
	case vfs.ModeSymlnk:
		return DTLnk
	}
	return DTUnknown
}

// dirTable maps DIR handles to open streams.
type dirTable struct {
	mu sync.Mutex
	m  *handlemap.Map[*vfs.Dir]
}

func newDirTable() *dirTable {
	return &dirTable{m: handlemap.New[*vfs.Dir]()}
}

func (t *dirTable) get(h int) (*vfs.Dir, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m.Get(h)
}

// Opendir opens a directory stream and returns its handle.
func (s *Shim) Opendir(ctx context.Context, path string) (int, syscall.Errno) {
	d, err := s.fs.DirOpen(ctx, path)
	if err != nil {
		return -1, vfs.Errno(err)
	}
	s.dirs.mu.Lock()
	h := s.dirs.m.Insert(d)
	s.dirs.mu.Unlock()
	return h, 0
}

// Readdir returns the next entry, or nil and 0 at the end of the stream.
func (s *Shim) Readdir(h int) (*Dirent, syscall.Errno) {
	d, ok := s.dirs.get(h)
	if !ok {
		return nil, syscall.EBADF
	}
	var st vfs.Stat
	name, err := s.fs.DirNext(d, &st)
	if errors.Is(err, vfs.ErrEndOfDir) {
		return nil, 0
	}
	if err != nil {
		return nil, vfs.Errno(err)
	}
	if len(name) > NameMax {
		return nil, syscall.EOVERFLOW
	}
	return &Dirent{Ino: st.Ino, Type: direntType(st.Mode), Name: name}, 0
}

func (s *Shim) Rewinddir(h int) syscall.Errno {
	d, ok := s.dirs.get(h)
	if !ok {
		return syscall.EBADF
	}
	return vfs.Errno(s.fs.DirReset(d))
}

// Seekdir moves to entry loc by rewinding when needed and skipping forward.
// Seeking past the end leaves the stream at its end.
func (s *Shim) Seekdir(h int, loc int) syscall.Errno {
	d, ok := s.dirs.get(h)
	if !ok {
		return syscall.EBADF
	}
	if loc < 0 {
		return syscall.EINVAL
	}
	if d.Tell() > loc {
		if err := s.fs.DirReset(d); err != nil {
			return vfs.Errno(err)
		}
	}
	var st vfs.Stat
	for d.Tell() < loc {
		if _, err := s.fs.DirNext(d, &st); err != nil {
			break
		}
	}
	return 0
}

func (s *Shim) Telldir(h int) (int, syscall.Errno) {
	d, ok := s.dirs.get(h)
	if !ok {
		return -1, syscall.EBADF
	}
	return d.Tell(), 0
}

// Closedir releases the handle even when the stream reports an error.
func (s *Shim) Closedir(h int) (int, syscall.Errno) {
	s.dirs.mu.Lock()
	d, ok := s.dirs.m.Get(h)
	if ok {
		s.dirs.m.Set(h, nil)
		s.dirs.m.Remove(h)
	}
	s.dirs.mu.Unlock()
	if !ok {
		return -1, syscall.EBADF
	}
	return ret(s.fs.DirClose(d))
}
