package txlib

import (
	"errors"
	"io"

	"github.com/hupe1980/phonefs/internal/nodetree"
)

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nodetree.ErrNotExist):
		return ENOENT
	case errors.Is(err, nodetree.ErrExist):
		return EEXIST
	case errors.Is(err, nodetree.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, nodetree.ErrIsDir):
		return EISDIR
	case errors.Is(err, nodetree.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, nodetree.ErrInvalid):
		return EINVAL
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EIO
}

func fillStat(n *nodetree.Node, st *Stat) {
	*st = Stat{Ino: n.Ino, Mode: n.Mode &^ (ModeDir | ModeReg), Nlink: 1, Size: n.Size, Mtime: n.Mtime}
	if n.IsDir() {
		st.Mode |= ModeDir
		st.Size = 0
	} else {
		st.Mode |= ModeReg
	}
	if n.Detached() {
		st.Nlink = 0
	}
}

func entrySize(n *nodetree.Node) int64 {
	return nodeOverhead + int64(len(n.Path())) + int64(len(n.Data))
}

// lookup returns the live handle fd. Handles of unmounted volumes were
// released by Unmount, but the number may since have been reused.
func lookup(fd int, dir bool) (*handle, error) {
	h, ok := handles.Get(fd)
	if !ok || h == nil {
		return nil, EBADF
	}
	if h.dir != dir {
		if dir {
			return nil, ENOTDIR
		}
		return nil, EISDIR
	}
	return h, nil
}

func (h *handle) readable() bool { return h.flags&(ORDONLY|ORDWR) != 0 }
func (h *handle) writable() bool { return h.flags&(OWRONLY|ORDWR) != 0 }

// Open opens "vol:/path" and returns a handle number.
func Open(p string, flags int) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	switch flags & oAccess {
	case ORDONLY, OWRONLY, ORDWR:
	default:
		return -1, EINVAL
	}
	v, p, err := resolve(p)
	if err != nil {
		return -1, err
	}
	if handles.Count() >= MaxHandles {
		return -1, EMFILE
	}

	created := false
	n, err := v.tree.Lookup(p)
	switch {
	case errors.Is(err, nodetree.ErrNotExist) && flags&OCREAT != 0:
		if err := v.reserve(nodeOverhead + int64(len(p))); err != nil {
			return -1, err
		}
		if n, err = v.tree.Create(p, nodetree.KindFile, 0o644); err != nil {
			v.used -= nodeOverhead + int64(len(p))
			return -1, mapErr(err)
		}
		v.dirty, created = true, true
	case err != nil:
		return -1, mapErr(err)
	case flags&OCREAT != 0 && flags&OEXCL != 0:
		return -1, EEXIST
	case n.IsDir():
		return -1, EISDIR
	}

	h := &handle{vol: v, node: n, flags: flags}
	if flags&OTRUNC != 0 && h.writable() && n.Size > 0 {
		v.used -= int64(len(n.Data))
		n.Truncate(0)
		v.dirty, h.written = true, true
	}
	fd := handles.Insert(h)
	if created {
		if err := v.transactIf(TransCreat); err != nil {
			handles.Remove(fd)
			return -1, err
		}
	}
	return fd, nil
}

// Close releases a file handle.
func Close(fd int) error {
	mu.Lock()
	defer mu.Unlock()
	h, err := lookup(fd, false)
	if err != nil {
		return err
	}
	handles.Remove(fd)
	if h.written {
		return h.vol.transactIf(TransClose)
	}
	return nil
}

// Read reads from the handle position.
func Read(fd int, buf []byte) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	h, err := lookup(fd, false)
	if err != nil {
		return 0, err
	}
	if !h.readable() {
		return 0, EBADF
	}
	n := h.node.ReadAt(buf, h.pos)
	h.pos += int64(n)
	return n, nil
}

// Write writes at the handle position, or at the end with OAPPEND.
func Write(fd int, buf []byte) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	h, err := lookup(fd, false)
	if err != nil {
		return 0, err
	}
	if !h.writable() {
		return 0, EBADF
	}
	if h.flags&OAPPEND != 0 {
		h.pos = h.node.Size
	}
	end := h.pos + int64(len(buf))
	if end > FileMax {
		return 0, EFBIG
	}
	if !h.node.Detached() {
		if grow := end - int64(len(h.node.Data)); grow > 0 {
			if err := h.vol.reserve(grow); err != nil {
				return 0, err
			}
		}
		h.vol.dirty = true
	}
	h.node.WriteAt(buf, h.pos)
	h.pos = end
	h.written = true
	if err := h.vol.transactIf(TransWrite); err != nil {
		return len(buf), err
	}
	return len(buf), nil
}

// Lseek moves the handle position.
func Lseek(fd int, off int64, whence int) (int64, error) {
	mu.Lock()
	defer mu.Unlock()
	h, err := lookup(fd, false)
	if err != nil {
		return -1, err
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = off
	case io.SeekCurrent:
		pos = h.pos + off
	case io.SeekEnd:
		pos = h.node.Size + off
	default:
		return -1, EINVAL
	}
	if pos < 0 || pos > FileMax {
		return -1, EINVAL
	}
	h.pos = pos
	return pos, nil
}

// Ftruncate resizes the file.
func Ftruncate(fd int, size int64) error {
	mu.Lock()
	defer mu.Unlock()
	h, err := lookup(fd, false)
	if err != nil {
		return err
	}
	if !h.writable() {
		return EBADF
	}
	if size < 0 || size > FileMax {
		return EINVAL
	}
	if !h.node.Detached() {
		delta := size - int64(len(h.node.Data))
		if delta > 0 {
			if err := h.vol.reserve(delta); err != nil {
				return err
			}
		} else {
			h.vol.used += delta
		}
		h.vol.dirty = true
	}
	h.node.Truncate(size)
	h.written = true
	return h.vol.transactIf(TransTruncate)
}

// Fstat describes an open file.
func Fstat(fd int, st *Stat) error {
	mu.Lock()
	defer mu.Unlock()
	h, ok := handles.Get(fd)
	if !ok || h == nil {
		return EBADF
	}
	fillStat(h.node, st)
	return nil
}

// Fsync is a transaction point when TransFsync is set.
func Fsync(fd int) error {
	mu.Lock()
	defer mu.Unlock()
	h, err := lookup(fd, false)
	if err != nil {
		return err
	}
	return h.vol.transactIf(TransFsync)
}

// Fchmod sets the permission bits of an open file.
func Fchmod(fd int, mode uint32) error {
	mu.Lock()
	defer mu.Unlock()
	h, ok := handles.Get(fd)
	if !ok || h == nil {
		return EBADF
	}
	h.node.Mode = mode & 0o7777
	h.vol.dirty = true
	return nil
}

// StatPath describes "vol:/path".
func StatPath(p string, st *Stat) error {
	mu.Lock()
	defer mu.Unlock()
	v, p, err := resolve(p)
	if err != nil {
		return err
	}
	n, err := v.tree.Lookup(p)
	if err != nil {
		return mapErr(err)
	}
	fillStat(n, st)
	return nil
}

// Chmod sets the permission bits of "vol:/path".
func Chmod(p string, mode uint32) error {
	mu.Lock()
	defer mu.Unlock()
	v, p, err := resolve(p)
	if err != nil {
		return err
	}
	n, err := v.tree.Lookup(p)
	if err != nil {
		return mapErr(err)
	}
	n.Mode = mode & 0o7777
	v.dirty = true
	return nil
}

// Mkdir creates a directory.
func Mkdir(p string) error {
	mu.Lock()
	defer mu.Unlock()
	v, p, err := resolve(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return EEXIST
	}
	if err := v.reserve(nodeOverhead + int64(len(p))); err != nil {
		return err
	}
	if _, err := v.tree.Create(p, nodetree.KindDir, 0o755); err != nil {
		v.used -= nodeOverhead + int64(len(p))
		return mapErr(err)
	}
	v.dirty = true
	return v.transactIf(TransMkdir)
}

func remove(p string, dir bool) error {
	v, p, err := resolve(p)
	if err != nil {
		return err
	}
	n, err := v.tree.Lookup(p)
	if err != nil {
		return mapErr(err)
	}
	switch {
	case dir && !n.IsDir():
		return ENOTDIR
	case !dir && n.IsDir():
		return EISDIR
	}
	size := entrySize(n)
	if _, err := v.tree.Remove(p); err != nil {
		return mapErr(err)
	}
	v.used -= size
	v.dirty = true
	return v.transactIf(TransUnlink)
}

// Unlink removes a file. Open handles keep working on the orphaned data.
func Unlink(p string) error {
	mu.Lock()
	defer mu.Unlock()
	return remove(p, false)
}

// Rmdir removes an empty directory.
func Rmdir(p string) error {
	mu.Lock()
	defer mu.Unlock()
	return remove(p, true)
}

// Rename moves a file or directory within one volume.
func Rename(oldp, newp string) error {
	mu.Lock()
	defer mu.Unlock()
	v, oldp, err := resolve(oldp)
	if err != nil {
		return err
	}
	nv, newp, err := resolve(newp)
	if err != nil {
		return err
	}
	if nv != v {
		return EXDEV
	}
	if _, err := v.tree.Rename(oldp, newp); err != nil {
		return mapErr(err)
	}
	v.recount()
	v.dirty = true
	return v.transactIf(TransRename)
}

// Opendir opens a directory for reading.
func Opendir(p string) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	v, p, err := resolve(p)
	if err != nil {
		return -1, err
	}
	if handles.Count() >= MaxHandles {
		return -1, EMFILE
	}
	n, err := v.tree.Lookup(p)
	if err != nil {
		return -1, mapErr(err)
	}
	if !n.IsDir() {
		return -1, ENOTDIR
	}
	return handles.Insert(&handle{vol: v, node: n, dir: true, entries: n.Children()}), nil
}

// Readdir returns the next entry, or nil at the end of the directory.
func Readdir(fd int) (*DirEnt, error) {
	mu.Lock()
	defer mu.Unlock()
	h, err := lookup(fd, true)
	if err != nil {
		return nil, err
	}
	for h.dpos < len(h.entries) {
		n := h.entries[h.dpos]
		h.dpos++
		if n.Detached() {
			continue
		}
		ent := &DirEnt{Name: n.Name()}
		fillStat(n, &ent.Stat)
		return ent, nil
	}
	return nil, nil
}

// Rewinddir restarts a listing.
func Rewinddir(fd int) error {
	mu.Lock()
	defer mu.Unlock()
	h, err := lookup(fd, true)
	if err != nil {
		return err
	}
	h.dpos = 0
	h.entries = h.node.Children()
	return nil
}

// Closedir releases a directory handle.
func Closedir(fd int) error {
	mu.Lock()
	defer mu.Unlock()
	if _, err := lookup(fd, true); err != nil {
		return err
	}
	handles.Remove(fd)
	return nil
}
