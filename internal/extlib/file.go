package extlib

import (
	"errors"
	"io"
	"slices"
	"strings"
	"syscall"

	"github.com/hupe1980/phonefs/internal/cache"
	"github.com/hupe1980/phonefs/internal/nodetree"
)

// FileMax is the largest supported file size.
const FileMax = 1<<32 - 1

// Mode type bits reported by InodeStat.
const (
	ModeDir = 0o040000
	ModeReg = 0o100000
)

// File is an open file. The zero value is ready for Fopen.
type File struct {
	mp    *mountState
	node  *nodetree.Node
	flags int
	pos   int64
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nodetree.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, nodetree.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, nodetree.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, nodetree.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, nodetree.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, nodetree.ErrInvalid):
		return syscall.EINVAL
	}
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	return syscall.EIO
}

// parseMode converts an fopen mode string into open flags.
func parseMode(mode string) (int, error) {
	switch strings.ReplaceAll(mode, "b", "") {
	case "r":
		return syscall.O_RDONLY, nil
	case "w":
		return syscall.O_WRONLY | syscall.O_CREAT | syscall.O_TRUNC, nil
	case "a":
		return syscall.O_WRONLY | syscall.O_CREAT | syscall.O_APPEND, nil
	case "r+":
		return syscall.O_RDWR, nil
	case "w+":
		return syscall.O_RDWR | syscall.O_CREAT | syscall.O_TRUNC, nil
	case "a+":
		return syscall.O_RDWR | syscall.O_CREAT | syscall.O_APPEND, nil
	}
	return 0, syscall.EINVAL
}

// Fopen opens path with an fopen style mode such as "rb" or "w+".
func Fopen(f *File, path, mode string) error {
	flags, err := parseMode(mode)
	if err != nil {
		return err
	}
	return Fopen2(f, path, flags)
}

// Fopen2 opens path with O_ flags.
func Fopen2(f *File, path string, flags int) error {
	defer enter()()
	m, p, err := lookupMount(path)
	if err != nil {
		return err
	}
	writable := flags&syscall.O_ACCMODE != syscall.O_RDONLY
	if m.readOnly && (writable || flags&syscall.O_CREAT != 0) {
		return syscall.EROFS
	}

	n, err := m.tree.Lookup(p)
	switch {
	case errors.Is(err, nodetree.ErrNotExist) && flags&syscall.O_CREAT != 0:
		if err := m.reserveMeta(nodeOverhead + len(p)); err != nil {
			return err
		}
		if n, err = m.tree.Create(p, nodetree.KindFile, 0o644); err != nil {
			m.metaSize -= nodeOverhead + len(p)
			return mapErr(err)
		}
	case err != nil:
		return mapErr(err)
	case flags&syscall.O_CREAT != 0 && flags&syscall.O_EXCL != 0:
		return syscall.EEXIST
	case n.IsDir():
		return syscall.EISDIR
	case flags&syscall.O_TRUNC != 0 && writable:
		if err := m.truncate(n, 0); err != nil {
			return err
		}
	}

	*f = File{mp: m, node: n, flags: flags}
	m.opened(n, 1)
	return nil
}

func (m *mountState) opened(n *nodetree.Node, delta int) {
	if m.opens == nil {
		m.opens = map[*nodetree.Node]int{}
	}
	m.opens[n] += delta
	if m.opens[n] <= 0 {
		delete(m.opens, n)
		if n.Detached() {
			m.releaseExtents(n, 0)
		}
	}
}

func (f *File) check() error {
	if f == nil || f.mp == nil || f.mp.closed {
		return syscall.EBADF
	}
	return nil
}

// Fclose releases the file. Blocks of an unlinked file are freed when
// its last open file is closed.
func Fclose(f *File) error {
	defer enter()()
	if err := f.check(); err != nil {
		return err
	}
	m := f.mp
	m.opened(f.node, -1)
	*f = File{}
	if !m.writeBack {
		return m.cache.Flush()
	}
	return nil
}

func (m *mountState) key(b uint64) cache.Key {
	return cache.Key{Device: m.devName, Block: b}
}

func (m *mountState) readBlock(b uint64) ([]byte, error) {
	if buf, ok := m.cache.Get(m.key(b)); ok {
		return buf, nil
	}
	buf := make([]byte, m.dev.bs)
	if err := m.dev.read(b, buf); err != nil {
		return nil, err
	}
	_ = m.cache.Set(m.key(b), buf)
	return buf, nil
}

func (m *mountState) alloc() (uint64, error) {
	if m.free.IsEmpty() {
		return 0, syscall.ENOSPC
	}
	b := uint64(m.free.Minimum())
	m.free.Remove(uint32(b))
	m.metaDirty = true
	return b, nil
}

func (m *mountState) release(b uint64) {
	k := m.key(b)
	m.cache.Invalidate(func(key cache.Key) bool { return key == k })
	m.free.Add(uint32(b))
	m.metaDirty = true
}

// releaseExtents frees the blocks of n from file block keep onwards.
func (m *mountState) releaseExtents(n *nodetree.Node, keep int) {
	if keep >= len(n.Extents) {
		return
	}
	for _, b := range n.Extents[keep:] {
		if b != 0 {
			m.release(b)
		}
	}
	if !n.Detached() {
		m.metaSize -= 8 * (len(n.Extents) - keep)
	}
	n.Extents = n.Extents[:keep]
}

// blockFor returns the device block of file block i, allocating it when
// missing. fresh reports a newly allocated block.
func (m *mountState) blockFor(n *nodetree.Node, i int) (b uint64, fresh bool, err error) {
	if i >= len(n.Extents) {
		grow := i + 1 - len(n.Extents)
		if !n.Detached() {
			if err := m.reserveMeta(8 * grow); err != nil {
				return 0, false, err
			}
		}
		n.Extents = append(n.Extents, make([]uint64, grow)...)
	}
	if n.Extents[i] != 0 {
		return n.Extents[i], false, nil
	}
	if b, err = m.alloc(); err != nil {
		return 0, false, err
	}
	n.Extents[i] = b
	return b, true, nil
}

// truncate resizes n. On error the node is left unchanged.
func (m *mountState) truncate(n *nodetree.Node, size int64) error {
	bs := int64(m.dev.bs)
	keep := int((size + bs - 1) / bs)
	if rem := size % bs; rem != 0 && keep > 0 && keep <= len(n.Extents) && n.Extents[keep-1] != 0 {
		// clear the tail so a later extension reads zeros
		old, err := m.readBlock(n.Extents[keep-1])
		if err != nil {
			return err
		}
		data := slices.Clone(old)
		clear(data[rem:])
		if err := m.cache.SetDirty(m.key(n.Extents[keep-1]), data); err != nil {
			return err
		}
	}
	m.releaseExtents(n, keep)
	n.Size = size
	n.Touch()
	m.metaDirty = true
	return nil
}

// Fread reads from the current position.
func Fread(f *File, buf []byte) (int, error) {
	defer enter()()
	if err := f.check(); err != nil {
		return 0, err
	}
	if f.flags&syscall.O_ACCMODE == syscall.O_WRONLY {
		return 0, syscall.EBADF
	}
	m, n := f.mp, f.node
	if f.pos >= n.Size {
		return 0, nil
	}
	bs := int64(m.dev.bs)
	want := min(int64(len(buf)), n.Size-f.pos)
	var done int64
	for done < want {
		bi := int((f.pos + done) / bs)
		in := (f.pos + done) % bs
		c := min(bs-in, want-done)
		dst := buf[done : done+c]
		if bi < len(n.Extents) && n.Extents[bi] != 0 {
			data, err := m.readBlock(n.Extents[bi])
			if err != nil {
				f.pos += done
				return int(done), err
			}
			copy(dst, data[in:in+c])
		} else {
			clear(dst)
		}
		done += c
	}
	f.pos += done
	return int(done), nil
}

// Fwrite writes at the current position, or at the end with O_APPEND.
func Fwrite(f *File, buf []byte) (int, error) {
	defer enter()()
	if err := f.check(); err != nil {
		return 0, err
	}
	m, n := f.mp, f.node
	if m.readOnly {
		return 0, syscall.EROFS
	}
	if f.flags&syscall.O_ACCMODE == syscall.O_RDONLY {
		return 0, syscall.EBADF
	}
	if f.flags&syscall.O_APPEND != 0 {
		f.pos = n.Size
	}
	if f.pos+int64(len(buf)) > FileMax {
		return 0, syscall.EFBIG
	}

	bs := int64(m.dev.bs)
	var done int64
	var err error
	for done < int64(len(buf)) {
		bi := int(f.pos / bs)
		in := f.pos % bs
		c := min(bs-in, int64(len(buf))-done)

		var b uint64
		var fresh bool
		if b, fresh, err = m.blockFor(n, bi); err != nil {
			break
		}
		var data []byte
		if fresh || (in == 0 && c == bs) {
			data = make([]byte, bs)
		} else {
			old, rerr := m.readBlock(b)
			if rerr != nil {
				err = rerr
				break
			}
			data = slices.Clone(old)
		}
		copy(data[in:], buf[done:done+c])
		if err = m.cache.SetDirty(m.key(b), data); err != nil {
			err = syscall.EIO
			break
		}
		done += c
		f.pos += c
		n.Size = max(n.Size, f.pos)
	}
	if done > 0 {
		n.Touch()
		m.metaDirty = true
	}
	if err == nil && !m.writeBack {
		err = m.cache.Flush()
	}
	return int(done), err
}

// Fseek moves the position.
func Fseek(f *File, off int64, whence int) error {
	defer enter()()
	if err := f.check(); err != nil {
		return err
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = off
	case io.SeekCurrent:
		pos = f.pos + off
	case io.SeekEnd:
		pos = f.node.Size + off
	default:
		return syscall.EINVAL
	}
	if pos < 0 || pos > FileMax {
		return syscall.EINVAL
	}
	f.pos = pos
	return nil
}

// Ftell returns the position, or -1 for a closed file.
func Ftell(f *File) int64 {
	defer enter()()
	if f.check() != nil {
		return -1
	}
	return f.pos
}

// Fsize returns the file size, or -1 for a closed file.
func Fsize(f *File) int64 {
	defer enter()()
	if f.check() != nil {
		return -1
	}
	return f.node.Size
}

// Ftruncate resizes the file.
func Ftruncate(f *File, size int64) error {
	defer enter()()
	if err := f.check(); err != nil {
		return err
	}
	if f.mp.readOnly {
		return syscall.EROFS
	}
	if f.flags&syscall.O_ACCMODE == syscall.O_RDONLY {
		return syscall.EBADF
	}
	if size < 0 || size > FileMax {
		return syscall.EINVAL
	}
	if err := f.mp.truncate(f.node, size); err != nil {
		return err
	}
	if !f.mp.writeBack {
		return f.mp.cache.Flush()
	}
	return nil
}

// FileInode returns the inode number of an open file.
func FileInode(f *File) (uint64, error) {
	defer enter()()
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.node.Ino, nil
}
