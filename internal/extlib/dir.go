package extlib

import (
	"syscall"

	"github.com/hupe1980/phonefs/internal/nodetree"
)

// Directory entry types.
const (
	DETypeUnknown uint8 = 0
	DETypeReg     uint8 = 1
	DETypeDir     uint8 = 2
)

// DirEntry is one directory entry.
type DirEntry struct {
	Inode uint64
	Name  string
	Type  uint8
}

// Dir is an open directory. The zero value is ready for DirOpen.
type Dir struct {
	mp      *mountState
	node    *nodetree.Node
	entries []*nodetree.Node
	pos     int
	de      DirEntry
}

// Inode describes a file or directory.
type Inode struct {
	Ino   uint64
	Mode  uint32
	Size  int64
	Mtime int64
	// Blocks is the number of allocated filesystem blocks.
	Blocks uint64
}

func writable(path string) (*mountState, string, error) {
	m, p, err := lookupMount(path)
	if err != nil {
		return nil, "", err
	}
	if m.readOnly {
		return nil, "", syscall.EROFS
	}
	return m, p, nil
}

// DirMk creates a directory.
func DirMk(path string) error {
	defer enter()()
	m, p, err := writable(path)
	if err != nil {
		return err
	}
	if p == "/" {
		return syscall.EEXIST
	}
	if err := m.reserveMeta(nodeOverhead + len(p)); err != nil {
		return err
	}
	if _, err := m.tree.Create(p, nodetree.KindDir, 0o755); err != nil {
		m.metaSize -= nodeOverhead + len(p)
		return mapErr(err)
	}
	return nil
}

// DirRm removes an empty directory.
func DirRm(path string) error {
	defer enter()()
	m, p, err := writable(path)
	if err != nil {
		return err
	}
	n, err := m.tree.Lookup(p)
	if err != nil {
		return mapErr(err)
	}
	if !n.IsDir() {
		return syscall.ENOTDIR
	}
	if _, err := m.tree.Remove(p); err != nil {
		return mapErr(err)
	}
	m.recount()
	m.metaDirty = true
	return nil
}

// FileRemove unlinks a file. Its blocks are freed once no open file
// refers to it.
func FileRemove(path string) error {
	defer enter()()
	m, p, err := writable(path)
	if err != nil {
		return err
	}
	n, err := m.tree.Lookup(p)
	if err != nil {
		return mapErr(err)
	}
	if n.IsDir() {
		return syscall.EISDIR
	}
	if _, err := m.tree.Remove(p); err != nil {
		return mapErr(err)
	}
	m.dropped(n)
	return nil
}

// dropped releases a node that left the tree.
func (m *mountState) dropped(n *nodetree.Node) {
	if m.opens[n] == 0 {
		m.releaseExtents(n, 0)
	}
	m.recount()
	m.metaDirty = true
}

// FileRename moves a file or directory within one mount.
func FileRename(oldPath, newPath string) error {
	defer enter()()
	m, op, err := writable(oldPath)
	if err != nil {
		return err
	}
	nm, np, err := lookupMount(newPath)
	if err != nil {
		return err
	}
	if nm != m {
		return syscall.EXDEV
	}
	replaced, err := m.tree.Rename(op, np)
	if err != nil {
		return mapErr(err)
	}
	if replaced != nil {
		m.dropped(replaced)
		return nil
	}
	m.recount()
	m.metaDirty = true
	return nil
}

// ModeSet sets the permission bits of path.
func ModeSet(path string, mode uint32) error {
	defer enter()()
	m, p, err := writable(path)
	if err != nil {
		return err
	}
	n, err := m.tree.Lookup(p)
	if err != nil {
		return mapErr(err)
	}
	n.Mode = mode & 0o7777
	m.metaDirty = true
	return nil
}

// ModeGet returns the permission bits of path.
func ModeGet(path string) (uint32, error) {
	defer enter()()
	m, p, err := lookupMount(path)
	if err != nil {
		return 0, err
	}
	n, err := m.tree.Lookup(p)
	if err != nil {
		return 0, mapErr(err)
	}
	return n.Mode, nil
}

func fillInode(n *nodetree.Node, st *Inode) {
	*st = Inode{Ino: n.Ino, Mode: n.Mode & 0o7777, Size: n.Size, Mtime: n.Mtime}
	for _, b := range n.Extents {
		if b != 0 {
			st.Blocks++
		}
	}
	if n.IsDir() {
		st.Mode |= ModeDir
		st.Size = 0
	} else {
		st.Mode |= ModeReg
	}
}

// InodeStat describes path.
func InodeStat(path string, st *Inode) error {
	defer enter()()
	m, p, err := lookupMount(path)
	if err != nil {
		return err
	}
	n, err := m.tree.Lookup(p)
	if err != nil {
		return mapErr(err)
	}
	fillInode(n, st)
	return nil
}

// FileStat describes an open file.
func FileStat(f *File, st *Inode) error {
	defer enter()()
	if err := f.check(); err != nil {
		return err
	}
	fillInode(f.node, st)
	return nil
}

// FileModeSet sets the permission bits of an open file.
func FileModeSet(f *File, mode uint32) error {
	defer enter()()
	if err := f.check(); err != nil {
		return err
	}
	if f.mp.readOnly {
		return syscall.EROFS
	}
	f.node.Mode = mode & 0o7777
	f.mp.metaDirty = true
	return nil
}

// DirOpen opens a directory for listing.
func DirOpen(d *Dir, path string) error {
	defer enter()()
	m, p, err := lookupMount(path)
	if err != nil {
		return err
	}
	n, err := m.tree.Lookup(p)
	if err != nil {
		return mapErr(err)
	}
	if !n.IsDir() {
		return syscall.ENOTDIR
	}
	*d = Dir{mp: m, node: n, entries: n.Children()}
	return nil
}

// DirEntryNext returns the next entry or nil at the end. The listing
// starts with "." and "..". The entry is valid until the next call.
func DirEntryNext(d *Dir) *DirEntry {
	defer enter()()
	if d == nil || d.mp == nil || d.mp.closed {
		return nil
	}
	for {
		switch {
		case d.pos == 0:
			d.de = DirEntry{Inode: d.node.Ino, Name: ".", Type: DETypeDir}
		case d.pos == 1:
			d.de = DirEntry{Name: "..", Type: DETypeDir}
		case d.pos-2 < len(d.entries):
			n := d.entries[d.pos-2]
			if n.Detached() {
				d.pos++
				continue
			}
			d.de = DirEntry{Inode: n.Ino, Name: n.Name(), Type: DETypeReg}
			if n.IsDir() {
				d.de.Type = DETypeDir
			}
		default:
			return nil
		}
		d.pos++
		return &d.de
	}
}

// DirEntryRewind restarts the listing.
func DirEntryRewind(d *Dir) {
	defer enter()()
	if d == nil || d.node == nil {
		return
	}
	d.pos = 0
	d.entries = d.node.Children()
}

// DirClose releases the directory.
func DirClose(d *Dir) error {
	defer enter()()
	if d == nil || d.mp == nil {
		return syscall.EBADF
	}
	*d = Dir{}
	return nil
}
