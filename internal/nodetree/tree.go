// Package nodetree is the in-memory namespace shared by the native
// filesystem libraries: a tree of directories and files addressed by
// slash-separated absolute paths, with a compact binary encoding.
package nodetree

import (
	"errors"
	"path"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotExist = errors.New("nodetree: no such file or directory")
	ErrExist    = errors.New("nodetree: file exists")
	ErrNotDir   = errors.New("nodetree: not a directory")
	ErrIsDir    = errors.New("nodetree: is a directory")
	ErrNotEmpty = errors.New("nodetree: directory not empty")
	ErrInvalid  = errors.New("nodetree: invalid path")
)

// Kind distinguishes files from directories.
type Kind uint8

const (
	KindFile Kind = 1
	KindDir  Kind = 2
)

// Node is a file or directory.
//
// Libraries keep file payload either inline in Data or as a list of device
// blocks in Extents; the tree itself does not interpret either.
type Node struct {
	Ino     uint64
	Kind    Kind
	Mode    uint32
	Size    int64
	Mtime   int64
	Data    []byte
	Extents []uint64

	name     string
	parent   *Node
	children map[string]*Node
}

// Name returns the final path element, "/" for the root.
func (n *Node) Name() string { return n.name }

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool { return n.Kind == KindDir }

// Detached reports whether n was removed from its tree.
func (n *Node) Detached() bool { return n.parent == nil && n.name != "/" }

// Path returns the absolute path of n.
func (n *Node) Path() string {
	if n.parent == nil {
		if n.name == "/" {
			return "/"
		}
		return ""
	}
	var parts []string
	for p := n; p.parent != nil; p = p.parent {
		parts = append(parts, p.name)
	}
	slices.Reverse(parts)
	return "/" + strings.Join(parts, "/")
}

// Len returns the number of entries of a directory.
func (n *Node) Len() int { return len(n.children) }

// Children returns the entries of a directory sorted by name.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(a.name, b.name) })
	return out
}

// Touch sets the modification time to now.
func (n *Node) Touch() { n.Mtime = time.Now().UnixNano() }

// ReadAt copies inline data at off into p and returns the byte count.
func (n *Node) ReadAt(p []byte, off int64) int {
	if off >= n.Size {
		return 0
	}
	end := min(off+int64(len(p)), n.Size)
	clear(p[:end-off])
	if off < int64(len(n.Data)) {
		copy(p[:end-off], n.Data[off:min(end, int64(len(n.Data)))])
	}
	return int(end - off)
}

// WriteAt stores p at off in the inline data, growing the file as needed.
func (n *Node) WriteAt(p []byte, off int64) {
	end := off + int64(len(p))
	if old := int64(len(n.Data)); end > old {
		n.Data = slices.Grow(n.Data, int(end-old))[:end]
		clear(n.Data[old:end])
	}
	copy(n.Data[off:], p)
	n.Size = max(n.Size, end)
	n.Touch()
}

// Truncate resizes the inline data.
func (n *Node) Truncate(size int64) {
	if size < int64(len(n.Data)) {
		n.Data = n.Data[:size]
	} else if size > int64(len(n.Data)) {
		n.Data = append(n.Data, make([]byte, size-int64(len(n.Data)))...)
	}
	n.Size = size
	n.Touch()
}

// Tree is a namespace rooted at "/".
type Tree struct {
	root    *Node
	nextIno uint64
	count   int
}

// New returns a tree holding only the root directory.
func New() *Tree {
	t := &Tree{nextIno: 2}
	t.root = &Node{Ino: 1, Kind: KindDir, Mode: 0o755, name: "/", children: map[string]*Node{}}
	return t
}

// Root returns the root directory.
func (t *Tree) Root() *Node { return t.root }

// Len returns the number of nodes, root excluded.
func (t *Tree) Len() int { return t.count }

func split(p string) ([]string, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, ErrInvalid
	}
	p = path.Clean(p)
	if p == "/" {
		return nil, nil
	}
	return strings.Split(p[1:], "/"), nil
}

// Lookup resolves p.
func (t *Tree) Lookup(p string) (*Node, error) {
	parts, err := split(p)
	if err != nil {
		return nil, err
	}
	n := t.root
	for _, name := range parts {
		if !n.IsDir() {
			return nil, ErrNotDir
		}
		c, ok := n.children[name]
		if !ok {
			return nil, ErrNotExist
		}
		n = c
	}
	return n, nil
}

// parent resolves the directory holding p and the final element.
func (t *Tree) parent(p string) (*Node, string, error) {
	parts, err := split(p)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", ErrInvalid
	}
	dir := t.root
	for _, name := range parts[:len(parts)-1] {
		c, ok := dir.children[name]
		if !ok {
			return nil, "", ErrNotExist
		}
		if !c.IsDir() {
			return nil, "", ErrNotDir
		}
		dir = c
	}
	return dir, parts[len(parts)-1], nil
}

// Create adds a node at p. The parent directory must exist.
func (t *Tree) Create(p string, kind Kind, mode uint32) (*Node, error) {
	dir, name, err := t.parent(p)
	if err != nil {
		return nil, err
	}
	if _, ok := dir.children[name]; ok {
		return nil, ErrExist
	}
	n := &Node{Ino: t.nextIno, Kind: kind, Mode: mode, name: name}
	n.Touch()
	if kind == KindDir {
		n.children = map[string]*Node{}
	}
	t.nextIno++
	t.attach(dir, n)
	return n, nil
}

func (t *Tree) attach(dir, n *Node) {
	n.parent = dir
	dir.children[n.name] = n
	dir.Touch()
	t.count++
}

func (t *Tree) detach(n *Node) {
	delete(n.parent.children, n.name)
	n.parent.Touch()
	n.parent = nil
	t.count--
}

// Remove deletes the file or empty directory at p and returns it.
func (t *Tree) Remove(p string) (*Node, error) {
	n, err := t.Lookup(p)
	if err != nil {
		return nil, err
	}
	if n == t.root {
		return nil, ErrInvalid
	}
	if n.IsDir() && len(n.children) > 0 {
		return nil, ErrNotEmpty
	}
	t.detach(n)
	return n, nil
}

// Rename moves oldp to newp. An existing file target is replaced and
// returned; directories may only replace empty directories.
func (t *Tree) Rename(oldp, newp string) (*Node, error) {
	n, err := t.Lookup(oldp)
	if err != nil {
		return nil, err
	}
	if n == t.root {
		return nil, ErrInvalid
	}
	dir, name, err := t.parent(newp)
	if err != nil {
		return nil, err
	}
	for p := dir; p != nil; p = p.parent {
		if p == n {
			// moving a directory below itself
			return nil, ErrInvalid
		}
	}
	var replaced *Node
	if target, ok := dir.children[name]; ok {
		if target == n {
			return nil, nil
		}
		switch {
		case n.IsDir() && !target.IsDir():
			return nil, ErrNotDir
		case !n.IsDir() && target.IsDir():
			return nil, ErrIsDir
		case target.IsDir() && len(target.children) > 0:
			return nil, ErrNotEmpty
		}
		t.detach(target)
		replaced = target
	}
	t.detach(n)
	n.name = name
	t.attach(dir, n)
	return replaced, nil
}

// Walk visits every node below the root in depth-first, name order.
func (t *Tree) Walk(fn func(n *Node) error) error {
	var walk func(dir *Node) error
	walk = func(dir *Node) error {
		for _, c := range dir.Children() {
			if err := fn(c); err != nil {
				return err
			}
			if c.IsDir() {
				if err := walk(c); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(t.root)
}
