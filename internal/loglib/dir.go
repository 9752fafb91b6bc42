package loglib

import "github.com/hupe1980/phonefs/internal/nodetree"

// Dir is an open directory. The zero value is ready for DirOpen.
type Dir struct {
	fs      *FS
	node    *nodetree.Node
	pos     int
	entries []*nodetree.Node
}

// DirOpen opens the directory at p.
func (fs *FS) DirOpen(d *Dir, p string) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if p, err = fs.clean(p); err != nil {
		return err
	}
	n, err := fs.tree.Lookup(p)
	if err != nil {
		return translate(err)
	}
	if !n.IsDir() {
		return ErrNotDir
	}
	*d = Dir{fs: fs, node: n, entries: n.Children()}
	return nil
}

// DirRead fills info with the next entry. It reports false at the end.
// "." and ".." come first.
func (fs *FS) DirRead(d *Dir, info *Info) (bool, error) {
	done, err := fs.enter()
	if err != nil {
		return false, err
	}
	defer done()
	if d == nil || d.fs != fs {
		return false, ErrBadF
	}
	for {
		switch {
		case d.pos < 2:
			*info = Info{Type: TypeDir, Name: [...]string{".", ".."}[d.pos], Mode: d.node.Mode}
			d.pos++
			return true, nil
		case d.pos-2 >= len(d.entries):
			return false, nil
		}
		n := d.entries[d.pos-2]
		d.pos++
		if n.Detached() {
			continue
		}
		fill(info, n)
		return true, nil
	}
}

// DirRewind restarts the listing with the current entries.
func (fs *FS) DirRewind(d *Dir) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if d == nil || d.fs != fs {
		return ErrBadF
	}
	d.pos = 0
	d.entries = d.node.Children()
	return nil
}

// DirClose releases the directory.
func (fs *FS) DirClose(d *Dir) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if d == nil || d.fs != fs {
		return ErrBadF
	}
	*d = Dir{}
	return nil
}
