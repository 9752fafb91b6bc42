package vfs

import (
	"context"
	"errors"
	"sync"
)

// Dir is an open directory stream.
type Dir struct {
	mu     sync.Mutex
	dh     DirHandle
	path   string
	pos    int
	closed bool
}

// Path returns the absolute path the stream was opened with.
func (d *Dir) Path() string { return d.path }

// Tell returns the number of entries read since open or the last reset.
func (d *Dir) Tell() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

func (d *Dir) driver() (MountPoint, Driver, error) {
	if d.closed {
		return nil, nil, ErrBadFD
	}
	mp, err := d.dh.dirBase().Mount()
	if err != nil {
		return nil, nil, err
	}
	drv, ok := mp.base().Driver()
	if !ok {
		return nil, nil, ErrExpired
	}
	return mp, drv, nil
}

// DirOpen opens the directory p for iteration.
func (fs *Filesystem) DirOpen(ctx context.Context, p string) (*Dir, error) {
	t, err := fs.lookup(ctx, "opendir", p)
	if err != nil {
		return nil, err
	}
	dh, err := t.drv.DirOpen(t.mp, t.rel)
	if err != nil {
		return nil, pathErr("opendir", t.abs, err)
	}
	return &Dir{dh: dh, path: t.abs}, nil
}

// DirNext returns the next entry of d and fills st. The "." and ".."
// entries some backends report are skipped. After the last entry it
// returns ErrEndOfDir.
func (fs *Filesystem) DirNext(d *Dir, st *Stat) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mp, drv, err := d.driver()
	if err != nil {
		return "", err
	}
	for {
		*st = Stat{}
		name, err := drv.DirNext(d.dh, st)
		if err != nil {
			if errors.Is(err, ErrEndOfDir) {
				return "", ErrEndOfDir
			}
			return "", pathErr("readdir", d.path, err)
		}
		if name == "." || name == ".." {
			continue
		}
		d.pos++
		maskReadOnly(mp, st)
		return name, nil
	}
}

// DirReset rewinds d to its first entry.
func (fs *Filesystem) DirReset(d *Dir) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, drv, err := d.driver()
	if err != nil {
		return err
	}
	if err := drv.DirReset(d.dh); err != nil {
		return pathErr("rewinddir", d.path, err)
	}
	d.pos = 0
	return nil
}

// DirClose releases d. Closing a stream of an unmounted volume reports
// ErrExpired.
func (fs *Filesystem) DirClose(d *Dir) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, drv, err := d.driver()
	if err != nil {
		d.closed = true
		return err
	}
	d.closed = true
	return pathErr("closedir", d.path, drv.DirClose(d.dh))
}
