package vfs

import (
	"sync"
	"weak"
)

// FileHandle is a driver's open file. Drivers embed *FileBase.
type FileHandle interface {
	fileBase() *FileBase
}

// FileBase holds what every open file carries regardless of backend: a weak
// reference to its mount point, the open flags, the open path and the last
// error reported by the backend.
type FileBase struct {
	mount weak.Pointer[MountBase]
	flags int
	path  string

	mu  sync.Mutex
	err error
}

// NewFileBase creates the shared state of a file opened at p on mp.
func NewFileBase(mp MountPoint, p string, flags int) *FileBase {
	return &FileBase{mount: weak.Make(mp.base()), flags: flags, path: p}
}

func (f *FileBase) fileBase() *FileBase { return f }

// Mount resolves the mount point. It fails with ErrExpired once the volume
// was unmounted.
func (f *FileBase) Mount() (MountPoint, error) {
	return resolve(f.mount)
}

// Flags returns the open flags.
func (f *FileBase) Flags() int { return f.flags }

// Path returns the volume-relative path the file was opened with.
func (f *FileBase) Path() string { return f.path }

// Err returns the last error recorded with SetErr.
func (f *FileBase) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// SetErr records err as the last error and returns it.
func (f *FileBase) SetErr(err error) error {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	return err
}

// DirHandle is a driver's open directory. Drivers embed *DirBase.
type DirHandle interface {
	dirBase() *DirBase
}

// DirBase is the directory counterpart of FileBase.
type DirBase struct {
	mount weak.Pointer[MountBase]
	path  string
}

// NewDirBase creates the shared state of a directory opened at p on mp.
func NewDirBase(mp MountPoint, p string) *DirBase {
	return &DirBase{mount: weak.Make(mp.base()), path: p}
}

func (d *DirBase) dirBase() *DirBase { return d }

func (d *DirBase) Mount() (MountPoint, error) { return resolve(d.mount) }

func (d *DirBase) Path() string { return d.path }

func resolve(w weak.Pointer[MountBase]) (MountPoint, error) {
	m := w.Value()
	if m == nil || !m.alive.Load() || m.self == nil {
		return nil, ErrExpired
	}
	return m.self, nil
}

// FileMount resolves the mount point of f as the backend's concrete type.
func FileMount[T MountPoint](f FileHandle) (T, error) {
	var zero T
	mp, err := f.fileBase().Mount()
	if err != nil {
		return zero, err
	}
	t, ok := mp.(T)
	if !ok {
		return zero, ErrBadFD
	}
	return t, nil
}

// DirMount resolves the mount point of d as the backend's concrete type.
func DirMount[T MountPoint](d DirHandle) (T, error) {
	var zero T
	mp, err := d.dirBase().Mount()
	if err != nil {
		return zero, err
	}
	t, ok := mp.(T)
	if !ok {
		return zero, ErrBadFD
	}
	return t, nil
}
