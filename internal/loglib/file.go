package loglib

import (
	"errors"
	"io"

	"github.com/hupe1980/phonefs/internal/nodetree"
)

// FileMax is the largest supported file size.
const FileMax = 1<<31 - 1

// File is an open file. The zero value is ready for FileOpen.
type File struct {
	fs    *FS
	node  *nodetree.Node
	flags int
	pos   int64
	dirty bool
}

func (f *File) readable() bool { return f.flags&RDONLY != 0 }
func (f *File) writable() bool { return f.flags&WRONLY != 0 }

func (fs *FS) checkFile(f *File) error {
	if f == nil || f.fs != fs || f.node == nil {
		return ErrBadF
	}
	return nil
}

// FileOpen opens the file at p. With CREAT a missing file is created
// with mode 0644.
func (fs *FS) FileOpen(f *File, p string, flags int) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if flags&RDWR == 0 {
		return ErrInval
	}
	if p, err = fs.clean(p); err != nil {
		return err
	}

	n, err := fs.tree.Lookup(p)
	switch {
	case errors.Is(err, nodetree.ErrNotExist) && flags&CREAT != 0:
		if err := fs.do(&record{typ: recCreate, path: p, num: 0o644}, false); err != nil {
			return err
		}
		if n, err = fs.tree.Lookup(p); err != nil {
			return translate(err)
		}
	case err != nil:
		return translate(err)
	case flags&CREAT != 0 && flags&EXCL != 0:
		return ErrExist
	case n.IsDir():
		return ErrIsDir
	case flags&TRUNC != 0 && flags&WRONLY != 0 && n.Size > 0:
		if err := fs.do(&record{typ: recTruncate, path: p}, false); err != nil {
			return err
		}
	}

	*f = File{fs: fs, node: n, flags: flags}
	fs.open[f] = struct{}{}
	return nil
}

// FileClose flushes a written file and releases it.
func (fs *FS) FileClose(f *File) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if err := fs.checkFile(f); err != nil {
		return err
	}
	if f.dirty {
		err = fs.flush()
	}
	delete(fs.open, f)
	f.fs, f.node = nil, nil
	return err
}

// FileRead reads from the current position.
func (fs *FS) FileRead(f *File, buf []byte) (int, error) {
	done, err := fs.enter()
	if err != nil {
		return 0, err
	}
	defer done()
	if err := fs.checkFile(f); err != nil {
		return 0, err
	}
	if !f.readable() {
		return 0, ErrBadF
	}
	n := f.node.ReadAt(buf, f.pos)
	f.pos += int64(n)
	return n, nil
}

// FileWrite writes at the current position, or at the end with APPEND.
// A file removed while open keeps its data in memory only.
func (fs *FS) FileWrite(f *File, buf []byte) (int, error) {
	done, err := fs.enter()
	if err != nil {
		return 0, err
	}
	defer done()
	if err := fs.checkFile(f); err != nil {
		return 0, err
	}
	if !f.writable() {
		return 0, ErrBadF
	}
	if f.flags&APPEND != 0 {
		f.pos = f.node.Size
	}
	if f.pos+int64(len(buf)) > FileMax {
		return 0, ErrFBig
	}
	if f.node.Detached() {
		f.node.WriteAt(buf, f.pos)
		f.pos += int64(len(buf))
		return len(buf), nil
	}

	written := 0
	for written < len(buf) {
		chunk := buf[written:min(len(buf), written+maxWriteChunk)]
		r := &record{typ: recWrite, path: f.node.Path(), num: f.pos, data: chunk}
		if err := fs.do(r, false); err != nil {
			return written, err
		}
		f.dirty = true
		f.pos += int64(len(chunk))
		written += len(chunk)
	}
	return written, nil
}

// FileSeek moves the position and returns it.
func (fs *FS) FileSeek(f *File, off int64, whence int) (int64, error) {
	done, err := fs.enter()
	if err != nil {
		return 0, err
	}
	defer done()
	if err := fs.checkFile(f); err != nil {
		return 0, err
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
		return 0, ErrInval
	}
	if pos < 0 || pos > FileMax {
		return 0, ErrInval
	}
	f.pos = pos
	return pos, nil
}

// FileTell returns the position.
func (fs *FS) FileTell(f *File) (int64, error) {
	done, err := fs.enter()
	if err != nil {
		return 0, err
	}
	defer done()
	if err := fs.checkFile(f); err != nil {
		return 0, err
	}
	return f.pos, nil
}

// FileSize returns the file size.
func (fs *FS) FileSize(f *File) (int64, error) {
	done, err := fs.enter()
	if err != nil {
		return 0, err
	}
	defer done()
	if err := fs.checkFile(f); err != nil {
		return 0, err
	}
	return f.node.Size, nil
}

// FileTruncate resizes the file.
func (fs *FS) FileTruncate(f *File, size int64) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if err := fs.checkFile(f); err != nil {
		return err
	}
	if !f.writable() {
		return ErrBadF
	}
	if size < 0 || size > FileMax {
		return ErrInval
	}
	if f.node.Detached() {
		f.node.Truncate(size)
		return nil
	}
	if err := fs.do(&record{typ: recTruncate, path: f.node.Path(), num: size}, false); err != nil {
		return err
	}
	f.dirty = true
	return nil
}

// FileSync makes all pending changes durable.
func (fs *FS) FileSync(f *File) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if err := fs.checkFile(f); err != nil {
		return err
	}
	if err := fs.flush(); err != nil {
		return err
	}
	f.dirty = false
	return nil
}
