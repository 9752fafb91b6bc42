package blkdev

import "io"

var (
	_ io.ReaderAt = (*DiskHandle)(nil)
	_ io.WriterAt = (*DiskHandle)(nil)
)

// ReadAt reads len(p) bytes at byte offset off. Reads ending past the last
// sector return io.EOF.
func (h *DiskHandle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.rangeIO(p, off, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt writes p at byte offset off. Sectors only partly covered by p are
// read, patched and written back.
func (h *DiskHandle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.rangeIO(p, off, true); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (h *DiskHandle) rangeIO(buf []byte, off int64, write bool) error {
	if len(buf) == 0 {
		return nil
	}
	if off < 0 {
		return ErrInvalid
	}
	size, err := h.SectorSize()
	if err != nil {
		return err
	}
	sectors, err := h.Sectors()
	if err != nil {
		return err
	}
	ss := uint64(size)
	first := uint64(off) / ss
	last := (uint64(off) + uint64(len(buf)) + ss - 1) / ss
	if last > sectors {
		if write {
			return &RangeError{LBA: first, Count: last - first, Sectors: sectors}
		}
		return io.EOF
	}
	count := last - first
	head := uint64(off) - first*ss
	if head == 0 && uint64(len(buf))%ss == 0 {
		if write {
			return h.Write(buf, first, count)
		}
		return h.Read(buf, first, count)
	}
	tmp := make([]byte, count*ss)
	if err := h.Read(tmp, first, count); err != nil {
		return err
	}
	if !write {
		copy(buf, tmp[head:])
		return nil
	}
	copy(tmp[head:], buf)
	return h.Write(tmp, first, count)
}
