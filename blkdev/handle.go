package blkdev

import (
	"sync"
	"sync/atomic"
	"weak"
)

// registration is the manager's record of one disk. The manager holds the
// only strong reference; handles see it through a weak pointer.
type registration struct {
	name  string
	disk  Disk
	flags Flags
	alive atomic.Bool

	mu    sync.RWMutex
	parts []Partition
}

func (r *registration) partitions() []Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Partition, len(r.parts))
	copy(out, r.parts)
	return out
}

// DiskHandle addresses a registered disk, one of its hardware partitions or
// one of its partition-table entries. A handle does not keep the disk alive:
// once the disk is unregistered every operation fails with ErrExpired.
type DiskHandle struct {
	reg    weak.Pointer[registration]
	hwpart HWPart
	name   string
	part   *Partition

	mu      sync.Mutex
	sectors uint64
	cached  bool
}

func newHandle(reg *registration, name string, hwpart HWPart, part *Partition) *DiskHandle {
	return &DiskHandle{
		reg:    weak.Make(reg),
		hwpart: hwpart,
		name:   name,
		part:   part,
	}
}

// Name returns the device name the handle was resolved from.
func (h *DiskHandle) Name() string { return h.name }

// HasPartition reports whether the handle addresses a hardware partition.
func (h *DiskHandle) HasPartition() bool { return h.hwpart != NoHWPart }

// Partition returns the hardware partition, NoHWPart for whole-disk handles.
func (h *DiskHandle) Partition() HWPart { return h.hwpart }

// TableEntry returns the partition-table entry behind the handle, if any.
func (h *DiskHandle) TableEntry() (Partition, bool) {
	if h.part == nil {
		return Partition{}, false
	}
	return *h.part, true
}

// Disk returns the disk if it is still registered.
func (h *DiskHandle) Disk() (Disk, bool) {
	reg := h.reg.Value()
	if reg == nil || !reg.alive.Load() {
		return nil, false
	}
	return reg.disk, true
}

func (h *DiskHandle) target() HWPart {
	if h.hwpart == NoHWPart {
		return DefaultHWPart
	}
	return h.hwpart
}

// Sectors returns the sector count addressed by the handle. The first
// successful answer is cached; failures are not.
func (h *DiskHandle) Sectors() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached {
		return h.sectors, nil
	}
	if h.part != nil {
		h.sectors, h.cached = h.part.NumSectors, true
		return h.sectors, nil
	}
	d, ok := h.Disk()
	if !ok {
		return 0, ErrExpired
	}
	n, err := d.Info(InfoSectorCount, h.target())
	if err != nil {
		return 0, err
	}
	h.sectors, h.cached = uint64(n), true
	return h.sectors, nil
}

// SectorSize returns the sector size of the underlying disk.
func (h *DiskHandle) SectorSize() (int64, error) {
	d, ok := h.Disk()
	if !ok {
		return 0, ErrExpired
	}
	return d.Info(InfoSectorSize, h.target())
}

// Info answers geometry queries relative to the handle.
func (h *DiskHandle) Info(what InfoType) (int64, error) {
	d, ok := h.Disk()
	if !ok {
		return 0, ErrExpired
	}
	switch what {
	case InfoSectorCount:
		n, err := h.Sectors()
		return int64(n), err
	case InfoStartSector:
		if h.part != nil {
			return int64(h.part.StartSector), nil
		}
	}
	return d.Info(what, h.target())
}

// Overlaps reports whether h and o address intersecting sectors of the same
// registered disk. Whole-disk handles cover the default hardware partition,
// so "emmc0" overlaps "emmc0sys0" and every "emmc0partN".
func (h *DiskHandle) Overlaps(o *DiskHandle) bool {
	if h == nil || o == nil || h.reg != o.reg {
		return false
	}
	if h.target() != o.target() {
		return false
	}
	if h.part == nil || o.part == nil {
		return true
	}
	return h.part.overlaps(*o.part)
}

// translate maps a handle-relative range onto the disk.
func (h *DiskHandle) translate(lba, count uint64) (uint64, error) {
	if h.part == nil {
		return lba, nil
	}
	if count == 0 || lba >= h.part.NumSectors || count > h.part.NumSectors-lba {
		return 0, &RangeError{LBA: lba, Count: count, Sectors: h.part.NumSectors}
	}
	return h.part.StartSector + lba, nil
}

func (h *DiskHandle) Read(buf []byte, lba, count uint64) error {
	d, ok := h.Disk()
	if !ok {
		return ErrExpired
	}
	abs, err := h.translate(lba, count)
	if err != nil {
		return err
	}
	return d.Read(buf, abs, count, h.target())
}

func (h *DiskHandle) Write(buf []byte, lba, count uint64) error {
	d, ok := h.Disk()
	if !ok {
		return ErrExpired
	}
	abs, err := h.translate(lba, count)
	if err != nil {
		return err
	}
	return d.Write(buf, abs, count, h.target())
}

func (h *DiskHandle) Erase(lba, count uint64) error {
	d, ok := h.Disk()
	if !ok {
		return ErrExpired
	}
	abs, err := h.translate(lba, count)
	if err != nil {
		return err
	}
	return d.Erase(abs, count, h.target())
}

func (h *DiskHandle) Sync() error {
	d, ok := h.Disk()
	if !ok {
		return ErrExpired
	}
	return d.Sync()
}

// Status returns MediaRemoved for expired handles.
func (h *DiskHandle) Status() MediaStatus {
	d, ok := h.Disk()
	if !ok {
		return MediaRemoved
	}
	return d.Status()
}
