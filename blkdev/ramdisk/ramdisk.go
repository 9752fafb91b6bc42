// Package ramdisk implements a volatile block device held in memory.
//
// It backs unit tests and scratch volumes. Every hardware partition is a
// separate byte slice; the medium can be pulled with Remove to emulate card
// removal.
package ramdisk

import (
	"sync"

	"github.com/hupe1980/phonefs/blkdev"
)

// Disk is an in-memory blkdev.Disk.
type Disk struct {
	mu         sync.RWMutex
	sectorSize int64
	parts      [][]byte
	pm         blkdev.PMState
	removed    bool
	readOnly   bool
}

// New creates a disk with the given sector size and one hardware partition
// per entry of sectors.
func New(sectorSize int64, sectors ...uint64) *Disk {
	d := &Disk{sectorSize: sectorSize}
	for _, n := range sectors {
		d.parts = append(d.parts, make([]byte, n*uint64(sectorSize)))
	}
	return d
}

// Remove emulates pulling the medium.
func (d *Disk) Remove() {
	d.mu.Lock()
	d.removed = true
	d.mu.Unlock()
}

// SetWriteProtect toggles the write protect switch.
func (d *Disk) SetWriteProtect(on bool) {
	d.mu.Lock()
	d.readOnly = on
	d.mu.Unlock()
}

// Bytes exposes the backing store of a hardware partition.
func (d *Disk) Bytes(hw blkdev.HWPart) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.parts[hw]
}

func (d *Disk) Probe(blkdev.Flags) error { return nil }

func (d *Disk) Cleanup() error { return nil }

func (d *Disk) part(hw blkdev.HWPart) ([]byte, error) {
	if hw == blkdev.NoHWPart {
		hw = blkdev.DefaultHWPart
	}
	if int(hw) >= len(d.parts) || hw < 0 {
		return nil, blkdev.ErrNoDevice
	}
	return d.parts[hw], nil
}

func (d *Disk) ready() error {
	if d.removed {
		return blkdev.ErrMediaRemoved
	}
	if d.pm != blkdev.PMActive {
		return blkdev.ErrSuspended
	}
	return nil
}

func (d *Disk) span(buf []byte, lba, count uint64, hw blkdev.HWPart) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := blkdev.CheckRange(d, lba, count, hw); err != nil {
		return nil, err
	}
	if buf != nil {
		if err := blkdev.CheckBuffer(buf, count, d.sectorSize); err != nil {
			return nil, err
		}
	}
	p, _ := d.part(hw)
	off := lba * uint64(d.sectorSize)
	return p[off : off+count*uint64(d.sectorSize)], nil
}

func (d *Disk) Read(buf []byte, lba, count uint64, hw blkdev.HWPart) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	src, err := d.span(buf, lba, count, hw)
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (d *Disk) Write(buf []byte, lba, count uint64, hw blkdev.HWPart) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return blkdev.ErrIO
	}
	dst, err := d.span(buf, lba, count, hw)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (d *Disk) Erase(lba, count uint64, hw blkdev.HWPart) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst, err := d.span(nil, lba, count, hw)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}

func (d *Disk) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready()
}

func (d *Disk) Status() blkdev.MediaStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch {
	case d.removed:
		return blkdev.MediaRemoved
	case d.readOnly:
		return blkdev.MediaWriteProtected
	default:
		return blkdev.MediaActive
	}
}

func (d *Disk) Info(what blkdev.InfoType, hw blkdev.HWPart) (int64, error) {
	p, err := d.part(hw)
	if err != nil {
		return 0, err
	}
	switch what {
	case blkdev.InfoSectorSize:
		return d.sectorSize, nil
	case blkdev.InfoSectorCount:
		return int64(len(p)) / d.sectorSize, nil
	case blkdev.InfoEraseGroup:
		return 1, nil
	case blkdev.InfoStartSector:
		return 0, nil
	default:
		return 0, blkdev.ErrInvalid
	}
}

func (d *Disk) PMControl(target blkdev.PMState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pm = target
	return nil
}

func (d *Disk) PMRead() (blkdev.PMState, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pm, nil
}
