// Package imagedisk implements a block device backed by host image files.
//
// Hardware partition 0 is the image file itself. Hardware partitions
// 1..N-1 are sibling files named "<image>.hwpart<N>", which mirrors how an
// eMMC exposes boot and general purpose areas next to the user area.
package imagedisk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/internal/fs"
)

// PartitionPath returns the backing file of hardware partition hw.
func PartitionPath(image string, hw int) string {
	if hw == 0 {
		return image
	}
	return image + ".hwpart" + strconv.Itoa(hw)
}

// Create makes the backing files of an image disk: the main image of size
// bytes plus one file per additional hardware partition. Existing files
// are resized. Files are prepared concurrently.
func Create(path string, size int64, optFns ...Option) error {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	if size <= 0 || size%o.sectorSize != 0 || o.sysPartitionSize%o.sectorSize != 0 {
		return fmt.Errorf("image size %d not a multiple of sector size %d: %w", size, o.sectorSize, blkdev.ErrInvalid)
	}

	var g errgroup.Group
	for hw := range o.hwPartitions {
		p, n := PartitionPath(path, hw), size
		if hw > 0 {
			n = o.sysPartitionSize
		}
		g.Go(func() error {
			f, err := o.fsys.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
			if err != nil {
				return err
			}
			if err := f.Truncate(n); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	}
	return g.Wait()
}

// Disk is an image-file backed blkdev.Disk.
type Disk struct {
	opts options
	path string

	mu     sync.Mutex
	files  []fs.File
	pm     blkdev.PMState
	probed bool

	// geometry; separate so Info can run under mu
	geoMu   sync.RWMutex
	sectors []uint64
}

// New returns a disk for the image at path. Files are opened by Probe.
func New(path string, optFns ...Option) *Disk {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	return &Disk{opts: o, path: path}
}

// Path returns the main image path.
func (d *Disk) Path() string { return d.path }

// Probe opens and locks every backing file.
func (d *Disk) Probe(blkdev.Flags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.probed {
		return nil
	}

	files := make([]fs.File, 0, d.opts.hwPartitions)
	sectors := make([]uint64, 0, d.opts.hwPartitions)
	closeAll := func() {
		for _, f := range files {
			_ = fs.Unlock(f)
			_ = f.Close()
		}
	}
	for hw := range d.opts.hwPartitions {
		p := PartitionPath(d.path, hw)
		f, err := d.opts.fsys.OpenFile(p, os.O_RDWR, 0)
		if err != nil {
			closeAll()
			return fmt.Errorf("open %s: %w: %w", p, blkdev.ErrIO, err)
		}
		if err := fs.Lock(f); err != nil {
			f.Close()
			closeAll()
			return fmt.Errorf("lock %s: %w: %w", p, blkdev.ErrIO, err)
		}
		files = append(files, f)
		info, err := f.Stat()
		if err != nil {
			closeAll()
			return fmt.Errorf("stat %s: %w: %w", p, blkdev.ErrIO, err)
		}
		sectors = append(sectors, uint64(info.Size()/d.opts.sectorSize))
	}

	d.files, d.probed = files, true
	d.geoMu.Lock()
	d.sectors = sectors
	d.geoMu.Unlock()
	d.opts.logger.Debug("image disk probed", "path", d.path, "hw_partitions", len(files))
	return nil
}

// Cleanup syncs, unlocks and closes the backing files.
func (d *Disk) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, f := range d.files {
		errs = append(errs, f.Sync(), fs.Unlock(f), f.Close())
	}
	d.files, d.probed = nil, false
	d.geoMu.Lock()
	d.sectors = nil
	d.geoMu.Unlock()
	return errors.Join(errs...)
}

func (d *Disk) file(hw blkdev.HWPart) (fs.File, error) {
	if !d.probed {
		return nil, blkdev.ErrMediaRemoved
	}
	if hw == blkdev.NoHWPart {
		hw = blkdev.DefaultHWPart
	}
	if hw < 0 || int(hw) >= len(d.files) {
		return nil, fmt.Errorf("hardware partition %d: %w", hw, blkdev.ErrNoDevice)
	}
	return d.files[hw], nil
}

// prepare validates a transfer under d.mu.
func (d *Disk) prepare(buf []byte, lba, count uint64, hw blkdev.HWPart) (fs.File, int64, error) {
	f, err := d.file(hw)
	if err != nil {
		return nil, 0, err
	}
	if d.pm != blkdev.PMActive {
		return nil, 0, blkdev.ErrSuspended
	}
	if err := blkdev.CheckRange(d, lba, count, hw); err != nil {
		return nil, 0, err
	}
	if buf != nil {
		if err := blkdev.CheckBuffer(buf, count, d.opts.sectorSize); err != nil {
			return nil, 0, err
		}
	}
	return f, int64(lba) * d.opts.sectorSize, nil
}

func (d *Disk) Read(buf []byte, lba, count uint64, hw blkdev.HWPart) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, off, err := d.prepare(buf, lba, count, hw)
	if err != nil {
		return err
	}
	n := int(count) * int(d.opts.sectorSize)
	if err := d.opts.rc.AcquireIO(context.Background(), n); err != nil {
		return err
	}
	if _, err := f.ReadAt(buf[:n], off); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	return nil
}

func (d *Disk) Write(buf []byte, lba, count uint64, hw blkdev.HWPart) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, off, err := d.prepare(buf, lba, count, hw)
	if err != nil {
		return err
	}
	n := int(count) * int(d.opts.sectorSize)
	if err := d.opts.rc.AcquireIO(context.Background(), n); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf[:n], off); err != nil {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	return nil
}

// Erase overwrites the range with zeros.
func (d *Disk) Erase(lba, count uint64, hw blkdev.HWPart) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, off, err := d.prepare(nil, lba, count, hw)
	if err != nil {
		return err
	}
	zero := make([]byte, min(int64(count)*d.opts.sectorSize, 1<<20))
	for left := int64(count) * d.opts.sectorSize; left > 0; {
		chunk := zero[:min(left, int64(len(zero)))]
		if _, err := f.WriteAt(chunk, off); err != nil {
			return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
		}
		off += int64(len(chunk))
		left -= int64(len(chunk))
	}
	return nil
}

func (d *Disk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.probed {
		return blkdev.ErrMediaRemoved
	}
	for _, f := range d.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
		}
	}
	return nil
}

func (d *Disk) Status() blkdev.MediaStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.probed {
		return blkdev.MediaUninitialized
	}
	return blkdev.MediaActive
}

// Info answers geometry queries.
func (d *Disk) Info(what blkdev.InfoType, hw blkdev.HWPart) (int64, error) {
	if hw == blkdev.NoHWPart {
		hw = blkdev.DefaultHWPart
	}
	if hw < 0 || int(hw) >= d.opts.hwPartitions {
		return 0, fmt.Errorf("hardware partition %d: %w", hw, blkdev.ErrNoDevice)
	}
	switch what {
	case blkdev.InfoSectorSize:
		return d.opts.sectorSize, nil
	case blkdev.InfoSectorCount:
		d.geoMu.RLock()
		defer d.geoMu.RUnlock()
		if int(hw) >= len(d.sectors) {
			return 0, blkdev.ErrMediaRemoved
		}
		return int64(d.sectors[hw]), nil
	case blkdev.InfoEraseGroup:
		return 1, nil
	case blkdev.InfoStartSector:
		return 0, nil
	default:
		return 0, blkdev.ErrInvalid
	}
}

// PMControl supports active and suspended; power off is not emulated.
func (d *Disk) PMControl(target blkdev.PMState) error {
	if target != blkdev.PMActive && target != blkdev.PMSuspended {
		return blkdev.ErrUnsupported
	}
	d.mu.Lock()
	d.pm = target
	d.mu.Unlock()
	return nil
}

func (d *Disk) PMRead() (blkdev.PMState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pm, nil
}
