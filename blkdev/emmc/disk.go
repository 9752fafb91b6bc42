// Package emmc implements a block device on top of an eMMC host controller.
package emmc

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/phonefs/blkdev"
)

const noPartition = -1

// Disk drives an eMMC part through its Controller.
//
// Transfers to different hardware partitions are serialized by the disk:
// each one switches the card to its partition first if necessary.
type Disk struct {
	ctrl   Controller
	logger *slog.Logger

	mu     sync.Mutex
	active atomic.Int32
	pm     atomic.Int32
	ready  atomic.Bool
}

// Option configures a Disk.
type Option func(*Disk)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Disk) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a disk for ctrl. The card is initialized by Probe.
func New(ctrl Controller, optFns ...Option) *Disk {
	d := &Disk{
		ctrl:   ctrl,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	d.active.Store(noPartition)
	for _, fn := range optFns {
		fn(d)
	}
	return d
}

// ActivePartition returns the hardware partition the card currently
// addresses, -1 before the first transfer.
func (d *Disk) ActivePartition() int {
	return int(d.active.Load())
}

func (d *Disk) Probe(blkdev.Flags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ctrl.CardPresent() {
		return blkdev.ErrMediaRemoved
	}
	if err := d.ctrl.Init(); err != nil {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	d.active.Store(0)
	d.ready.Store(true)
	d.logger.Debug("emmc initialized", "partitions", d.ctrl.Partitions(), "block_size", d.ctrl.BlockSize())
	return nil
}

func (d *Disk) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready.Store(false)
	d.active.Store(noPartition)
	if err := d.ctrl.Flush(); err != nil {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	return d.ctrl.Deinit()
}

// selectPartition switches the card under d.mu.
func (d *Disk) selectPartition(hw blkdev.HWPart) error {
	if hw == blkdev.NoHWPart {
		hw = blkdev.DefaultHWPart
	}
	if int32(hw) == d.active.Load() {
		return nil
	}
	if err := d.ctrl.SwitchPartition(int(hw)); err != nil {
		return fmt.Errorf("switch to partition %d: %w: %w", hw, blkdev.ErrIO, err)
	}
	d.active.Store(int32(hw))
	return nil
}

func (d *Disk) prepare(buf []byte, lba, count uint64, hw blkdev.HWPart) error {
	if !d.ready.Load() || !d.ctrl.CardPresent() {
		return blkdev.ErrMediaRemoved
	}
	if blkdev.PMState(d.pm.Load()) != blkdev.PMActive {
		return blkdev.ErrSuspended
	}
	if err := blkdev.CheckRange(d, lba, count, hw); err != nil {
		return err
	}
	if buf != nil {
		if err := blkdev.CheckBuffer(buf, count, d.ctrl.BlockSize()); err != nil {
			return err
		}
	}
	return d.selectPartition(hw)
}

func (d *Disk) Read(buf []byte, lba, count uint64, hw blkdev.HWPart) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.prepare(buf, lba, count, hw); err != nil {
		return err
	}
	if err := d.ctrl.ReadBlocks(buf, lba, count); err != nil {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	return nil
}

func (d *Disk) Write(buf []byte, lba, count uint64, hw blkdev.HWPart) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.prepare(buf, lba, count, hw); err != nil {
		return err
	}
	if d.ctrl.WriteProtected() {
		return fmt.Errorf("write protected: %w", blkdev.ErrIO)
	}
	if err := d.ctrl.WriteBlocks(buf, lba, count); err != nil {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	return nil
}

func (d *Disk) Erase(lba, count uint64, hw blkdev.HWPart) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.prepare(nil, lba, count, hw); err != nil {
		return err
	}
	if err := d.ctrl.EraseBlocks(lba, count); err != nil {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	return nil
}

func (d *Disk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready.Load() {
		return blkdev.ErrMediaRemoved
	}
	if err := d.ctrl.Flush(); err != nil {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	return nil
}

func (d *Disk) Status() blkdev.MediaStatus {
	switch {
	case !d.ctrl.CardPresent():
		return blkdev.MediaRemoved
	case !d.ready.Load():
		return blkdev.MediaUninitialized
	case d.ctrl.WriteProtected():
		return blkdev.MediaWriteProtected
	default:
		return blkdev.MediaActive
	}
}

func (d *Disk) Info(what blkdev.InfoType, hw blkdev.HWPart) (int64, error) {
	if hw == blkdev.NoHWPart {
		hw = blkdev.DefaultHWPart
	}
	if hw < 0 || int(hw) >= d.ctrl.Partitions() {
		return 0, fmt.Errorf("hardware partition %d: %w", hw, blkdev.ErrNoDevice)
	}
	switch what {
	case blkdev.InfoSectorSize:
		return d.ctrl.BlockSize(), nil
	case blkdev.InfoSectorCount:
		n, err := d.ctrl.Capacity(int(hw))
		if err != nil {
			return 0, fmt.Errorf("%w: %w", blkdev.ErrIO, err)
		}
		return int64(n), nil
	case blkdev.InfoEraseGroup:
		return int64(d.ctrl.EraseGroup()), nil
	case blkdev.InfoStartSector:
		return 0, nil
	default:
		return 0, blkdev.ErrInvalid
	}
}

// PMControl puts the card to sleep or wakes it up. Power off is left to
// the board.
func (d *Disk) PMControl(target blkdev.PMState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var on bool
	switch target {
	case blkdev.PMActive:
		on = true
	case blkdev.PMSuspended:
	default:
		return blkdev.ErrUnsupported
	}
	if err := d.ctrl.SetPower(on); err != nil {
		return fmt.Errorf("%w: %w", blkdev.ErrIO, err)
	}
	d.pm.Store(int32(target))
	return nil
}

func (d *Disk) PMRead() (blkdev.PMState, error) {
	return blkdev.PMState(d.pm.Load()), nil
}
