package emmc

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errNoCard    = errors.New("emmc: no card")
	errPartition = errors.New("emmc: invalid partition")
	errAsleep    = errors.New("emmc: card asleep")
	errBounds    = errors.New("emmc: transfer out of bounds")
)

// MemoryController emulates an eMMC controller in memory.
type MemoryController struct {
	mu        sync.Mutex
	blockSize int64
	parts     [][]byte
	current   int
	powered   bool
	present   bool
	wp        bool

	// Switches counts partition switches.
	Switches atomic.Int64
}

// NewMemoryController creates a card with one hardware partition per entry
// of blocks.
func NewMemoryController(blockSize int64, blocks ...uint64) *MemoryController {
	c := &MemoryController{blockSize: blockSize, present: true, powered: true}
	for _, n := range blocks {
		c.parts = append(c.parts, make([]byte, n*uint64(blockSize)))
	}
	return c
}

// Eject emulates removing the card.
func (c *MemoryController) Eject() {
	c.mu.Lock()
	c.present = false
	c.mu.Unlock()
}

// SetWriteProtect toggles the write protect state.
func (c *MemoryController) SetWriteProtect(on bool) {
	c.mu.Lock()
	c.wp = on
	c.mu.Unlock()
}

// Current returns the selected hardware partition.
func (c *MemoryController) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MemoryController) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present {
		return errNoCard
	}
	c.current = 0
	return nil
}

func (c *MemoryController) Deinit() error { return nil }

func (c *MemoryController) BlockSize() int64 { return c.blockSize }

func (c *MemoryController) Partitions() int { return len(c.parts) }

func (c *MemoryController) Capacity(part int) (uint64, error) {
	if part < 0 || part >= len(c.parts) {
		return 0, errPartition
	}
	return uint64(len(c.parts[part])) / uint64(c.blockSize), nil
}

func (c *MemoryController) EraseGroup() uint64 { return 8 }

func (c *MemoryController) SwitchPartition(part int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if part < 0 || part >= len(c.parts) {
		return errPartition
	}
	c.current = part
	c.Switches.Add(1)
	return nil
}

func (c *MemoryController) span(lba, count uint64) ([]byte, error) {
	if !c.present {
		return nil, errNoCard
	}
	if !c.powered {
		return nil, errAsleep
	}
	p := c.parts[c.current]
	off, n := lba*uint64(c.blockSize), count*uint64(c.blockSize)
	if off+n > uint64(len(p)) {
		return nil, errBounds
	}
	return p[off : off+n], nil
}

func (c *MemoryController) ReadBlocks(buf []byte, lba, count uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, err := c.span(lba, count)
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (c *MemoryController) WriteBlocks(buf []byte, lba, count uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dst, err := c.span(lba, count)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (c *MemoryController) EraseBlocks(lba, count uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dst, err := c.span(lba, count)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}

func (c *MemoryController) Flush() error { return nil }

func (c *MemoryController) SetPower(on bool) error {
	c.mu.Lock()
	c.powered = on
	c.mu.Unlock()
	return nil
}

func (c *MemoryController) CardPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}

func (c *MemoryController) WriteProtected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wp
}
