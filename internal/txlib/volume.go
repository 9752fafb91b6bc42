package txlib

import (
	"encoding/binary"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/hupe1980/phonefs/internal/blockcodec"
	"github.com/hupe1980/phonefs/internal/handlemap"
	"github.com/hupe1980/phonefs/internal/nodetree"
)

// BlockDev is the sector I/O a volume runs on.
type BlockDev interface {
	SectorSize() uint32
	SectorCount() uint64
	ReadSectors(lba uint64, buf []byte) error
	WriteSectors(lba uint64, buf []byte) error
	Flush() error
}

const (
	slotMagic  = "PHTXFS01"
	headerSize = 28
	// nodeOverhead is the encoded size of one node excluding path and data.
	nodeOverhead = 39
	minSectors   = 4
)

// Limits.
const (
	MaxVolumes = 8
	MaxHandles = 64
	NameMax    = 255
	FileMax    = 1<<31 - 1
)

type volume struct {
	name     string
	dev      BlockDev
	tree     *nodetree.Tree
	slot     int
	seq      uint64
	mask     TransMask
	capacity int64
	used     int64
	dirty    bool
}

type handle struct {
	vol  *volume
	node *nodetree.Node
	// files
	flags   int
	pos     int64
	written bool
	// directories
	dir     bool
	entries []*nodetree.Node
	dpos    int
}

var (
	mu      sync.Mutex
	volumes = map[string]*volume{}
	handles = handlemap.New[*handle]()
)

type slotHeader struct {
	seq    uint64
	length uint32
	crc    uint32
}

func slotSectors(dev BlockDev) uint64 { return dev.SectorCount() / 2 }

func slotCapacity(dev BlockDev) int64 {
	return int64(slotSectors(dev)-1)*int64(dev.SectorSize()) - blockcodec.HeaderSize
}

func checkDev(dev BlockDev) error {
	if dev == nil || dev.SectorSize() < headerSize || dev.SectorCount() < minSectors {
		return EINVAL
	}
	return nil
}

func readHeader(dev BlockDev, slot int) (slotHeader, []byte, bool) {
	ss := uint64(dev.SectorSize())
	base := uint64(slot) * slotSectors(dev)
	sec := make([]byte, ss)
	if err := dev.ReadSectors(base, sec); err != nil {
		return slotHeader{}, nil, false
	}
	if string(sec[:8]) != slotMagic || binary.LittleEndian.Uint32(sec[24:]) != crc32.ChecksumIEEE(sec[:24]) {
		return slotHeader{}, nil, false
	}
	h := slotHeader{
		seq:    binary.LittleEndian.Uint64(sec[8:]),
		length: binary.LittleEndian.Uint32(sec[16:]),
		crc:    binary.LittleEndian.Uint32(sec[20:]),
	}
	if int64(h.length) > slotCapacity(dev)+blockcodec.HeaderSize {
		return slotHeader{}, nil, false
	}
	n := (uint64(h.length) + ss - 1) / ss
	payload := make([]byte, n*ss)
	if n > 0 {
		if err := dev.ReadSectors(base+1, payload); err != nil {
			return slotHeader{}, nil, false
		}
	}
	payload = payload[:h.length]
	if crc32.ChecksumIEEE(payload) != h.crc {
		return slotHeader{}, nil, false
	}
	return h, payload, true
}

func writeImage(dev BlockDev, slot int, seq uint64, t *nodetree.Tree) error {
	img, err := blockcodec.Encode(t.Encode(), blockcodec.LZ4)
	if err != nil {
		return EIO
	}
	if int64(len(img)) > slotCapacity(dev)+blockcodec.HeaderSize {
		return ENOSPC
	}
	ss := int(dev.SectorSize())
	base := uint64(slot) * slotSectors(dev)

	payload := make([]byte, (len(img)+ss-1)/ss*ss)
	copy(payload, img)
	if len(payload) > 0 {
		if err := dev.WriteSectors(base+1, payload); err != nil {
			return EIO
		}
	}
	if err := dev.Flush(); err != nil {
		return EIO
	}

	sec := make([]byte, ss)
	copy(sec, slotMagic)
	binary.LittleEndian.PutUint64(sec[8:], seq)
	binary.LittleEndian.PutUint32(sec[16:], uint32(len(img)))
	binary.LittleEndian.PutUint32(sec[20:], crc32.ChecksumIEEE(img))
	binary.LittleEndian.PutUint32(sec[24:], crc32.ChecksumIEEE(sec[:24]))
	if err := dev.WriteSectors(base, sec); err != nil {
		return EIO
	}
	if err := dev.Flush(); err != nil {
		return EIO
	}
	return nil
}

func invalidateSlot(dev BlockDev, slot int) error {
	sec := make([]byte, dev.SectorSize())
	if err := dev.WriteSectors(uint64(slot)*slotSectors(dev), sec); err != nil {
		return EIO
	}
	return nil
}

// Format writes an empty volume to dev. The device must not be mounted.
func Format(dev BlockDev) error {
	if err := checkDev(dev); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, v := range volumes {
		if v.dev == dev {
			return EBUSY
		}
	}
	if err := invalidateSlot(dev, 1); err != nil {
		return err
	}
	return writeImage(dev, 0, 1, nodetree.New())
}

// Mount opens the volume on dev under name.
func Mount(name string, dev BlockDev) error {
	if err := checkDev(dev); err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, ":/") {
		return EINVAL
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := volumes[name]; ok {
		return EBUSY
	}
	if len(volumes) >= MaxVolumes {
		return EUSERS
	}

	best := -1
	var hdr [2]slotHeader
	var img [2][]byte
	for s := range 2 {
		h, payload, ok := readHeader(dev, s)
		if !ok {
			continue
		}
		hdr[s], img[s] = h, payload
		if best < 0 || h.seq > hdr[best].seq {
			best = s
		}
	}
	if best < 0 {
		return EIO
	}
	raw, err := blockcodec.Decode(img[best])
	if err != nil {
		return EIO
	}
	t, err := nodetree.Decode(raw)
	if err != nil {
		return EIO
	}

	v := &volume{
		name:     name,
		dev:      dev,
		tree:     t,
		slot:     best,
		seq:      hdr[best].seq,
		mask:     TransDefault,
		capacity: slotCapacity(dev),
	}
	v.recount()
	volumes[name] = v
	return nil
}

// Unmount closes the volume. Open handles of the volume become invalid.
func Unmount(name string) error {
	mu.Lock()
	defer mu.Unlock()
	v, ok := volumes[name]
	if !ok {
		return EINVAL
	}
	var err error
	if v.mask&TransUmount != 0 && v.dirty {
		err = v.commit()
	}
	handles.Range(func(i int, h *handle) bool {
		if h.vol == v {
			handles.Remove(i)
		}
		return true
	})
	delete(volumes, name)
	return err
}

// Transact commits the working state of the volume.
func Transact(name string) error {
	mu.Lock()
	defer mu.Unlock()
	v, ok := volumes[name]
	if !ok {
		return EINVAL
	}
	return v.commit()
}

// SetTransMask sets the automatic transaction points of the volume.
func SetTransMask(name string, mask TransMask) error {
	mu.Lock()
	defer mu.Unlock()
	v, ok := volumes[name]
	if !ok {
		return EINVAL
	}
	v.mask = mask
	return nil
}

// GetTransMask returns the automatic transaction points of the volume.
func GetTransMask(name string) (TransMask, error) {
	mu.Lock()
	defer mu.Unlock()
	v, ok := volumes[name]
	if !ok {
		return 0, EINVAL
	}
	return v.mask, nil
}

// Statvfs reports volume usage in sectors.
func Statvfs(name string, st *StatFS) error {
	mu.Lock()
	defer mu.Unlock()
	v, ok := volumes[name]
	if !ok {
		return EINVAL
	}
	ss := int64(v.dev.SectorSize())
	*st = StatFS{
		BlockSize:   uint32(ss),
		Blocks:      uint64(v.capacity / ss),
		BlocksFree:  uint64(max(0, v.capacity-v.used) / ss),
		Files:       uint64(v.tree.Len()),
		NameMax:     NameMax,
		Transaction: v.seq,
	}
	return nil
}

func (v *volume) commit() error {
	if !v.dirty {
		return nil
	}
	next := 1 - v.slot
	if err := writeImage(v.dev, next, v.seq+1, v.tree); err != nil {
		return err
	}
	v.slot, v.seq, v.dirty = next, v.seq+1, false
	return nil
}

// transactIf commits when ev is in the mask.
func (v *volume) transactIf(ev TransMask) error {
	if v.mask&ev == 0 {
		return nil
	}
	return v.commit()
}

func (v *volume) recount() {
	used := int64(13)
	_ = v.tree.Walk(func(n *nodetree.Node) error {
		used += nodeOverhead + int64(len(n.Path())) + int64(len(n.Data))
		return nil
	})
	v.used = used
}

// reserve accounts for extra image bytes or fails with ENOSPC.
func (v *volume) reserve(extra int64) error {
	if v.used+extra > v.capacity {
		return ENOSPC
	}
	v.used += extra
	return nil
}

// resolve splits "vol:/path" and returns the volume and the clean path.
func resolve(p string) (*volume, string, error) {
	name, rest, ok := strings.Cut(p, ":")
	if !ok {
		return nil, "", EINVAL
	}
	v, ok := volumes[name]
	if !ok {
		return nil, "", ENOENT
	}
	if rest == "" {
		rest = "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	for _, el := range strings.Split(rest, "/") {
		if len(el) > NameMax {
			return nil, "", ENAMETOOLONG
		}
	}
	return v, rest, nil
}
