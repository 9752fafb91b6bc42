package extlib

import (
	"strings"
	"syscall"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/phonefs/internal/cache"
	"github.com/hupe1980/phonefs/internal/nodetree"
)

// DefaultCacheBlocks is the block cache capacity of a mount, in blocks.
const DefaultCacheBlocks = 64

type mountState struct {
	name     string
	devName  string
	bd       *BlockDev
	dev      rawdev
	readOnly bool
	sb       superblock
	tree     *nodetree.Tree
	free     *roaring.Bitmap
	cache    *cache.LRUBlockCache
	metaSize int
	opens    map[*nodetree.Node]int

	writeBack     bool
	metaDirty     bool
	needsRecovery bool
	closed        bool
}

// Mount attaches the registered device devName at mountPoint, which must
// start and end with "/".
func Mount(devName, mountPoint string, readOnly bool) error {
	defer enter()()
	if len(mountPoint) < 2 || !strings.HasPrefix(mountPoint, "/") || !strings.HasSuffix(mountPoint, "/") {
		return syscall.EINVAL
	}
	bd, err := device(devName)
	if err != nil {
		return err
	}
	regMu.Lock()
	_, busy := mounts[mountPoint]
	for _, m := range mounts {
		busy = busy || m.devName == devName
	}
	regMu.Unlock()
	if busy {
		return syscall.EBUSY
	}

	if bd.Open != nil {
		if err := bd.Open(bd); err != nil {
			return syscall.EIO
		}
	}
	m, err := load(bd, devName, mountPoint, readOnly)
	if err != nil {
		if bd.Close != nil {
			_ = bd.Close(bd)
		}
		return err
	}

	regMu.Lock()
	mounts[mountPoint] = m
	regMu.Unlock()
	return nil
}

func load(bd *BlockDev, devName, mountPoint string, readOnly bool) (*mountState, error) {
	dev := rawdev{bd: bd, bs: blockSizeFor(bd)}
	sb, err := dev.readSuper()
	if err != nil {
		return nil, err
	}
	if sb.blockSize != dev.bs || sb.blockCount*uint64(sb.blockSize) > bd.PhysBlockCount*uint64(bd.PhysBlockSize) {
		return nil, syscall.EINVAL
	}
	md, err := dev.readMeta(&sb)
	if err != nil {
		return nil, err
	}

	m := &mountState{
		name:          mountPoint,
		devName:       devName,
		bd:            bd,
		dev:           dev,
		readOnly:      readOnly,
		sb:            sb,
		tree:          md.tree,
		free:          md.free,
		needsRecovery: sb.state != stateClean,
	}
	m.cache = cache.NewLRUBlockCache(int64(DefaultCacheBlocks)*int64(dev.bs), nil, m.writeBlock)
	m.recount()

	if !readOnly {
		m.sb.state = stateDirty
		if err := dev.writeSuper(&m.sb); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *mountState) writeBlock(key cache.Key, b []byte) error {
	return m.dev.write(key.Block, b)
}

func (m *mountState) recount() {
	size := 13
	_ = m.tree.Walk(func(n *nodetree.Node) error {
		size += nodeOverhead + len(n.Path()) + 8*len(n.Extents)
		return nil
	})
	m.metaSize = size
}

// metaLimit leaves room for the free-block bitmap.
func (m *mountState) metaLimit() int {
	return m.sb.metaCapacity() - int(m.sb.blockCount/8) - 64
}

func (m *mountState) reserveMeta(n int) error {
	if m.metaSize+n > m.metaLimit() {
		return syscall.ENOSPC
	}
	m.metaSize += n
	m.metaDirty = true
	return nil
}

// flush writes dirty data blocks and the metadata image.
func (m *mountState) flush() error {
	if err := m.cache.Flush(); err != nil {
		return err
	}
	if !m.metaDirty || m.readOnly {
		return nil
	}
	if err := m.dev.writeMeta(&m.sb, &metadata{tree: m.tree, free: m.free}); err != nil {
		return err
	}
	m.metaDirty = false
	return nil
}

func getMount(mountPoint string) (*mountState, error) {
	regMu.Lock()
	defer regMu.Unlock()
	m, ok := mounts[mountPoint]
	if !ok {
		return nil, syscall.ENOENT
	}
	return m, nil
}

// Umount writes everything back, marks the volume clean and detaches it.
// Open files and directories of the mount become invalid.
func Umount(mountPoint string) error {
	defer enter()()
	m, err := getMount(mountPoint)
	if err != nil {
		return err
	}
	err = m.flush()
	if err == nil && !m.readOnly {
		m.sb.state = stateClean
		err = m.dev.writeSuper(&m.sb)
	}
	m.closed = true
	regMu.Lock()
	delete(mounts, mountPoint)
	regMu.Unlock()
	if m.bd.Close != nil {
		if cerr := m.bd.Close(m.bd); cerr != nil && err == nil {
			err = syscall.EIO
		}
	}
	return err
}

// NeedsRecovery reports whether the volume was not unmounted cleanly.
func NeedsRecovery(mountPoint string) (bool, error) {
	defer enter()()
	m, err := getMount(mountPoint)
	if err != nil {
		return false, err
	}
	return m.needsRecovery, nil
}

// Recover checks a volume that was not unmounted cleanly. The free-block
// bitmap is rebuilt from the inode extents and extents pointing outside
// the data area are dropped. It returns the number of repairs.
func Recover(mountPoint string) (int, error) {
	defer enter()()
	m, err := getMount(mountPoint)
	if err != nil {
		return 0, err
	}
	if !m.needsRecovery {
		return 0, nil
	}
	if m.readOnly {
		return 0, syscall.EROFS
	}

	free := roaring.New()
	free.AddRange(m.sb.dataStart(), m.sb.blockCount)
	repairs := 0
	_ = m.tree.Walk(func(n *nodetree.Node) error {
		for i, b := range n.Extents {
			if b == 0 {
				continue
			}
			if b < m.sb.dataStart() || b >= m.sb.blockCount || !free.Contains(uint32(b)) {
				// out of range or shared with another extent
				n.Extents[i] = 0
				repairs++
				continue
			}
			free.Remove(uint32(b))
		}
		return nil
	})
	if !free.Equals(m.free) {
		repairs++
	}
	m.free = free
	m.metaDirty = true
	m.needsRecovery = false
	return repairs, m.flush()
}

// CacheWriteBack switches delayed block write-back on or off. With it
// off every write reaches the device before the call returns.
func CacheWriteBack(mountPoint string, on bool) error {
	defer enter()()
	m, err := getMount(mountPoint)
	if err != nil {
		return err
	}
	m.writeBack = on
	if !on {
		return m.cache.Flush()
	}
	return nil
}

// CacheFlush writes back dirty blocks and the metadata of the mount.
func CacheFlush(mountPoint string) error {
	defer enter()()
	m, err := getMount(mountPoint)
	if err != nil {
		return err
	}
	return m.flush()
}

// MountStats describes a mounted volume.
type MountStats struct {
	InodesCount     uint32
	FreeInodesCount uint32
	BlocksCount     uint64
	FreeBlocksCount uint64
	BlockSize       uint32
	VolumeName      string
}

// MountPointStats reports usage of a mounted volume.
func MountPointStats(mountPoint string, st *MountStats) error {
	defer enter()()
	m, err := getMount(mountPoint)
	if err != nil {
		return err
	}
	inodes := uint32(m.metaLimit() / (nodeOverhead + 32))
	used := uint32(m.tree.Len() + 1)
	*st = MountStats{
		InodesCount:     inodes,
		FreeInodesCount: inodes - min(inodes, used),
		BlocksCount:     m.sb.blockCount,
		FreeBlocksCount: m.free.GetCardinality(),
		BlockSize:       m.sb.blockSize,
		VolumeName:      m.sb.label,
	}
	return nil
}
