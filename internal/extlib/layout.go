package extlib

import (
	"encoding/binary"
	"hash/crc32"
	"syscall"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/phonefs/internal/blockcodec"
	"github.com/hupe1980/phonefs/internal/nodetree"
)

// On-disk layout: block 0 holds the superblock, blocks [1, 1+metaBlocks)
// hold the zstd framed metadata image (inode tree and free-block bitmap)
// and the remaining blocks hold file data.
const (
	sbMagic   = "PHEXT4SB"
	sbVersion = 1
	sbSize    = 88

	stateClean = 1
	stateDirty = 2

	// DefaultBlockSize is the filesystem block size on devices with
	// physical blocks of at most this size.
	DefaultBlockSize = 1024
	minBlocks        = 16
	// nodeOverhead is the encoded size of an inode excluding path and extents.
	nodeOverhead = 39
	labelSize    = 16
)

type superblock struct {
	blockSize  uint32
	blockCount uint64
	metaBlocks uint64
	state      uint32
	metaLen    uint32
	metaCRC    uint32
	label      string
}

func (sb *superblock) dataStart() uint64 { return 1 + sb.metaBlocks }

func (sb *superblock) metaCapacity() int {
	return int(sb.metaBlocks)*int(sb.blockSize) - blockcodec.HeaderSize
}

func (sb *superblock) encode(bs int) []byte {
	buf := make([]byte, bs)
	copy(buf, sbMagic)
	binary.LittleEndian.PutUint32(buf[8:], sbVersion)
	binary.LittleEndian.PutUint32(buf[12:], sb.blockSize)
	binary.LittleEndian.PutUint64(buf[16:], sb.blockCount)
	binary.LittleEndian.PutUint64(buf[24:], sb.metaBlocks)
	binary.LittleEndian.PutUint32(buf[32:], sb.state)
	binary.LittleEndian.PutUint32(buf[36:], sb.metaLen)
	binary.LittleEndian.PutUint32(buf[40:], sb.metaCRC)
	copy(buf[44:44+labelSize], sb.label)
	binary.LittleEndian.PutUint32(buf[sbSize-4:], crc32.ChecksumIEEE(buf[:sbSize-4]))
	return buf
}

func decodeSuperblock(buf []byte) (superblock, error) {
	if len(buf) < sbSize || string(buf[:8]) != sbMagic ||
		binary.LittleEndian.Uint32(buf[sbSize-4:]) != crc32.ChecksumIEEE(buf[:sbSize-4]) {
		return superblock{}, syscall.EINVAL
	}
	if binary.LittleEndian.Uint32(buf[8:]) != sbVersion {
		return superblock{}, syscall.ENOTSUP
	}
	label := buf[44 : 44+labelSize]
	for i, c := range label {
		if c == 0 {
			label = label[:i]
			break
		}
	}
	return superblock{
		blockSize:  binary.LittleEndian.Uint32(buf[12:]),
		blockCount: binary.LittleEndian.Uint64(buf[16:]),
		metaBlocks: binary.LittleEndian.Uint64(buf[24:]),
		state:      binary.LittleEndian.Uint32(buf[32:]),
		metaLen:    binary.LittleEndian.Uint32(buf[36:]),
		metaCRC:    binary.LittleEndian.Uint32(buf[40:]),
		label:      string(label),
	}, nil
}

func blockSizeFor(bd *BlockDev) uint32 {
	return max(DefaultBlockSize, bd.PhysBlockSize)
}

// rawdev is raw filesystem-block access to a device.
type rawdev struct {
	bd *BlockDev
	bs uint32
}

func (d rawdev) ratio() uint32 { return d.bs / d.bd.PhysBlockSize }

func (d rawdev) read(block uint64, buf []byte) error {
	r := d.ratio()
	if err := d.bd.ReadBlocks(d.bd, buf, block*uint64(r), r*uint32(len(buf)/int(d.bs))); err != nil {
		return syscall.EIO
	}
	return nil
}

func (d rawdev) write(block uint64, buf []byte) error {
	r := d.ratio()
	if err := d.bd.WriteBlocks(d.bd, buf, block*uint64(r), r*uint32(len(buf)/int(d.bs))); err != nil {
		return syscall.EIO
	}
	return nil
}

func (d rawdev) readSuper() (superblock, error) {
	buf := make([]byte, d.bs)
	if err := d.read(0, buf); err != nil {
		return superblock{}, err
	}
	return decodeSuperblock(buf)
}

func (d rawdev) writeSuper(sb *superblock) error {
	return d.write(0, sb.encode(int(d.bs)))
}

// metadata is the decoded metadata image.
type metadata struct {
	tree *nodetree.Tree
	free *roaring.Bitmap
}

func encodeMeta(md *metadata) ([]byte, error) {
	tree := md.tree.Encode()
	bm, err := md.free.ToBytes()
	if err != nil {
		return nil, syscall.EIO
	}
	raw := make([]byte, 4, 4+len(tree)+len(bm))
	binary.LittleEndian.PutUint32(raw, uint32(len(tree)))
	raw = append(raw, tree...)
	raw = append(raw, bm...)
	return blockcodec.Encode(raw, blockcodec.ZSTD)
}

func decodeMeta(img []byte) (*metadata, error) {
	raw, err := blockcodec.Decode(img)
	if err != nil || len(raw) < 4 {
		return nil, syscall.EIO
	}
	n := int(binary.LittleEndian.Uint32(raw))
	if len(raw) < 4+n {
		return nil, syscall.EIO
	}
	tree, err := nodetree.Decode(raw[4 : 4+n])
	if err != nil {
		return nil, syscall.EIO
	}
	free := roaring.New()
	if err := free.UnmarshalBinary(raw[4+n:]); err != nil {
		return nil, syscall.EIO
	}
	return &metadata{tree: tree, free: free}, nil
}

// writeMeta stores the metadata image and records it in sb.
func (d rawdev) writeMeta(sb *superblock, md *metadata) error {
	img, err := encodeMeta(md)
	if err != nil {
		return err
	}
	if len(img) > int(sb.metaBlocks)*int(d.bs) {
		return syscall.ENOSPC
	}
	bs := int(d.bs)
	buf := make([]byte, (len(img)+bs-1)/bs*bs)
	copy(buf, img)
	if err := d.write(1, buf); err != nil {
		return err
	}
	sb.metaLen = uint32(len(img))
	sb.metaCRC = crc32.ChecksumIEEE(img)
	return d.writeSuper(sb)
}

func (d rawdev) readMeta(sb *superblock) (*metadata, error) {
	if uint64(sb.metaLen) > sb.metaBlocks*uint64(d.bs) {
		return nil, syscall.EIO
	}
	bs := int(d.bs)
	buf := make([]byte, (int(sb.metaLen)+bs-1)/bs*bs)
	if err := d.read(1, buf); err != nil {
		return nil, err
	}
	img := buf[:sb.metaLen]
	if crc32.ChecksumIEEE(img) != sb.metaCRC {
		return nil, syscall.EIO
	}
	return decodeMeta(img)
}

// Mkfs writes an empty filesystem to bd. The device need not be
// registered.
func Mkfs(bd *BlockDev, label string) error {
	defer enter()()
	if bd == nil || bd.PhysBlockSize == 0 || DefaultBlockSize%bd.PhysBlockSize != 0 && bd.PhysBlockSize%DefaultBlockSize != 0 {
		return syscall.EINVAL
	}
	if len(label) > labelSize {
		return syscall.EINVAL
	}
	bs := blockSizeFor(bd)
	count := bd.PhysBlockCount * uint64(bd.PhysBlockSize) / uint64(bs)
	if count < minBlocks {
		return syscall.EINVAL
	}
	if bd.Open != nil {
		if err := bd.Open(bd); err != nil {
			return syscall.EIO
		}
	}
	if bd.Close != nil {
		defer func() { _ = bd.Close(bd) }()
	}

	sb := &superblock{
		blockSize:  bs,
		blockCount: count,
		metaBlocks: max(4, count/8),
		state:      stateClean,
		label:      label,
	}
	free := roaring.New()
	free.AddRange(sb.dataStart(), count)
	return rawdev{bd: bd, bs: bs}.writeMeta(sb, &metadata{tree: nodetree.New(), free: free})
}
