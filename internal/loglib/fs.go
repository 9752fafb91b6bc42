package loglib

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"path"
	"slices"
	"strings"

	"github.com/hupe1980/phonefs/internal/nodetree"
)

const (
	superMagic   = "PHLOGFS1"
	superVersion = 1
	superSize    = 32
	minBlocks    = 5
)

// FS is the state of one mounted volume. The zero value is ready for
// Format or Mount.
type FS struct {
	cfg  *Config
	tree *nodetree.Tree

	gen       uint32
	half      uint32
	head      int64  // bytes of valid records on the medium
	tail      []byte // medium content of the partially programmed unit before head
	pending   []byte // records not yet programmed
	nextErase uint32
	mounted   bool
	open      map[*File]struct{}
}

func validate(cfg *Config) error {
	switch {
	case cfg == nil || cfg.Read == nil || cfg.Prog == nil:
		return ErrInval
	case cfg.ProgSize == 0 || cfg.BlockSize == 0 || cfg.BlockSize%cfg.ProgSize != 0:
		return ErrInval
	case cfg.BlockSize < superSize || cfg.BlockCount < minBlocks:
		return ErrInval
	}
	return nil
}

func (fs *FS) lock() error {
	if fs.cfg != nil && fs.cfg.Lock != nil {
		if err := fs.cfg.Lock(fs.cfg); err != nil {
			return ErrIO
		}
	}
	return nil
}

func (fs *FS) unlock() {
	if fs.cfg != nil && fs.cfg.Unlock != nil {
		_ = fs.cfg.Unlock(fs.cfg)
	}
}

func (fs *FS) nameMax() uint32 {
	if fs.cfg.NameMax == 0 {
		return DefaultNameMax
	}
	return fs.cfg.NameMax
}

func (fs *FS) halfBlocks() uint32        { return (fs.cfg.BlockCount - 1) / 2 }
func (fs *FS) halfStart(h uint32) uint32 { return 1 + h*fs.halfBlocks() }
func (fs *FS) capacity() int64           { return int64(fs.halfBlocks()) * int64(fs.cfg.BlockSize) }
func (fs *FS) end() int64                { return fs.head + int64(len(fs.pending)) }

type superblock struct {
	gen, half uint32
}

func (fs *FS) encodeSuper(sb superblock) []byte {
	buf := make([]byte, fs.cfg.ProgSize*((superSize+fs.cfg.ProgSize-1)/fs.cfg.ProgSize))
	copy(buf, superMagic)
	binary.LittleEndian.PutUint32(buf[8:], superVersion)
	binary.LittleEndian.PutUint32(buf[12:], fs.cfg.BlockSize)
	binary.LittleEndian.PutUint32(buf[16:], fs.cfg.BlockCount)
	binary.LittleEndian.PutUint32(buf[20:], sb.gen)
	binary.LittleEndian.PutUint32(buf[24:], sb.half)
	binary.LittleEndian.PutUint32(buf[28:], crc32.ChecksumIEEE(buf[:28]))
	return buf
}

func (fs *FS) readSuper() (superblock, error) {
	buf := make([]byte, fs.cfg.ProgSize*((superSize+fs.cfg.ProgSize-1)/fs.cfg.ProgSize))
	if err := fs.cfg.Read(fs.cfg, 0, 0, buf); err != nil {
		return superblock{}, ErrIO
	}
	switch {
	case string(buf[:8]) != superMagic,
		binary.LittleEndian.Uint32(buf[28:]) != crc32.ChecksumIEEE(buf[:28]),
		binary.LittleEndian.Uint32(buf[8:]) != superVersion,
		binary.LittleEndian.Uint32(buf[12:]) != fs.cfg.BlockSize,
		binary.LittleEndian.Uint32(buf[16:]) != fs.cfg.BlockCount:
		return superblock{}, ErrCorrupt
	}
	sb := superblock{gen: binary.LittleEndian.Uint32(buf[20:]), half: binary.LittleEndian.Uint32(buf[24:])}
	if sb.half > 1 {
		return superblock{}, ErrCorrupt
	}
	return sb, nil
}

func (fs *FS) writeSuper(sb superblock) error {
	if err := fs.cfg.Prog(fs.cfg, 0, 0, fs.encodeSuper(sb)); err != nil {
		return ErrIO
	}
	return fs.sync()
}

func (fs *FS) sync() error {
	if fs.cfg.Sync != nil {
		if err := fs.cfg.Sync(fs.cfg); err != nil {
			return ErrIO
		}
	}
	return nil
}

// Format writes an empty volume. Records of earlier generations stay on
// the medium but can never replay.
func Format(fs *FS, cfg *Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	fs.cfg = cfg
	if err := fs.lock(); err != nil {
		return err
	}
	defer fs.unlock()

	gen := uint32(1)
	if old, err := fs.readSuper(); err == nil {
		gen = old.gen + 1
	}
	// an erased first block ends replay of half 0 immediately
	if cfg.Erase != nil {
		if err := cfg.Erase(cfg, fs.halfStart(0)); err != nil {
			return ErrIO
		}
	}
	zero := make([]byte, cfg.ProgSize)
	if err := cfg.Prog(cfg, fs.halfStart(0), 0, zero); err != nil {
		return ErrIO
	}
	if err := fs.writeSuper(superblock{gen: gen, half: 0}); err != nil {
		return err
	}
	fs.mounted = false
	return nil
}

// Mount reads the superblock and replays the active log half.
func Mount(fs *FS, cfg *Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	fs.cfg = cfg
	if err := fs.lock(); err != nil {
		return err
	}
	defer fs.unlock()

	sb, err := fs.readSuper()
	if err != nil {
		return err
	}
	fs.gen, fs.half = sb.gen, sb.half
	fs.tree = nodetree.New()
	fs.pending, fs.tail = nil, nil
	fs.open = make(map[*File]struct{})
	if err := fs.replay(); err != nil {
		return err
	}
	fs.mounted = true
	return nil
}

// Unmount flushes pending records. Open files become invalid.
func (fs *FS) Unmount() error {
	if err := fs.lock(); err != nil {
		return err
	}
	defer fs.unlock()
	if !fs.mounted {
		return ErrInval
	}
	err := fs.flush()
	for f := range fs.open {
		f.fs = nil
	}
	fs.open = nil
	fs.mounted = false
	fs.tree = nil
	return err
}

type logReader struct {
	fs    *FS
	half  uint32
	block uint32
	buf   []byte
	valid bool
}

func (r *logReader) readAt(addr int64, n int) ([]byte, error) {
	bs := int64(r.fs.cfg.BlockSize)
	out := make([]byte, 0, n)
	for len(out) < n {
		blk := uint32(addr / bs)
		if !r.valid || r.block != blk {
			if err := r.fs.cfg.Read(r.fs.cfg, r.fs.halfStart(r.half)+blk, 0, r.buf); err != nil {
				return nil, ErrIO
			}
			r.block, r.valid = blk, true
		}
		off := addr % bs
		take := min(int64(n-len(out)), bs-off)
		out = append(out, r.buf[off:off+take]...)
		addr += take
	}
	return out, nil
}

func (fs *FS) replay() error {
	r := &logReader{fs: fs, half: fs.half, buf: make([]byte, fs.cfg.BlockSize)}
	capacity := fs.capacity()
	var addr int64

	for addr+recordHeaderSize <= capacity {
		hdr, err := r.readAt(addr, recordHeaderSize)
		if err != nil {
			return err
		}
		typ := recordType(hdr[4])
		gen := binary.LittleEndian.Uint32(hdr[5:])
		n := int64(binary.LittleEndian.Uint32(hdr[9:]))
		if typ == 0 || gen != fs.gen || addr+recordHeaderSize+n > capacity {
			break
		}
		payload, err := r.readAt(addr+recordHeaderSize, int(n))
		if err != nil {
			return err
		}
		crc := crc32.NewIEEE()
		crc.Write(hdr[4:])
		crc.Write(payload)
		if crc.Sum32() != binary.LittleEndian.Uint32(hdr[0:]) {
			break
		}
		rec, ok := decodeRecord(typ, payload)
		if !ok {
			return ErrCorrupt
		}
		if err := fs.apply(rec); err != nil {
			return ErrCorrupt
		}
		addr += recordHeaderSize + n
	}

	fs.head = addr
	prog := int64(fs.cfg.ProgSize)
	if keep := addr % prog; keep > 0 {
		tail, err := r.readAt(addr-keep, int(keep))
		if err != nil {
			return err
		}
		fs.tail = tail
	}
	bs := int64(fs.cfg.BlockSize)
	fs.nextErase = fs.halfStart(fs.half) + uint32((addr+bs-1)/bs)
	return nil
}

// apply performs a record on the tree.
func (fs *FS) apply(r *record) error {
	switch r.typ {
	case recMkdir:
		_, err := fs.tree.Create(r.path, nodetree.KindDir, uint32(r.num))
		return err
	case recCreate:
		_, err := fs.tree.Create(r.path, nodetree.KindFile, uint32(r.num))
		return err
	case recWrite, recTruncate, recSetMode:
		n, err := fs.tree.Lookup(r.path)
		if err != nil {
			return err
		}
		switch r.typ {
		case recWrite:
			if n.IsDir() {
				return nodetree.ErrIsDir
			}
			n.WriteAt(r.data, r.num)
		case recTruncate:
			if n.IsDir() {
				return nodetree.ErrIsDir
			}
			n.Truncate(r.num)
		default:
			n.Mode = uint32(r.num)
		}
		return nil
	case recRemove:
		_, err := fs.tree.Remove(r.path)
		return err
	case recRename:
		_, err := fs.tree.Rename(r.path, r.aux)
		return err
	default:
		return ErrCorrupt
	}
}

// program writes b at byte address addr of half h, padding it to whole
// program units. addr must be unit aligned.
func (fs *FS) program(h uint32, addr int64, b []byte) error {
	prog := int(fs.cfg.ProgSize)
	if rem := len(b) % prog; rem != 0 {
		b = append(b[:len(b):len(b)], make([]byte, prog-rem)...)
	}
	bs := int64(fs.cfg.BlockSize)
	for len(b) > 0 {
		blk := fs.halfStart(h) + uint32(addr/bs)
		off := addr % bs
		n := min(int64(len(b)), bs-off)
		if blk >= fs.nextErase {
			if fs.cfg.Erase != nil {
				if err := fs.cfg.Erase(fs.cfg, blk); err != nil {
					return ErrIO
				}
			}
			fs.nextErase = blk + 1
		}
		if err := fs.cfg.Prog(fs.cfg, blk, uint32(off), b[:n]); err != nil {
			return ErrIO
		}
		addr += n
		b = b[n:]
	}
	return nil
}

// flush programs pending records after the last valid one.
func (fs *FS) flush() error {
	if len(fs.pending) == 0 {
		return nil
	}
	start := fs.head - int64(len(fs.tail))
	buf := append(slices.Clone(fs.tail), fs.pending...)
	if err := fs.program(fs.half, start, buf); err != nil {
		return err
	}
	fs.head += int64(len(fs.pending))
	fs.pending = fs.pending[:0]
	keep := int(fs.head % int64(fs.cfg.ProgSize))
	fs.tail = slices.Clone(buf[len(buf)-keep:])
	return fs.sync()
}

// reserve makes room for n more record bytes, compacting if needed.
func (fs *FS) reserve(n int) error {
	if fs.end()+int64(n) <= fs.capacity() {
		return nil
	}
	if err := fs.compact(); err != nil {
		return err
	}
	if fs.end()+int64(n) > fs.capacity() {
		return ErrNoSpc
	}
	return nil
}

// commit appends a record that was already applied to the tree.
func (fs *FS) commit(r *record) error {
	fs.pending = append(fs.pending, r.encode(fs.gen)...)
	if len(fs.pending) >= int(fs.cfg.BlockSize) {
		return fs.flush()
	}
	return nil
}

// do reserves space, applies r to the tree and logs it. Nothing is
// logged when the tree rejects the change.
func (fs *FS) do(r *record, durable bool) error {
	if err := fs.reserve(r.size()); err != nil {
		return err
	}
	if err := fs.apply(r); err != nil {
		return translate(err)
	}
	if err := fs.commit(r); err != nil {
		return err
	}
	if durable {
		return fs.flush()
	}
	return nil
}

func snapshot(t *nodetree.Tree) []*record {
	var recs []*record
	_ = t.Walk(func(n *nodetree.Node) error {
		p := n.Path()
		if n.IsDir() {
			recs = append(recs, &record{typ: recMkdir, path: p, num: int64(n.Mode)})
			return nil
		}
		recs = append(recs, &record{typ: recCreate, path: p, num: int64(n.Mode)})
		for off := 0; off < len(n.Data); off += maxWriteChunk {
			end := min(off+maxWriteChunk, len(n.Data))
			recs = append(recs, &record{typ: recWrite, path: p, num: int64(off), data: n.Data[off:end]})
		}
		if n.Size != int64(len(n.Data)) {
			recs = append(recs, &record{typ: recTruncate, path: p, num: n.Size})
		}
		return nil
	})
	return recs
}

// compact rewrites the live state into the other half under a new
// generation, then switches the superblock.
func (fs *FS) compact() error {
	gen, half := fs.gen+1, 1-fs.half
	var buf []byte
	for _, r := range snapshot(fs.tree) {
		buf = append(buf, r.encode(gen)...)
	}
	if int64(len(buf)) > fs.capacity() {
		return ErrNoSpc
	}

	saved := fs.nextErase
	fs.nextErase = fs.halfStart(half)
	if err := fs.program(half, 0, buf); err != nil {
		fs.nextErase = saved
		return err
	}
	if int64(len(buf)) < fs.capacity() && len(buf)%int(fs.cfg.ProgSize) == 0 {
		// terminate replay right after the snapshot
		if err := fs.program(half, int64(len(buf)), make([]byte, fs.cfg.ProgSize)); err != nil {
			fs.nextErase = saved
			return err
		}
	}
	if err := fs.sync(); err != nil {
		fs.nextErase = saved
		return err
	}
	if err := fs.writeSuper(superblock{gen: gen, half: half}); err != nil {
		fs.nextErase = saved
		return err
	}

	fs.gen, fs.half = gen, half
	fs.head = int64(len(buf))
	fs.pending = fs.pending[:0]
	keep := int(fs.head % int64(fs.cfg.ProgSize))
	fs.tail = slices.Clone(buf[len(buf)-keep:])
	return nil
}

// clean normalizes a library path and checks element lengths.
func (fs *FS) clean(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	for _, el := range strings.Split(p, "/") {
		if uint32(len(el)) > fs.nameMax() {
			return "", ErrNameTooLong
		}
	}
	return p, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nodetree.ErrNotExist):
		return ErrNoEnt
	case errors.Is(err, nodetree.ErrExist):
		return ErrExist
	case errors.Is(err, nodetree.ErrNotDir):
		return ErrNotDir
	case errors.Is(err, nodetree.ErrIsDir):
		return ErrIsDir
	case errors.Is(err, nodetree.ErrNotEmpty):
		return ErrNotEmpty
	case errors.Is(err, nodetree.ErrInvalid):
		return ErrInval
	}
	var e Error
	if errors.As(err, &e) {
		return e
	}
	return ErrIO
}

// enter takes the lock and checks the volume is mounted. The returned
// function releases the lock.
func (fs *FS) enter() (func(), error) {
	if err := fs.lock(); err != nil {
		return nil, err
	}
	if !fs.mounted {
		fs.unlock()
		return nil, ErrInval
	}
	return fs.unlock, nil
}

// Mkdir creates a directory with mode 0755.
func (fs *FS) Mkdir(p string) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if p, err = fs.clean(p); err != nil {
		return err
	}
	if p == "/" {
		return ErrExist
	}
	return fs.do(&record{typ: recMkdir, path: p, num: 0o755}, true)
}

// Remove deletes a file or an empty directory.
func (fs *FS) Remove(p string) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if p, err = fs.clean(p); err != nil {
		return err
	}
	return fs.do(&record{typ: recRemove, path: p}, true)
}

// Rename moves oldp to newp, replacing a file or empty directory target.
func (fs *FS) Rename(oldp, newp string) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if oldp, err = fs.clean(oldp); err != nil {
		return err
	}
	if newp, err = fs.clean(newp); err != nil {
		return err
	}
	return fs.do(&record{typ: recRename, path: oldp, aux: newp}, true)
}

func fill(info *Info, n *nodetree.Node) {
	info.Name = n.Name()
	info.Size = n.Size
	info.Mode = n.Mode
	info.Mtime = n.Mtime
	info.Type = TypeReg
	if n.IsDir() {
		info.Type = TypeDir
		info.Size = 0
	}
}

// Stat describes the entry at p.
func (fs *FS) Stat(p string, info *Info) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if p, err = fs.clean(p); err != nil {
		return err
	}
	n, err := fs.tree.Lookup(p)
	if err != nil {
		return translate(err)
	}
	fill(info, n)
	return nil
}

// SetAttr stores an attribute. Only AttrMode is supported.
func (fs *FS) SetAttr(p string, typ uint8, buf []byte) error {
	if typ != AttrMode || len(buf) != 4 {
		return ErrNoAttr
	}
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	if p, err = fs.clean(p); err != nil {
		return err
	}
	mode := binary.LittleEndian.Uint32(buf)
	return fs.do(&record{typ: recSetMode, path: p, num: int64(mode)}, true)
}

// GetAttr reads an attribute into buf and returns its size.
func (fs *FS) GetAttr(p string, typ uint8, buf []byte) (int, error) {
	if typ != AttrMode {
		return 0, ErrNoAttr
	}
	done, err := fs.enter()
	if err != nil {
		return 0, err
	}
	defer done()
	if p, err = fs.clean(p); err != nil {
		return 0, err
	}
	n, err := fs.tree.Lookup(p)
	if err != nil {
		return 0, translate(err)
	}
	if len(buf) < 4 {
		return 0, ErrInval
	}
	binary.LittleEndian.PutUint32(buf, n.Mode)
	return 4, nil
}

// FSStat reports volume usage.
func (fs *FS) FSStat(info *FSInfo) error {
	done, err := fs.enter()
	if err != nil {
		return err
	}
	defer done()
	bs := int64(fs.cfg.BlockSize)
	info.BlockSize = fs.cfg.BlockSize
	info.BlockCount = fs.halfBlocks()
	info.UsedBlocks = uint32((fs.end() + bs - 1) / bs)
	info.NameMax = fs.nameMax()
	return nil
}

// Generation returns the current log generation.
func (fs *FS) Generation() uint32 {
	return fs.gen
}
