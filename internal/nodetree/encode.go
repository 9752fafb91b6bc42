package nodetree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrCorrupt is returned when an encoded tree cannot be decoded.
var ErrCorrupt = errors.New("nodetree: corrupt encoding")

const encodingVersion = 1

// Encode serializes the tree in depth-first order, parents before children.
//
// Layout: [Version u8][NextIno u64][Count u32] followed by Count records of
// [PathLen u16][Path][Kind u8][Mode u32][Size i64][Mtime i64][Ino u64]
// [DataLen u32][Data][ExtentCount u32][Extents u64...].
func (t *Tree) Encode() []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	buf.WriteByte(encodingVersion)
	binary.LittleEndian.PutUint64(scratch[:], t.nextIno)
	buf.Write(scratch[:8])
	binary.LittleEndian.PutUint32(scratch[:], uint32(t.count))
	buf.Write(scratch[:4])

	_ = t.Walk(func(n *Node) error {
		p := n.Path()
		binary.LittleEndian.PutUint16(scratch[:], uint16(len(p)))
		buf.Write(scratch[:2])
		buf.WriteString(p)
		buf.WriteByte(byte(n.Kind))
		binary.LittleEndian.PutUint32(scratch[:], n.Mode)
		buf.Write(scratch[:4])
		binary.LittleEndian.PutUint64(scratch[:], uint64(n.Size))
		buf.Write(scratch[:8])
		binary.LittleEndian.PutUint64(scratch[:], uint64(n.Mtime))
		buf.Write(scratch[:8])
		binary.LittleEndian.PutUint64(scratch[:], n.Ino)
		buf.Write(scratch[:8])
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(n.Data)))
		buf.Write(scratch[:4])
		buf.Write(n.Data)
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(n.Extents)))
		buf.Write(scratch[:4])
		for _, e := range n.Extents {
			binary.LittleEndian.PutUint64(scratch[:], e)
			buf.Write(scratch[:8])
		}
		return nil
	})
	return buf.Bytes()
}

type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.r.Len() {
		d.err = ErrCorrupt
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = ErrCorrupt
		return nil
	}
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.read(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.read(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.read(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.read(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// Decode rebuilds a tree produced by Encode.
func Decode(b []byte) (*Tree, error) {
	d := &decoder{r: bytes.NewReader(b)}
	if d.u8() != encodingVersion {
		return nil, ErrCorrupt
	}
	t := New()
	nextIno := d.u64()
	count := d.u32()

	for range count {
		p := string(d.read(int(d.u16())))
		kind := Kind(d.u8())
		mode := d.u32()
		size := int64(d.u64())
		mtime := int64(d.u64())
		ino := d.u64()
		data := d.read(int(d.u32()))
		extents := make([]uint64, 0)
		for range d.u32() {
			if d.err != nil {
				break
			}
			extents = append(extents, d.u64())
		}
		if d.err != nil {
			return nil, d.err
		}
		if kind != KindFile && kind != KindDir {
			return nil, ErrCorrupt
		}
		n, err := t.Create(p, kind, mode)
		if err != nil {
			return nil, errors.Join(ErrCorrupt, err)
		}
		n.Ino, n.Size, n.Mtime, n.Data = ino, size, mtime, data
		if len(extents) > 0 {
			n.Extents = extents
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	t.nextIno = max(nextIno, t.nextIno)
	return t, nil
}
