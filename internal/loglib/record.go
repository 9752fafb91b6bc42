package loglib

import (
	"encoding/binary"
	"hash/crc32"
)

type recordType uint8

const (
	recMkdir    recordType = 1
	recCreate   recordType = 2
	recWrite    recordType = 3
	recTruncate recordType = 4
	recRemove   recordType = 5
	recRename   recordType = 6
	recSetMode  recordType = 7
)

// Record framing: [CRC32 4][Type 1][Generation 4][Length 4][Payload].
// The checksum covers everything after itself.
const recordHeaderSize = 13

// maxWriteChunk bounds the payload of one write record.
const maxWriteChunk = 16 << 10

type record struct {
	typ  recordType
	path string
	aux  string
	num  int64
	data []byte
}

func (r *record) payload() []byte {
	b := make([]byte, 0, 2+len(r.path)+2+len(r.aux)+8+len(r.data))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.path)))
	b = append(b, r.path...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.aux)))
	b = append(b, r.aux...)
	b = binary.LittleEndian.AppendUint64(b, uint64(r.num))
	return append(b, r.data...)
}

func (r *record) encode(gen uint32) []byte {
	p := r.payload()
	out := make([]byte, recordHeaderSize+len(p))
	out[4] = byte(r.typ)
	binary.LittleEndian.PutUint32(out[5:], gen)
	binary.LittleEndian.PutUint32(out[9:], uint32(len(p)))
	copy(out[recordHeaderSize:], p)
	binary.LittleEndian.PutUint32(out[0:], crc32.ChecksumIEEE(out[4:]))
	return out
}

func (r *record) size() int {
	return recordHeaderSize + 2 + len(r.path) + 2 + len(r.aux) + 8 + len(r.data)
}

// decodeRecord parses a frame whose header has already been validated.
func decodeRecord(typ recordType, p []byte) (*record, bool) {
	r := &record{typ: typ}
	take := func() (string, bool) {
		if len(p) < 2 {
			return "", false
		}
		n := int(binary.LittleEndian.Uint16(p))
		if len(p) < 2+n {
			return "", false
		}
		s := string(p[2 : 2+n])
		p = p[2+n:]
		return s, true
	}
	var ok bool
	if r.path, ok = take(); !ok {
		return nil, false
	}
	if r.aux, ok = take(); !ok {
		return nil, false
	}
	if len(p) < 8 {
		return nil, false
	}
	r.num = int64(binary.LittleEndian.Uint64(p))
	r.data = p[8:]
	return r, true
}
