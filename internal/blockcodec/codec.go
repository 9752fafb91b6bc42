// Package blockcodec frames metadata images as optionally compressed blocks.
//
// Format: [Algorithm uint8][UncompressedSize uint32][StoredSize uint32][Data...]
// A stored size equal to zero means the data follows uncompressed.
package blockcodec

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm selects the compression used for a block.
type Algorithm uint8

const (
	// None stores blocks raw.
	None Algorithm = 0
	// LZ4 is fast block compression, used for commit images.
	LZ4 Algorithm = 1
	// ZSTD has the better ratio, used for metadata regions.
	ZSTD Algorithm = 2
)

// HeaderSize is the size of the block frame header.
const HeaderSize = 9

var (
	ErrShortBlock   = errors.New("blockcodec: block too small")
	ErrSizeMismatch = errors.New("blockcodec: decompressed size mismatch")
	ErrAlgorithm    = errors.New("blockcodec: unknown algorithm")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Encode frames data, compressing it with algo when that saves space.
func Encode(data []byte, algo Algorithm) ([]byte, error) {
	var packed []byte
	switch {
	case algo > ZSTD:
		return nil, ErrAlgorithm
	case len(data) == 0 || algo == None:
	case algo == LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n]
	case algo == ZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	// incompressible (or lz4 returned 0): store raw
	if len(packed) == 0 || len(packed) >= len(data) {
		out := make([]byte, HeaderSize+len(data))
		out[0] = byte(algo)
		binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
		copy(out[HeaderSize:], data)
		return out, nil
	}

	out := make([]byte, HeaderSize+len(packed))
	out[0] = byte(algo)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(packed)))
	copy(out[HeaderSize:], packed)
	return out, nil
}

// FramedSize returns the total size of the frame starting at block[0].
func FramedSize(block []byte) (int, error) {
	if len(block) < HeaderSize {
		return 0, ErrShortBlock
	}
	raw := binary.LittleEndian.Uint32(block[1:])
	stored := binary.LittleEndian.Uint32(block[5:])
	if stored == 0 {
		return HeaderSize + int(raw), nil
	}
	return HeaderSize + int(stored), nil
}

// Decode reverses Encode. Trailing bytes after the frame are ignored.
func Decode(block []byte) ([]byte, error) {
	if len(block) < HeaderSize {
		return nil, ErrShortBlock
	}
	algo := Algorithm(block[0])
	raw := binary.LittleEndian.Uint32(block[1:])
	stored := binary.LittleEndian.Uint32(block[5:])

	if stored == 0 {
		if uint64(len(block)) < HeaderSize+uint64(raw) {
			return nil, ErrShortBlock
		}
		return block[HeaderSize : HeaderSize+raw], nil
	}
	if uint64(len(block)) < HeaderSize+uint64(stored) {
		return nil, ErrShortBlock
	}
	packed := block[HeaderSize : HeaderSize+stored]
	out := make([]byte, raw)

	switch algo {
	case LZ4:
		n, err := lz4.UncompressBlock(packed, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != raw {
			return nil, ErrSizeMismatch
		}
		return out, nil
	case ZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(packed, out[:0])
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != raw {
			return nil, ErrSizeMismatch
		}
		return decoded, nil
	default:
		return nil, ErrAlgorithm
	}
}
