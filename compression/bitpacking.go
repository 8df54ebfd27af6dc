package compression

import (
	"encoding/binary"
	"math/bits"

	"github.com/coredbio/coredb/errs"
)

// bitPackingCodec packs zigzag-encoded values into the minimum bit width
// that holds the largest magnitude value in the block. Layout (little-endian):
//
//	uint32 numValues
//	uint8  bitWidth
//	ceil(numValues*bitWidth/8) packed bytes, values placed LSB-first
type bitPackingCodec struct{}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func bitWidthFor(values []int64) int {
	var maxV uint64
	for _, v := range values {
		zz := zigzagEncode(v)
		if zz > maxV {
			maxV = zz
		}
	}
	w := bits.Len64(maxV)
	if w == 0 {
		w = 1
	}
	return w
}

func (bitPackingCodec) encode(values []int64) ([]byte, error) {
	width := bitWidthFor(values)
	totalBits := width * len(values)
	packed := make([]byte, (totalBits+7)/8)

	var bitPos int
	for _, v := range values {
		zz := zigzagEncode(v)
		writeBits(packed, bitPos, width, zz)
		bitPos += width
	}

	buf := make([]byte, 0, 4+1+len(packed))
	buf = appendUint32(buf, uint32(len(values)))
	buf = append(buf, byte(width))
	buf = append(buf, packed...)
	return buf, nil
}

func (bitPackingCodec) decode(block []byte) ([]int64, error) {
	if len(block) < 5 {
		return nil, errs.InvalidFormat.New("bitpacking block too short")
	}
	numValues := binary.LittleEndian.Uint32(block)
	width := int(block[4])
	packed := block[5:]

	if width == 0 {
		out := make([]int64, numValues)
		return out, nil
	}

	requiredBits := width * int(numValues)
	if (requiredBits+7)/8 > len(packed) {
		return nil, errs.InvalidFormat.New("bitpacking block truncated")
	}

	out := make([]int64, numValues)
	bitPos := 0
	for i := range out {
		zz := readBits(packed, bitPos, width)
		out[i] = zigzagDecode(zz)
		bitPos += width
	}
	return out, nil
}

func (bitPackingCodec) estimateRatio(values []int64) float64 {
	if len(values) == 0 {
		return 1.0
	}
	width := bitWidthFor(values)
	totalBits := width * len(values)
	bytes := 5 + (totalBits+7)/8
	return float64(bytes) / float64(len(values)*8)
}

// writeBits writes the low `width` bits of v into dst starting at bit
// offset pos, LSB-first.
func writeBits(dst []byte, pos, width int, v uint64) {
	for i := 0; i < width; i++ {
		if v&(1<<uint(i)) != 0 {
			bitIdx := pos + i
			dst[bitIdx/8] |= 1 << uint(bitIdx%8)
		}
	}
}

func readBits(src []byte, pos, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		bitIdx := pos + i
		if src[bitIdx/8]&(1<<uint(bitIdx%8)) != 0 {
			v |= 1 << uint(i)
		}
	}
	return v
}
