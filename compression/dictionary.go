package compression

import (
	"encoding/binary"

	"github.com/coredbio/coredb/errs"
)

// maxDictionarySize bounds the distinct-value count a dictionary block will
// encode; a column exceeding it is better served by bit-packing, so encode
// reports the overflow as an error rather than silently widening codes.
const maxDictionarySize = 1 << 16

// dictionaryCodec maps each distinct value to a small integer code and
// stores the code stream plus the code->value table. Layout (little-endian):
//
//	uint32 dictSize
//	dictSize * uint64 dictionary values, in first-seen order
//	uint8  bitsPerIndex (8, 16, or 32)
//	indices packed at bitsPerIndex bits each, one per value; the value count
//	is implicit in the remaining block length
type dictionaryCodec struct{}

func (dictionaryCodec) encode(values []int64) ([]byte, error) {
	index := make(map[int64]uint32)
	dict := make([]int64, 0, 256)
	codes := make([]uint32, len(values))

	for i, v := range values {
		code, ok := index[v]
		if !ok {
			if len(dict) >= maxDictionarySize {
				return nil, errs.ResourceExhausted.New("dictionary size exceeds maximum distinct values")
			}
			code = uint32(len(dict))
			index[v] = code
			dict = append(dict, v)
		}
		codes[i] = code
	}

	bitsPerIndex := bitsPerIndexFor(len(dict))
	byteWidth := bitsPerIndex / 8

	buf := make([]byte, 0, 4+len(dict)*8+1+len(codes)*byteWidth)
	buf = appendUint32(buf, uint32(len(dict)))
	for _, v := range dict {
		buf = appendUint64(buf, uint64(v))
	}
	buf = append(buf, byte(bitsPerIndex))
	for _, c := range codes {
		buf = appendIndex(buf, c, byteWidth)
	}
	return buf, nil
}

func (dictionaryCodec) decode(block []byte) ([]int64, error) {
	if len(block) < 4 {
		return nil, errs.InvalidFormat.New("dictionary block too short")
	}
	dictSize := binary.LittleEndian.Uint32(block)
	off := 4
	dict := make([]int64, dictSize)
	for i := range dict {
		if off+8 > len(block) {
			return nil, errs.InvalidFormat.New("dictionary block truncated")
		}
		dict[i] = int64(binary.LittleEndian.Uint64(block[off:]))
		off += 8
	}
	if off+1 > len(block) {
		return nil, errs.InvalidFormat.New("dictionary block missing bits-per-index")
	}
	bitsPerIndex := int(block[off])
	off++
	byteWidth := bitsPerIndex / 8
	if byteWidth != 1 && byteWidth != 2 && byteWidth != 4 {
		return nil, errs.InvalidFormat.New("dictionary block has invalid bits-per-index")
	}

	rest := block[off:]
	if len(rest)%byteWidth != 0 {
		return nil, errs.InvalidFormat.New("dictionary block index stream misaligned")
	}
	numValues := len(rest) / byteWidth
	out := make([]int64, numValues)
	for i := range out {
		code := readIndex(rest[i*byteWidth:], byteWidth)
		if int(code) >= len(dict) {
			return nil, errs.InvalidFormat.New("dictionary code out of range")
		}
		out[i] = dict[code]
	}
	return out, nil
}

func (dictionaryCodec) estimateRatio(values []int64) float64 {
	if len(values) == 0 {
		return 1.0
	}
	distinct := make(map[int64]struct{})
	for _, v := range values {
		distinct[v] = struct{}{}
	}
	byteWidth := bitsPerIndexFor(len(distinct)) / 8
	bytes := 4 + len(distinct)*8 + 1 + len(values)*byteWidth
	return float64(bytes) / float64(len(values)*8)
}

// bitsPerIndexFor returns the smallest of 8, 16, 32 bits that can index
// numDistinct dictionary entries.
func bitsPerIndexFor(numDistinct int) int {
	switch {
	case numDistinct <= 1<<8:
		return 8
	case numDistinct <= 1<<16:
		return 16
	default:
		return 32
	}
}

func appendIndex(buf []byte, code uint32, byteWidth int) []byte {
	switch byteWidth {
	case 1:
		return append(buf, byte(code))
	case 2:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(code))
		return append(buf, b...)
	default:
		return appendUint32(buf, code)
	}
}

func readIndex(block []byte, byteWidth int) uint32 {
	switch byteWidth {
	case 1:
		return uint32(block[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(block))
	default:
		return binary.LittleEndian.Uint32(block)
	}
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return append(buf, b...)
}
