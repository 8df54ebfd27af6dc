package compression

import (
	"encoding/binary"

	"github.com/coredbio/coredb/errs"
)

// deltaCodec stores the first value verbatim and every subsequent value as
// a fixed-width signed delta from its predecessor, effective when a column
// is monotonic or slowly varying. Layout (little-endian):
//
//	uint64 base          (absent if the block is empty)
//	(count-1) * int64 delta
//
// count is not stored explicitly; it is derived from the block length.
type deltaCodec struct{}

func (deltaCodec) encode(values []int64) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	buf := make([]byte, 0, 8+(len(values)-1)*8)
	buf = appendUint64(buf, uint64(values[0]))
	for i := 1; i < len(values); i++ {
		buf = appendUint64(buf, uint64(values[i]-values[i-1]))
	}
	return buf, nil
}

func (deltaCodec) decode(block []byte) ([]int64, error) {
	if len(block) == 0 {
		return make([]int64, 0), nil
	}
	if len(block) < 8 {
		return nil, errs.InvalidFormat.New("delta block missing base value")
	}
	if (len(block)-8)%8 != 0 {
		return nil, errs.InvalidFormat.New("delta block misaligned")
	}
	count := 1 + (len(block)-8)/8
	out := make([]int64, count)
	out[0] = int64(binary.LittleEndian.Uint64(block))
	off := 8
	for i := 1; i < count; i++ {
		delta := int64(binary.LittleEndian.Uint64(block[off:]))
		off += 8
		out[i] = out[i-1] + delta
	}
	return out, nil
}

func (deltaCodec) estimateRatio(values []int64) float64 {
	if len(values) == 0 {
		return 1.0
	}
	bytes := 8 * len(values)
	return float64(bytes) / float64(len(values)*8)
}
