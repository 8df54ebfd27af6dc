package compression

import (
	"encoding/binary"

	"github.com/coredbio/coredb/errs"
)

// forFrameSize is the default number of values per frame.
const forFrameSize = 128

// frameOfReferenceCodec partitions the column into fixed-size frames and
// stores each frame's minimum once, with every value's non-negative offset
// from it, effective for a column whose values cluster within a narrow
// range per frame regardless of their absolute magnitude. Layout
// (little-endian), repeated per frame until the end of the block:
//
//	uint32 frameSize
//	uint64 reference (frame minimum)
//	frameSize * uint64 offset (value - reference)
type frameOfReferenceCodec struct{}

func (frameOfReferenceCodec) encode(values []int64) ([]byte, error) {
	var buf []byte
	for start := 0; start < len(values); start += forFrameSize {
		end := start + forFrameSize
		if end > len(values) {
			end = len(values)
		}
		frame := values[start:end]

		ref := frame[0]
		for _, v := range frame[1:] {
			if v < ref {
				ref = v
			}
		}

		buf = appendUint32(buf, uint32(len(frame)))
		buf = appendUint64(buf, uint64(ref))
		for _, v := range frame {
			buf = appendUint64(buf, uint64(v-ref))
		}
	}
	return buf, nil
}

func (frameOfReferenceCodec) decode(block []byte) ([]int64, error) {
	out := make([]int64, 0)
	off := 0
	for off < len(block) {
		if off+12 > len(block) {
			return nil, errs.InvalidFormat.New("frame-of-reference frame header truncated")
		}
		frameSize := binary.LittleEndian.Uint32(block[off:])
		off += 4
		ref := int64(binary.LittleEndian.Uint64(block[off:]))
		off += 8

		if off+int(frameSize)*8 > len(block) {
			return nil, errs.InvalidFormat.New("frame-of-reference frame body truncated")
		}
		for i := uint32(0); i < frameSize; i++ {
			offset := binary.LittleEndian.Uint64(block[off:])
			off += 8
			out = append(out, ref+int64(offset))
		}
	}
	return out, nil
}

func (frameOfReferenceCodec) estimateRatio(values []int64) float64 {
	if len(values) == 0 {
		return 1.0
	}
	numFrames := (len(values) + forFrameSize - 1) / forFrameSize
	bytes := numFrames*12 + len(values)*8
	return float64(bytes) / float64(len(values)*8)
}
