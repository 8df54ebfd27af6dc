package compression

// CompressAuto picks the algorithm estimated to yield the smallest encoding
// for values and compresses with it. Dictionary encoding that would exceed
// its distinct-value ceiling is excluded from consideration up front rather
// than attempted and discarded, since estimateRatio already knows the
// distinct count.
func (c *Compressor) CompressAuto(values []int64) ([]byte, Algorithm, error) {
	best := BitPacking
	bestRatio := ratioOrFallback(c, values, BitPacking)

	candidates := []Algorithm{RunLength, Delta, FrameOfReference}
	if distinctCount(values) <= maxDictionarySize {
		candidates = append(candidates, Dictionary)
	}

	for _, a := range candidates {
		r := ratioOrFallback(c, values, a)
		if r < bestRatio {
			bestRatio = r
			best = a
		}
	}

	block, err := c.Compress(values, best)
	if err != nil {
		// A selection based on estimateRatio should never fail to encode;
		// bit-packing has no overflow condition and is always safe.
		block, err = c.Compress(values, BitPacking)
		best = BitPacking
	}
	return block, best, err
}

func ratioOrFallback(c *Compressor, values []int64, a Algorithm) float64 {
	codec, err := codecFor(a)
	if err != nil {
		return 1.0
	}
	return codec.estimateRatio(values)
}

func distinctCount(values []int64) int {
	seen := make(map[int64]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}
