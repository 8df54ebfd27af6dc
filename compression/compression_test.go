package compression

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, algo Algorithm, values []int64) {
	t.Helper()
	c := NewCompressor()
	block, err := c.Compress(values, algo)
	require.NoError(t, err)

	decoded, err := c.Decompress(block)
	require.NoError(t, err)
	require.Equal(t, values, decoded)
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	datasets := map[string][]int64{
		"empty":       {},
		"single":      {42},
		"constant":    {7, 7, 7, 7, 7, 7, 7, 7},
		"ascending":   {1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		"negative":    {-100, -50, -50, 0, 50, 100, 100, 100},
		"low_cardinality": {1, 1, 1, 2, 2, 3, 1, 1, 2, 3, 3, 3},
		"random_ish":  {8, 3, 900, -12, 44, 44, 0, 7, -900, 5},
	}

	for name, values := range datasets {
		values := values
		for _, algo := range []Algorithm{Dictionary, RunLength, BitPacking, Delta, FrameOfReference} {
			t.Run(name+"_"+algo.String(), func(t *testing.T) {
				roundTrip(t, algo, values)
			})
		}
	}
}

// TestDictionaryEncodingLowCardinality verifies scenario S2: a column with
// few distinct values compresses far below its raw byte size under
// dictionary encoding.
func TestDictionaryEncodingLowCardinality(t *testing.T) {
	values := make([]int64, 0, 10000)
	for i := 0; i < 10000; i++ {
		values = append(values, int64(i%4))
	}
	c := NewCompressor()
	block, err := c.Compress(values, Dictionary)
	require.NoError(t, err)
	require.Less(t, len(block), len(values)*8/4)
}

func TestDictionaryOverflowFallsBackToBitPacking(t *testing.T) {
	values := make([]int64, maxDictionarySize+10)
	for i := range values {
		values[i] = int64(i)
	}
	c := NewCompressor()
	block, algo, err := c.CompressAuto(values)
	require.NoError(t, err)
	require.NotEqual(t, Dictionary, algo)

	decoded, err := c.Decompress(block)
	require.NoError(t, err)
	require.Equal(t, values, decoded)
}

func TestCompressAutoPicksSmallestEncoding(t *testing.T) {
	c := NewCompressor()
	constant := make([]int64, 1000)
	for i := range constant {
		constant[i] = 5
	}
	_, algo, err := c.CompressAuto(constant)
	require.NoError(t, err)
	require.Equal(t, RunLength, algo)
}

func TestDecompressRejectsUnknownMagic(t *testing.T) {
	c := NewCompressor()
	_, err := c.Decompress([]byte{0xFF, 0x00})
	require.Error(t, err)
}

func TestDecompressRejectsEmptyBlock(t *testing.T) {
	c := NewCompressor()
	_, err := c.Decompress(nil)
	require.Error(t, err)
}

func TestEstimateRatiosCoversAllAlgorithms(t *testing.T) {
	c := NewCompressor()
	ratios := c.EstimateRatios([]int64{1, 2, 3, 4, 5})
	require.Len(t, ratios, 5)
}
