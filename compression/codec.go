// Package compression implements the columnar block codecs: dictionary,
// run-length, bit-packing, delta, and frame-of-reference encoding over
// fixed-width integer columns, plus automatic algorithm selection.
package compression

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coredbio/coredb/errs"
)

// Algorithm is a closed tagged variant naming one of the five supported
// block codecs.
type Algorithm uint8

const (
	Dictionary Algorithm = iota
	RunLength
	BitPacking
	Delta
	FrameOfReference
)

func (a Algorithm) String() string {
	switch a {
	case Dictionary:
		return "dictionary"
	case RunLength:
		return "rle"
	case BitPacking:
		return "bitpacking"
	case Delta:
		return "delta"
	case FrameOfReference:
		return "frameofreference"
	default:
		return "unknown"
	}
}

// magic byte values prefixing every encoded block, used by Decompress to
// dispatch without an out-of-band algorithm tag.
const (
	magicDictionary uint8 = 0xD1
	magicRLE        uint8 = 0xD2
	magicBitPacking uint8 = 0xD3
	magicDelta      uint8 = 0xD4
	magicFOR        uint8 = 0xD5
)

func magicFor(a Algorithm) uint8 {
	switch a {
	case Dictionary:
		return magicDictionary
	case RunLength:
		return magicRLE
	case BitPacking:
		return magicBitPacking
	case Delta:
		return magicDelta
	case FrameOfReference:
		return magicFOR
	default:
		return 0
	}
}

func algorithmForMagic(m uint8) (Algorithm, bool) {
	switch m {
	case magicDictionary:
		return Dictionary, true
	case magicRLE:
		return RunLength, true
	case magicBitPacking:
		return BitPacking, true
	case magicDelta:
		return Delta, true
	case magicFOR:
		return FrameOfReference, true
	default:
		return 0, false
	}
}

// blockCodec is the internal interface each algorithm implements; it is not
// exported because the set of algorithms is closed — callers select by
// Algorithm value through Compressor, not by implementing new codecs.
type blockCodec interface {
	encode(values []int64) ([]byte, error)
	decode(block []byte) ([]int64, error)
	// estimateRatio returns the predicted compressed/raw byte ratio without
	// performing a full encode, used by automatic selection.
	estimateRatio(values []int64) float64
}

func codecFor(a Algorithm) (blockCodec, error) {
	switch a {
	case Dictionary:
		return dictionaryCodec{}, nil
	case RunLength:
		return rleCodec{}, nil
	case BitPacking:
		return bitPackingCodec{}, nil
	case Delta:
		return deltaCodec{}, nil
	case FrameOfReference:
		return frameOfReferenceCodec{}, nil
	default:
		return nil, errs.UnsupportedFormat.New("algorithm")
	}
}

// Compressor ties algorithm selection, encode/decode, and metrics together
// behind one entry point.
type Compressor struct {
	metrics *compressorMetrics
}

type compressorMetrics struct {
	ratio     *prometheus.HistogramVec
	selection *prometheus.CounterVec
}

func newCompressorMetrics() *compressorMetrics {
	return &compressorMetrics{
		ratio: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coredb",
			Subsystem: "compression",
			Name:      "ratio",
			Help:      "Achieved compressed/raw byte ratio per algorithm.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}, []string{"algorithm"}),
		selection: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coredb",
			Subsystem: "compression",
			Name:      "algorithm_selected_total",
			Help:      "Count of blocks compressed with each algorithm.",
		}, []string{"algorithm"}),
	}
}

// NewCompressor builds a Compressor with its metrics unregistered; call
// Register to attach them to a Prometheus registry.
func NewCompressor() *Compressor {
	return &Compressor{metrics: newCompressorMetrics()}
}

// Register attaches the Compressor's collectors to reg.
func (c *Compressor) Register(reg prometheus.Registerer) error {
	if err := reg.Register(c.metrics.ratio); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	if err := reg.Register(c.metrics.selection); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// Compress encodes values with algo and records its achieved ratio.
func (c *Compressor) Compress(values []int64, algo Algorithm) ([]byte, error) {
	codec, err := codecFor(algo)
	if err != nil {
		return nil, err
	}
	encoded, err := codec.encode(values)
	if err != nil {
		return nil, errors.Wrapf(err, "compression: encode with %s", algo)
	}
	out := make([]byte, 0, len(encoded)+1)
	out = append(out, magicFor(algo))
	out = append(out, encoded...)

	if len(values) > 0 {
		raw := float64(len(values) * 8)
		c.metrics.ratio.WithLabelValues(algo.String()).Observe(float64(len(out)) / raw)
	}
	c.metrics.selection.WithLabelValues(algo.String()).Inc()
	return out, nil
}

// Decompress reads the leading magic byte to dispatch to the right codec.
func (c *Compressor) Decompress(block []byte) ([]int64, error) {
	if len(block) == 0 {
		return nil, errs.InvalidFormat.New("empty block")
	}
	algo, ok := algorithmForMagic(block[0])
	if !ok {
		return nil, errs.UnsupportedFormat.New("unknown magic byte")
	}
	codec, err := codecFor(algo)
	if err != nil {
		return nil, err
	}
	values, err := codec.decode(block[1:])
	if err != nil {
		return nil, errors.Wrapf(err, "compression: decode with %s", algo)
	}
	return values, nil
}

// EstimateRatios returns the predicted compressed/raw ratio for every
// algorithm without encoding, used by CompressAuto's selection pass and
// exposed for callers building their own selection policy.
func (c *Compressor) EstimateRatios(values []int64) map[Algorithm]float64 {
	out := make(map[Algorithm]float64, 5)
	for _, a := range []Algorithm{Dictionary, RunLength, BitPacking, Delta, FrameOfReference} {
		codec, _ := codecFor(a)
		out[a] = codec.estimateRatio(values)
	}
	return out
}
