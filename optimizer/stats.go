package optimizer

import (
	"sort"
	"sync"
)

// ColumnStats holds per-column statistics used by cardinality estimation.
type ColumnStats struct {
	NumDistinct uint64
	NumNulls    uint64
	Min         float64
	Max         float64
	Histogram   *Histogram
}

// IndexStats describes an available index on a table.
type IndexStats struct {
	Name       string
	Columns    []string
	Unique     bool
	Height     int
	LeafPages  int
	PageCount  int
}

// TableStats holds the full statistics entry for one table.
type TableStats struct {
	RowCount  uint64
	PageCount uint64
	Columns   map[string]*ColumnStats
	Indexes   map[string]*IndexStats
}

// NewTableStats builds an empty TableStats with initialized maps.
func NewTableStats(rowCount, pageCount uint64) *TableStats {
	return &TableStats{
		RowCount:  rowCount,
		PageCount: pageCount,
		Columns:   make(map[string]*ColumnStats),
		Indexes:   make(map[string]*IndexStats),
	}
}

// JointHistogram holds a multi-dimensional histogram over a declared pair of
// correlated columns, resolving the source's unpopulated multi-dimensional
// histogram design placeholder.
type JointHistogram struct {
	ColA, ColB string
	Buckets    []JointBucket
	TotalCount uint64
}

// JointBucket is one cell of a joint two-column histogram.
type JointBucket struct {
	LowA, HighA float64
	LowB, HighB float64
	Count       uint64
}

// EstimateJoinSelectivity returns the fraction of the cross product of the
// two columns' domains that this joint histogram's buckets cover, used in
// place of the independence assumption when a joint histogram is available.
func (j *JointHistogram) EstimateJoinSelectivity() float64 {
	if j == nil || j.TotalCount == 0 {
		return 0.01
	}
	var covered uint64
	for _, b := range j.Buckets {
		covered += b.Count
	}
	return float64(covered) / float64(j.TotalCount)
}

// Catalog is the statistics catalog shared read-only by the optimizer during
// a single Optimize call; it is single-writer (DDL), many-reader (compile).
type Catalog struct {
	mu      sync.RWMutex
	tables  map[string]*TableStats
	joints  map[string]*JointHistogram // keyed by "colA\x00colB", colA<colB
}

// NewCatalog builds an empty statistics catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tables: make(map[string]*TableStats),
		joints: make(map[string]*JointHistogram),
	}
}

// UpdateStatistics replaces the stored statistics entry for table, the
// optimizer's update_statistics operation. It takes the catalog's
// single-writer lock for the duration of the update.
func (c *Catalog) UpdateStatistics(table string, stats *TableStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[table] = stats
}

// RegisterJointHistogram registers a joint histogram for a correlated column
// pair, used to improve join selectivity estimates for that pair.
func (c *Catalog) RegisterJointHistogram(colA, colB string, h *JointHistogram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joints[jointKey(colA, colB)] = h
}

func jointKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// Table returns the statistics for table, or (nil, false) if unknown.
func (c *Catalog) Table(table string) (*TableStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[table]
	return t, ok
}

// JointHistogramFor returns the joint histogram registered for the
// (unordered) column pair, if any.
func (c *Catalog) JointHistogramFor(colA, colB string) (*JointHistogram, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.joints[jointKey(colA, colB)]
	return h, ok
}

// HistogramType enumerates the supported histogram shapes.
type HistogramType int

const (
	EquiWidth HistogramType = iota
	EquiDepth
	Hybrid
	MultiDim
)

// HistogramBucket is one non-overlapping bucket of a Histogram, ordered by
// LowerBound ascending across the Histogram's Buckets slice.
type HistogramBucket struct {
	LowerBound  float64
	UpperBound  float64
	Count       uint64
	NumDistinct uint64
}

// Histogram is an ordered sequence of buckets covering a column's value
// domain, used for equality/range/LIKE/IN selectivity estimation.
type Histogram struct {
	Buckets       []HistogramBucket
	HistogramType HistogramType
	TotalCount    uint64
}

// NewHistogram builds a Histogram from buckets already sorted ascending by
// LowerBound; the caller is responsible for the non-overlap invariant.
func NewHistogram(buckets []HistogramBucket, kind HistogramType) *Histogram {
	var total uint64
	for _, b := range buckets {
		total += b.Count
	}
	return &Histogram{Buckets: buckets, HistogramType: kind, TotalCount: total}
}

// findBucket returns the index of the bucket containing v via binary search,
// clamping to the nearest bucket when v falls outside every bucket's range.
func (h *Histogram) findBucket(v float64) int {
	if len(h.Buckets) == 0 {
		return -1
	}
	idx := sort.Search(len(h.Buckets), func(i int) bool {
		return h.Buckets[i].LowerBound > v
	})
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// EstimateEqualitySelectivity implements §4.A's equality estimate: a binary
// search for the bucket containing v, then
// bucket.count / bucket.num_distinct / total_count.
func (h *Histogram) EstimateEqualitySelectivity(v float64) float64 {
	if h == nil || len(h.Buckets) == 0 || h.TotalCount == 0 {
		return 0.01
	}
	idx := h.findBucket(v)
	if idx < 0 {
		return 1.0 / float64(h.TotalCount)
	}
	b := h.Buckets[idx]
	if v < b.LowerBound || v > b.UpperBound {
		return 1.0 / float64(h.TotalCount)
	}
	nd := b.NumDistinct
	if nd == 0 {
		nd = 1
	}
	return float64(b.Count) / float64(nd) / float64(h.TotalCount)
}

// EstimateRangeSelectivity implements §4.A's range estimate: sum of buckets
// fully in range plus half-counts for partial buckets at the endpoints.
func (h *Histogram) EstimateRangeSelectivity(low, high float64) float64 {
	if h == nil || len(h.Buckets) == 0 || h.TotalCount == 0 {
		return 0.33
	}
	var total float64
	for _, b := range h.Buckets {
		if b.UpperBound < low || b.LowerBound > high {
			continue
		}
		if b.LowerBound >= low && b.UpperBound <= high {
			total += float64(b.Count)
		} else {
			total += float64(b.Count) / 2
		}
	}
	return total / float64(h.TotalCount)
}

// EstimateLikeSelectivity implements §4.A's LIKE heuristics.
func EstimateLikeSelectivity(pattern string) float64 {
	hasPrefixWild := len(pattern) > 0 && pattern[0] == '%'
	hasSuffixWild := len(pattern) > 0 && pattern[len(pattern)-1] == '%'
	switch {
	case hasPrefixWild && hasSuffixWild:
		return 0.01
	case hasPrefixWild || hasSuffixWild:
		return 0.05
	default:
		return 0.1
	}
}

// EstimateInSelectivity implements §4.A's IN-list estimate: sum of per-value
// equality selectivities, capped at 1.
func (h *Histogram) EstimateInSelectivity(values []float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	var total float64
	for _, v := range values {
		total += h.EstimateEqualitySelectivity(v)
	}
	if total > 1.0 {
		total = 1.0
	}
	return total
}
