package spatial

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRTreeSearchFindsInsertedPoints(t *testing.T) {
	tree := NewRTree(4)
	for i := 0; i < 200; i++ {
		x := float64(i % 20)
		y := float64(i / 20)
		tree.Insert(uint64(i), Box{x, y, x, y})
	}

	ids := tree.Search(Box{0, 0, 5, 5})
	require.NotEmpty(t, ids)
	for _, id := range ids {
		x := float64(id % 20)
		y := float64(id / 20)
		require.True(t, Box{0, 0, 5, 5}.ContainsPoint(x, y))
	}
}

// TestRTreeSplitPropagatesToRoot verifies the R-tree grows a new root when
// enough insertions force repeated splits up to the top of the tree.
func TestRTreeSplitPropagatesToRoot(t *testing.T) {
	tree := NewRTree(4)
	n := 500
	for i := 0; i < n; i++ {
		x := float64(i)
		tree.Insert(uint64(i), Box{x, x, x, x})
	}

	for i := 0; i < n; i++ {
		x := float64(i)
		ids := tree.Search(Box{x, x, x, x})
		require.Contains(t, ids, uint64(i))
	}
}

func TestRTreeDeleteRemovesEntry(t *testing.T) {
	tree := NewRTree(4)
	tree.Insert(1, Box{0, 0, 1, 1})
	tree.Insert(2, Box{5, 5, 6, 6})

	require.NoError(t, tree.Delete(1, Box{0, 0, 1, 1}))
	ids := tree.Search(Box{0, 0, 1, 1})
	require.NotContains(t, ids, uint64(1))

	err := tree.Delete(99, Box{0, 0, 1, 1})
	require.Error(t, err)
}

// TestRTreeBulkLoadFindsEveryEntry verifies a Hilbert-packed bulk load
// covers every inserted entry, same as incremental Insert.
func TestRTreeBulkLoadFindsEveryEntry(t *testing.T) {
	tree := NewRTree(4)
	entries := make([]Entry, 0, 300)
	for i := 0; i < 300; i++ {
		x := float64(i % 30)
		y := float64(i / 30)
		entries = append(entries, Entry{ID: uint64(i), Box: Box{x, y, x, y}})
	}
	tree.BulkLoad(entries)

	for i := 0; i < 300; i++ {
		x := float64(i % 30)
		y := float64(i / 30)
		ids := tree.Search(Box{x, y, x, y})
		require.Contains(t, ids, uint64(i))
	}
}

// TestRTreeBulkLoadGroupsNearbyEntries verifies the Hilbert sort gives
// spatially close entries a much better chance of sharing a leaf than the
// input order would, the whole point of bulk loading over repeated Insert.
func TestRTreeBulkLoadGroupsNearbyEntries(t *testing.T) {
	tree := NewRTree(8)
	var entries []Entry
	for i := 0; i < 64; i++ {
		x := float64(i % 8)
		y := float64(i / 8)
		entries = append(entries, Entry{ID: uint64(i), Box: Box{x, y, x, y}})
	}
	tree.BulkLoad(entries)
	require.False(t, tree.root.leaf)

	ids := tree.Search(Box{0, 0, 1, 1})
	require.GreaterOrEqual(t, len(ids), 4)

	origin, _ := tree.findLeaf(tree.root, 0, Box{0, 0, 0, 0})
	require.NotNil(t, origin)
	for _, id := range []uint64{1, 8, 9} {
		x, y := float64(id%8), float64(id/8)
		leaf, _ := tree.findLeaf(tree.root, id, Box{x, y, x, y})
		require.True(t, leaf == origin, "entry %d not in the origin's leaf", id)
	}
}

func TestRTreeBulkLoadEmptyResetsTree(t *testing.T) {
	tree := NewRTree(4)
	tree.Insert(1, Box{0, 0, 1, 1})
	tree.BulkLoad(nil)
	require.Empty(t, tree.Search(Box{0, 0, 1, 1}))
}

func TestQuadtreeSearchFindsInsertedPoints(t *testing.T) {
	qt := NewQuadtree(Box{0, 0, 100, 100}, 4, 6)
	for i := 0; i < 300; i++ {
		x := float64(i % 100)
		y := float64((i * 7) % 100)
		qt.Insert(uint64(i), Box{x, y, x, y})
	}
	ids := qt.Search(Box{0, 0, 10, 10})
	for _, id := range ids {
		x := float64(id % 100)
		y := float64((id * 7) % 100)
		require.True(t, Box{0, 0, 10, 10}.ContainsPoint(x, y))
	}
}

func TestGridSearchFindsInsertedPoints(t *testing.T) {
	g := NewGrid(Box{0, 0, 100, 100}, 10, 10)
	for i := 0; i < 300; i++ {
		x := float64(i % 100)
		y := float64((i * 3) % 100)
		g.Insert(uint64(i), Box{x, y, x, y})
	}
	ids := g.Search(Box{20, 20, 30, 30})
	for _, id := range ids {
		x := float64(id % 100)
		y := float64((id * 3) % 100)
		require.True(t, Box{20, 20, 30, 30}.ContainsPoint(x, y))
	}
}

// TestHilbertRoundTrip verifies scenario S3: every grid coordinate maps to
// a distinct Hilbert distance and back to itself.
func TestHilbertRoundTrip(t *testing.T) {
	const order = 4
	seen := make(map[uint64]bool)
	n := HilbertOrder(order)
	for x := uint64(0); x < n; x++ {
		for y := uint64(0); y < n; y++ {
			d := HilbertDistance(order, x, y)
			require.False(t, seen[d], "duplicate hilbert distance for (%d,%d)", x, y)
			seen[d] = true

			rx, ry := HilbertPoint(order, d)
			require.Equal(t, x, rx)
			require.Equal(t, y, ry)
		}
	}
}

// TestKNNFindsNearestPoints verifies scenario S4: k-NN returns the closest
// points to a query, not an arbitrary subset within the first search box.
func TestKNNFindsNearestPoints(t *testing.T) {
	store := NewStore(NewRTree(8), RTreeKind)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		x := rng.Float64() * 1000
		y := rng.Float64() * 1000
		_, err := store.Insert(Point{X: x, Y: y})
		require.NoError(t, err)
	}
	// A known-nearest point at the query location.
	nearID, err := store.Insert(Point{X: 500, Y: 500})
	require.NoError(t, err)

	results := KNN(store, 500, 500, 5)
	require.Len(t, results, 5)
	require.Equal(t, nearID, results[0])
}

func TestKNNHandlesFewerThanK(t *testing.T) {
	store := NewStore(NewRTree(8), RTreeKind)
	_, _ = store.Insert(Point{X: 1, Y: 1})
	_, _ = store.Insert(Point{X: 2, Y: 2})

	results := KNN(store, 0, 0, 10)
	require.Len(t, results, 2)
}

func TestIndexStatsReportEntryCounts(t *testing.T) {
	tree := NewRTree(4)
	for i := 0; i < 20; i++ {
		tree.Insert(uint64(i), Box{float64(i), float64(i), float64(i), float64(i)})
	}
	rs := tree.Stats()
	require.Equal(t, 20, rs.EntryCount)
	require.Greater(t, rs.MaxDepth, 1)

	qt := NewQuadtree(Box{0, 0, 100, 100}, 4, 6)
	for i := 0; i < 20; i++ {
		x := float64(i)
		qt.Insert(uint64(i), Box{x, x, x, x})
	}
	qs := qt.Stats()
	require.Equal(t, 20, qs.EntryCount)

	g := NewGrid(Box{0, 0, 100, 100}, 10, 10)
	for i := 0; i < 20; i++ {
		x := float64(i)
		g.Insert(uint64(i), Box{x, x, x, x})
	}
	gs := g.Stats()
	require.Equal(t, 20, gs.EntryCount)
	require.Equal(t, 1, gs.MaxDepth)
}

func TestGeometryValidation(t *testing.T) {
	require.NoError(t, Point{X: 1, Y: 2}.Validate())
	require.Error(t, Point{X: 1, Y: 1.0 / zero()}.Validate())

	ring := []Point{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}}
	require.NoError(t, Polygon{Ring: ring}.Validate())
	require.Error(t, Polygon{Ring: ring[:3]}.Validate())
}

func zero() float64 { return 0 }

// TestConfigBuildsConfiguredIndexes verifies each NewXFromConfig helper
// actually threads the configured knob into the built index.
func TestConfigBuildsConfiguredIndexes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RTreeMaxEntries = 6
	tree := cfg.NewRTreeFromConfig()
	require.Equal(t, 6, tree.maxEntries)

	cfg.GridCols, cfg.GridRows = 5, 5
	g := cfg.NewGridFromConfig(Box{0, 0, 100, 100})
	require.Equal(t, 5, g.cols)
	require.Equal(t, 5, g.rows)

	cfg.QuadtreeCapacity, cfg.QuadtreeMaxDepth = 3, 4
	qt := cfg.NewQuadtreeFromConfig(Box{0, 0, 100, 100})
	require.Equal(t, 3, qt.capacity)
	require.Equal(t, 4, qt.maxDepth)
}
