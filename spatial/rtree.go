package spatial

import (
	"sort"

	"github.com/coredbio/coredb/errs"
)

// bulkLoadHilbertOrder is the Hilbert curve order bulk loading quantizes
// entry centers to before sorting.
const bulkLoadHilbertOrder = 16

// Entry is one (id, bounding box) pair fed to BulkLoad.
type Entry struct {
	ID  uint64
	Box Box
}

// rtreeEntry is either an internal entry pointing at a child node or a leaf
// entry naming a geometry id, discriminated by child being non-nil.
type rtreeEntry struct {
	box   Box
	child *rtreeNode
	id    uint64
}

type rtreeNode struct {
	entries []rtreeEntry
	leaf    bool
	parent  *rtreeNode
}

func (n *rtreeNode) boundingBox() Box {
	var boxes []Box
	for _, e := range n.entries {
		boxes = append(boxes, e.box)
	}
	return unionAll(boxes)
}

// RTree is a Guttman-style R-tree with quadratic-cost splitting. A split
// that overflows the root always produces a new root, so the tree's height
// grows from the top rather than leaving an over-full node in place — the
// split always fully propagates, unlike a partial-propagation variant that
// stops at the first node it can absorb into.
type RTree struct {
	root       *rtreeNode
	maxEntries int
	minEntries int
}

// NewRTree builds an empty R-tree. maxEntries bounds node fanout; entries
// below 4 are raised to 4 since Guttman's split needs at least two entries
// per resulting group.
func NewRTree(maxEntries int) *RTree {
	if maxEntries < 4 {
		maxEntries = 4
	}
	return &RTree{
		root:       &rtreeNode{leaf: true},
		maxEntries: maxEntries,
		minEntries: maxEntries / 2,
	}
}

// Insert adds id with bounding box box to the tree.
func (t *RTree) Insert(id uint64, box Box) {
	leaf := t.chooseLeaf(t.root, box)
	leaf.entries = append(leaf.entries, rtreeEntry{box: box, id: id})
	t.adjustTree(leaf)
}

func (t *RTree) chooseLeaf(n *rtreeNode, box Box) *rtreeNode {
	if n.leaf {
		return n
	}
	bestIdx := 0
	bestEnlargement := enlargement(n.entries[0].box, box)
	for i, e := range n.entries[1:] {
		enl := enlargement(e.box, box)
		if enl < bestEnlargement || (enl == bestEnlargement && e.box.Area() < n.entries[bestIdx].box.Area()) {
			bestEnlargement = enl
			bestIdx = i + 1
		}
	}
	return t.chooseLeaf(n.entries[bestIdx].child, box)
}

func enlargement(existing, added Box) float64 {
	return existing.Union(added).Area() - existing.Area()
}

func (t *RTree) adjustTree(n *rtreeNode) {
	if len(n.entries) <= t.maxEntries {
		t.updateBoxUpward(n)
		return
	}

	n1, n2 := t.splitNode(n)

	if n.parent == nil {
		newRoot := &rtreeNode{leaf: false}
		n1.parent = newRoot
		n2.parent = newRoot
		newRoot.entries = []rtreeEntry{
			{box: n1.boundingBox(), child: n1},
			{box: n2.boundingBox(), child: n2},
		}
		t.root = newRoot
		return
	}

	parent := n.parent
	for i := range parent.entries {
		if parent.entries[i].child == n {
			parent.entries[i] = rtreeEntry{box: n1.boundingBox(), child: n1}
			break
		}
	}
	n1.parent = parent
	n2.parent = parent
	parent.entries = append(parent.entries, rtreeEntry{box: n2.boundingBox(), child: n2})
	t.adjustTree(parent)
}

func (t *RTree) updateBoxUpward(n *rtreeNode) {
	parent := n.parent
	for parent != nil {
		box := n.boundingBox()
		for i := range parent.entries {
			if parent.entries[i].child == n {
				parent.entries[i].box = box
				break
			}
		}
		n = parent
		parent = n.parent
	}
}

// splitNode implements Guttman's quadratic-cost split: pick the pair of
// entries that would waste the most area if grouped together as seeds, then
// repeatedly assign the remaining entry with the strongest preference for
// one group over the other.
func (t *RTree) splitNode(n *rtreeNode) (*rtreeNode, *rtreeNode) {
	seed1, seed2 := pickSeeds(n.entries)

	g1 := &rtreeNode{leaf: n.leaf}
	g2 := &rtreeNode{leaf: n.leaf}
	g1.entries = append(g1.entries, n.entries[seed1])
	g2.entries = append(g2.entries, n.entries[seed2])

	remaining := make([]rtreeEntry, 0, len(n.entries)-2)
	for i, e := range n.entries {
		if i != seed1 && i != seed2 {
			remaining = append(remaining, e)
		}
	}

	for len(remaining) > 0 {
		if len(g1.entries)+len(remaining) == t.minEntries {
			g1.entries = append(g1.entries, remaining...)
			remaining = nil
			break
		}
		if len(g2.entries)+len(remaining) == t.minEntries {
			g2.entries = append(g2.entries, remaining...)
			remaining = nil
			break
		}

		idx, toG1 := pickNext(g1, g2, remaining)
		chosen := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		if toG1 {
			g1.entries = append(g1.entries, chosen)
		} else {
			g2.entries = append(g2.entries, chosen)
		}
	}

	if !n.leaf {
		for i := range g1.entries {
			g1.entries[i].child.parent = g1
		}
		for i := range g2.entries {
			g2.entries[i].child.parent = g2
		}
	}

	return g1, g2
}

func pickSeeds(entries []rtreeEntry) (int, int) {
	bestWaste := -1.0
	s1, s2 := 0, 1
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			combined := entries[i].box.Union(entries[j].box)
			waste := combined.Area() - entries[i].box.Area() - entries[j].box.Area()
			if waste > bestWaste {
				bestWaste = waste
				s1, s2 = i, j
			}
		}
	}
	return s1, s2
}

func pickNext(g1, g2 *rtreeNode, remaining []rtreeEntry) (int, bool) {
	box1 := g1.boundingBox()
	box2 := g2.boundingBox()
	bestIdx := 0
	bestDiff := -1.0
	bestToG1 := true
	for i, e := range remaining {
		d1 := enlargement(box1, e.box)
		d2 := enlargement(box2, e.box)
		diff := d1 - d2
		if diff < 0 {
			diff = -diff
		}
		if diff > bestDiff {
			bestDiff = diff
			bestIdx = i
			bestToG1 = d1 < d2 || (d1 == d2 && box1.Area() < box2.Area())
		}
	}
	return bestIdx, bestToG1
}

// Search returns the ids of every entry whose bounding box intersects box.
func (t *RTree) Search(box Box) []uint64 {
	var out []uint64
	t.search(t.root, box, &out)
	return out
}

func (t *RTree) search(n *rtreeNode, box Box, out *[]uint64) {
	for _, e := range n.entries {
		if !e.box.Intersects(box) {
			continue
		}
		if n.leaf {
			*out = append(*out, e.id)
		} else {
			t.search(e.child, box, out)
		}
	}
}

// Delete removes id with the given box from the tree. It reports
// errs.NotFound if no matching entry exists.
func (t *RTree) Delete(id uint64, box Box) error {
	leaf, idx := t.findLeaf(t.root, id, box)
	if leaf == nil {
		return errs.NotFound.New("geometry id in r-tree")
	}
	leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)
	t.updateBoxUpward(leaf)
	return nil
}

// BulkLoad replaces the tree's contents by sorting entries along a Hilbert
// curve fit to their overall bounding box, then packing them bottom-up
// maxEntries per node. A tree built this way has much better leaf-level
// spatial locality than one assembled via repeated Insert, since nearby
// entries land in the same or sibling leaves instead of wherever
// chooseLeaf's least-enlargement heuristic happened to route them.
func (t *RTree) BulkLoad(entries []Entry) {
	if len(entries) == 0 {
		t.root = &rtreeNode{leaf: true}
		return
	}

	var boxes []Box
	for _, e := range entries {
		boxes = append(boxes, e.Box)
	}
	domain := unionAll(boxes)

	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return hilbertValueOf(sorted[i].Box, domain) < hilbertValueOf(sorted[j].Box, domain)
	})

	leaves := make([]rtreeEntry, len(sorted))
	for i, e := range sorted {
		leaves[i] = rtreeEntry{box: e.Box, id: e.ID}
	}

	nodes := t.packLevel(leaves, true)
	for len(nodes) > 1 {
		var parentEntries []rtreeEntry
		for _, n := range nodes {
			parentEntries = append(parentEntries, rtreeEntry{box: n.boundingBox(), child: n})
		}
		nodes = t.packInternalLevel(parentEntries)
	}
	nodes[0].parent = nil
	t.root = nodes[0]
}

// hilbertValueOf quantizes box's center into domain's grid and returns its
// position along the Hilbert curve, the sort key bulk loading orders by.
func hilbertValueOf(box, domain Box) uint64 {
	cx, cy := box.Center()
	qx := QuantizeToGrid(bulkLoadHilbertOrder, cx, domain.MinX, domain.MaxX)
	qy := QuantizeToGrid(bulkLoadHilbertOrder, cy, domain.MinY, domain.MaxY)
	return HilbertDistance(bulkLoadHilbertOrder, qx, qy)
}

// packLevel groups already-ordered entries into nodes of at most
// t.maxEntries entries each, in order.
func (t *RTree) packLevel(entries []rtreeEntry, leaf bool) []*rtreeNode {
	var nodes []*rtreeNode
	for i := 0; i < len(entries); i += t.maxEntries {
		end := i + t.maxEntries
		if end > len(entries) {
			end = len(entries)
		}
		group := append([]rtreeEntry(nil), entries[i:end]...)
		node := &rtreeNode{entries: group, leaf: leaf}
		if !leaf {
			for i := range node.entries {
				node.entries[i].child.parent = node
			}
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// packInternalLevel wraps already-built child nodes (given as entries
// pointing at them) into parent nodes of at most t.maxEntries children each.
func (t *RTree) packInternalLevel(entries []rtreeEntry) []*rtreeNode {
	return t.packLevel(entries, false)
}

// Stats reports the tree's current entry count, node count, and height.
func (t *RTree) Stats() IndexStats {
	var s IndexStats
	statRTreeNode(t.root, 1, &s)
	return s
}

func statRTreeNode(n *rtreeNode, depth int, s *IndexStats) {
	s.NodeCount++
	if depth > s.MaxDepth {
		s.MaxDepth = depth
	}
	for _, e := range n.entries {
		if n.leaf {
			s.EntryCount++
		} else {
			statRTreeNode(e.child, depth+1, s)
		}
	}
}

func (t *RTree) findLeaf(n *rtreeNode, id uint64, box Box) (*rtreeNode, int) {
	if n.leaf {
		for i, e := range n.entries {
			if e.id == id {
				return n, i
			}
		}
		return nil, -1
	}
	for _, e := range n.entries {
		if e.box.Intersects(box) {
			if leaf, idx := t.findLeaf(e.child, id, box); leaf != nil {
				return leaf, idx
			}
		}
	}
	return nil, -1
}
