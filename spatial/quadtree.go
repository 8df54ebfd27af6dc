package spatial

import "github.com/coredbio/coredb/errs"

type quadEntry struct {
	id  uint64
	box Box
}

// quadNode is a region quadtree node: it holds entries directly until it
// exceeds capacity, at which point it subdivides into four quadrants. An
// entry that doesn't fit entirely within one quadrant stays at the node
// that contains it, rather than being duplicated across quadrants.
type quadNode struct {
	bounds   Box
	entries  []quadEntry
	children [4]*quadNode // nw, ne, sw, se
	divided  bool
}

// Quadtree is a bounded point/box index over a fixed spatial extent.
type Quadtree struct {
	root     *quadNode
	capacity int
	maxDepth int
}

// NewQuadtree builds a Quadtree covering bounds, subdividing any node that
// exceeds capacity entries, down to maxDepth levels.
func NewQuadtree(bounds Box, capacity, maxDepth int) *Quadtree {
	if capacity < 1 {
		capacity = 4
	}
	if maxDepth < 1 {
		maxDepth = 8
	}
	return &Quadtree{
		root:     &quadNode{bounds: bounds},
		capacity: capacity,
		maxDepth: maxDepth,
	}
}

// Insert adds id with bounding box box to the tree.
func (q *Quadtree) Insert(id uint64, box Box) {
	q.insert(q.root, id, box, 0)
}

func (q *Quadtree) insert(n *quadNode, id uint64, box Box, depth int) {
	if !n.divided && (len(n.entries) < q.capacity || depth >= q.maxDepth) {
		n.entries = append(n.entries, quadEntry{id: id, box: box})
		return
	}
	if !n.divided {
		q.subdivide(n)
	}
	for _, c := range n.children {
		if c.bounds.Contains(box) {
			q.insert(c, id, box, depth+1)
			return
		}
	}
	n.entries = append(n.entries, quadEntry{id: id, box: box})
}

func (q *Quadtree) subdivide(n *quadNode) {
	midX, midY := n.bounds.Center()
	n.children[0] = &quadNode{bounds: Box{n.bounds.MinX, midY, midX, n.bounds.MaxY}} // nw
	n.children[1] = &quadNode{bounds: Box{midX, midY, n.bounds.MaxX, n.bounds.MaxY}} // ne
	n.children[2] = &quadNode{bounds: Box{n.bounds.MinX, n.bounds.MinY, midX, midY}} // sw
	n.children[3] = &quadNode{bounds: Box{midX, n.bounds.MinY, n.bounds.MaxX, midY}} // se
	n.divided = true

	remaining := n.entries
	n.entries = nil
	for _, e := range remaining {
		placed := false
		for _, c := range n.children {
			if c.bounds.Contains(e.box) {
				q.insert(c, e.id, e.box, 1)
				placed = true
				break
			}
		}
		if !placed {
			n.entries = append(n.entries, e)
		}
	}
}

// Search returns the ids of every entry whose box intersects box.
func (q *Quadtree) Search(box Box) []uint64 {
	var out []uint64
	q.search(q.root, box, &out)
	return out
}

func (q *Quadtree) search(n *quadNode, box Box, out *[]uint64) {
	if n == nil || !n.bounds.Intersects(box) {
		return
	}
	for _, e := range n.entries {
		if e.box.Intersects(box) {
			*out = append(*out, e.id)
		}
	}
	if n.divided {
		for _, c := range n.children {
			q.search(c, box, out)
		}
	}
}

// Stats reports the tree's current entry count, node count, and depth.
func (q *Quadtree) Stats() IndexStats {
	var s IndexStats
	statQuadNode(q.root, 1, &s)
	return s
}

func statQuadNode(n *quadNode, depth int, s *IndexStats) {
	if n == nil {
		return
	}
	s.NodeCount++
	s.EntryCount += len(n.entries)
	if depth > s.MaxDepth {
		s.MaxDepth = depth
	}
	if n.divided {
		for _, c := range n.children {
			statQuadNode(c, depth+1, s)
		}
	}
}

// Delete removes id with the given box from the tree.
func (q *Quadtree) Delete(id uint64, box Box) error {
	if ok := q.delete(q.root, id, box); !ok {
		return errs.NotFound.New("geometry id in quadtree")
	}
	return nil
}

func (q *Quadtree) delete(n *quadNode, id uint64, box Box) bool {
	if n == nil || !n.bounds.Intersects(box) {
		return false
	}
	for i, e := range n.entries {
		if e.id == id {
			n.entries = append(n.entries[:i], n.entries[i+1:]...)
			return true
		}
	}
	if n.divided {
		for _, c := range n.children {
			if q.delete(c, id, box) {
				return true
			}
		}
	}
	return false
}
