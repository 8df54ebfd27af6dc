package spatial

import "github.com/coredbio/coredb/errs"

type gridEntry struct {
	id  uint64
	box Box
}

// Grid is a uniform-cell spatial index: cheap to build and to update, at
// its best when data density is roughly even across the covered extent.
type Grid struct {
	bounds   Box
	cols     int
	rows     int
	cellW    float64
	cellH    float64
	cells    map[int][]gridEntry
}

// NewGrid builds a Grid covering bounds with cols x rows cells.
func NewGrid(bounds Box, cols, rows int) *Grid {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return &Grid{
		bounds: bounds,
		cols:   cols,
		rows:   rows,
		cellW:  (bounds.MaxX - bounds.MinX) / float64(cols),
		cellH:  (bounds.MaxY - bounds.MinY) / float64(rows),
		cells:  make(map[int][]gridEntry),
	}
}

func (g *Grid) cellIndex(col, row int) int { return row*g.cols + col }

func (g *Grid) cellsForBox(box Box) []int {
	c0 := g.colFor(box.MinX)
	c1 := g.colFor(box.MaxX)
	r0 := g.rowFor(box.MinY)
	r1 := g.rowFor(box.MaxY)
	var out []int
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			out = append(out, g.cellIndex(c, r))
		}
	}
	return out
}

func (g *Grid) colFor(x float64) int {
	if g.cellW <= 0 {
		return 0
	}
	c := int((x - g.bounds.MinX) / g.cellW)
	return clampInt(c, 0, g.cols-1)
}

func (g *Grid) rowFor(y float64) int {
	if g.cellH <= 0 {
		return 0
	}
	r := int((y - g.bounds.MinY) / g.cellH)
	return clampInt(r, 0, g.rows-1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Insert adds id with bounding box box to every cell it overlaps.
func (g *Grid) Insert(id uint64, box Box) {
	for _, idx := range g.cellsForBox(box) {
		g.cells[idx] = append(g.cells[idx], gridEntry{id: id, box: box})
	}
}

// Search returns the (deduplicated) ids of every entry whose box intersects
// box.
func (g *Grid) Search(box Box) []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, idx := range g.cellsForBox(box) {
		for _, e := range g.cells[idx] {
			if e.box.Intersects(box) && !seen[e.id] {
				seen[e.id] = true
				out = append(out, e.id)
			}
		}
	}
	return out
}

// Stats reports the grid's occupied cell count and the number of distinct
// ids stored; a grid has no meaningful depth beyond its single level, so
// MaxDepth is always 1.
func (g *Grid) Stats() IndexStats {
	seen := make(map[uint64]bool)
	occupied := 0
	for _, entries := range g.cells {
		if len(entries) > 0 {
			occupied++
		}
		for _, e := range entries {
			seen[e.id] = true
		}
	}
	return IndexStats{EntryCount: len(seen), NodeCount: occupied, MaxDepth: 1}
}

// Delete removes id with the given box from every cell it was inserted
// into.
func (g *Grid) Delete(id uint64, box Box) error {
	found := false
	for _, idx := range g.cellsForBox(box) {
		entries := g.cells[idx]
		for i, e := range entries {
			if e.id == id {
				g.cells[idx] = append(entries[:i], entries[i+1:]...)
				found = true
				break
			}
		}
	}
	if !found {
		return errs.NotFound.New("geometry id in grid")
	}
	return nil
}
