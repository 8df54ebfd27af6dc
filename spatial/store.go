package spatial

import (
	"sync"

	"github.com/coredbio/coredb/errs"
)

// IndexKind is a closed tagged variant over the supported index structures.
type IndexKind int

const (
	RTreeKind IndexKind = iota
	QuadtreeKind
	GridKind
)

// Index is the common interface satisfied by RTree, Quadtree, and Grid.
type Index interface {
	Insert(id uint64, box Box)
	Search(box Box) []uint64
	Delete(id uint64, box Box) error
	Stats() IndexStats
}

// IndexStats summarizes an index's current shape, used by query planning
// and by operational tooling to judge whether an index needs rebuilding.
type IndexStats struct {
	EntryCount int
	NodeCount  int
	MaxDepth   int
}

// Store pairs a spatial Index with the geometry table it indexes, so a
// caller can search by bounding box and then look up the actual shapes for
// any predicate stricter than bounding-box intersection. KNN does not
// consult the shapes; it ranks by bounding box.
type Store struct {
	mu       sync.RWMutex
	index    Index
	kind     IndexKind
	geometry map[uint64]Geometry
	nextID   uint64
}

// NewStore builds a Store backed by the given Index.
func NewStore(index Index, kind IndexKind) *Store {
	return &Store{
		index:    index,
		kind:     kind,
		geometry: make(map[uint64]Geometry),
	}
}

// Insert validates geom, assigns it an id, and adds it to both the index
// and the geometry table.
func (s *Store) Insert(geom Geometry) (uint64, error) {
	if err := geom.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.geometry[id] = geom
	s.index.Insert(id, geom.BoundingBox())
	return id, nil
}

// Delete removes id from both the index and the geometry table.
func (s *Store) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	geom, ok := s.geometry[id]
	if !ok {
		return errs.NotFound.New("geometry id")
	}
	if err := s.index.Delete(id, geom.BoundingBox()); err != nil {
		return err
	}
	delete(s.geometry, id)
	return nil
}

// Get returns the geometry stored under id.
func (s *Store) Get(id uint64) (Geometry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.geometry[id]
	return g, ok
}

// SearchBox returns the ids of every geometry whose bounding box
// intersects box.
func (s *Store) SearchBox(box Box) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Search(box)
}

// Len returns the number of geometries currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.geometry)
}

// Stats returns the underlying index's current shape.
func (s *Store) Stats() IndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Stats()
}
