package spatial

// Config holds the tunable knobs for building a Store's index.
type Config struct {
	RTreeMaxEntries  int `yaml:"rtree_max_entries"`
	QuadtreeCapacity int `yaml:"quadtree_capacity"`
	QuadtreeMaxDepth int `yaml:"quadtree_max_depth"`
	GridCols         int `yaml:"grid_cols"`
	GridRows         int `yaml:"grid_rows"`
}

// DefaultConfig returns the Config used when a caller does not supply one.
func DefaultConfig() Config {
	return Config{
		RTreeMaxEntries:  32,
		QuadtreeCapacity: 8,
		QuadtreeMaxDepth: 12,
		GridCols:         64,
		GridRows:         64,
	}
}

// NewRTreeFromConfig builds an RTree using cfg.RTreeMaxEntries.
func (c Config) NewRTreeFromConfig() *RTree {
	return NewRTree(c.RTreeMaxEntries)
}

// NewQuadtreeFromConfig builds a Quadtree covering bounds using
// cfg.QuadtreeCapacity and cfg.QuadtreeMaxDepth.
func (c Config) NewQuadtreeFromConfig(bounds Box) *Quadtree {
	return NewQuadtree(bounds, c.QuadtreeCapacity, c.QuadtreeMaxDepth)
}

// NewGridFromConfig builds a Grid covering bounds using cfg.GridCols and
// cfg.GridRows.
func (c Config) NewGridFromConfig(bounds Box) *Grid {
	return NewGrid(bounds, c.GridCols, c.GridRows)
}
