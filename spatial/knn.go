package spatial

import "sort"

// maxKNNExpansions bounds the radius-doubling search so a query over a
// store with fewer than k geometries terminates instead of doubling
// forever.
const maxKNNExpansions = 40

type neighborCandidate struct {
	id       uint64
	distance float64
}

// KNN returns the up-to-k geometries nearest to (x, y), ordered nearest
// first. It works by doubling a search radius around the query point until
// the box search yields at least k candidates whose distance is already
// within the searched radius, which guarantees no closer candidate was
// missed outside the box. A candidate's distance is the distance from
// (x, y) to its geometry's bounding box, not to the geometry itself, so for
// a line or polygon it can be less than the exact distance.
func KNN(s *Store, x, y float64, k int) []uint64 {
	if k <= 0 {
		return nil
	}

	radius := 1.0
	var candidates []neighborCandidate

	for i := 0; i < maxKNNExpansions; i++ {
		box := Box{MinX: x - radius, MinY: y - radius, MaxX: x + radius, MaxY: y + radius}
		ids := s.SearchBox(box)

		candidates = candidates[:0]
		for _, id := range ids {
			geom, ok := s.Get(id)
			if !ok {
				continue
			}
			d := geom.BoundingBox().distanceToPoint(x, y)
			candidates = append(candidates, neighborCandidate{id: id, distance: d})
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })

		if len(candidates) >= k && candidates[k-1].distance <= radius {
			break
		}
		if len(candidates) >= s.Len() {
			break
		}
		radius *= 2
	}

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]uint64, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

