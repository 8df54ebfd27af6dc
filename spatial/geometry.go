// Package spatial implements multi-dimensional indexing over geometric
// data: an R-tree, a quadtree, and a uniform grid, unified by a Hilbert
// curve ordering for bulk-load locality, plus k-nearest-neighbor search.
package spatial

import (
	"math"

	"github.com/coredbio/coredb/errs"
)

// Box is an axis-aligned bounding box in two dimensions.
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

// Union returns the smallest Box containing both b and other.
func (b Box) Union(other Box) Box {
	return Box{
		MinX: math.Min(b.MinX, other.MinX),
		MinY: math.Min(b.MinY, other.MinY),
		MaxX: math.Max(b.MaxX, other.MaxX),
		MaxY: math.Max(b.MaxY, other.MaxY),
	}
}

// Area returns the box's area, used as the R-tree split cost metric.
func (b Box) Area() float64 {
	return (b.MaxX - b.MinX) * (b.MaxY - b.MinY)
}

// Intersects reports whether b and other share any point.
func (b Box) Intersects(other Box) bool {
	return b.MinX <= other.MaxX && b.MaxX >= other.MinX &&
		b.MinY <= other.MaxY && b.MaxY >= other.MinY
}

// Contains reports whether b fully contains other.
func (b Box) Contains(other Box) bool {
	return b.MinX <= other.MinX && b.MaxX >= other.MaxX &&
		b.MinY <= other.MinY && b.MaxY >= other.MaxY
}

// ContainsPoint reports whether (x,y) lies within b, inclusive of edges.
func (b Box) ContainsPoint(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Center returns the box's centroid.
func (b Box) Center() (float64, float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2
}

// distanceToPoint returns the shortest Euclidean distance from (x,y) to the
// box, zero if the point is inside it.
func (b Box) distanceToPoint(x, y float64) float64 {
	dx := math.Max(math.Max(b.MinX-x, x-b.MaxX), 0)
	dy := math.Max(math.Max(b.MinY-y, y-b.MaxY), 0)
	return math.Sqrt(dx*dx + dy*dy)
}

// Geometry is a closed tagged variant over the supported geometry shapes.
type Geometry interface {
	BoundingBox() Box
	Validate() error
}

// Point is a single coordinate.
type Point struct{ X, Y float64 }

func (p Point) BoundingBox() Box { return Box{p.X, p.Y, p.X, p.Y} }
func (p Point) Validate() error  { return validateFinite(p.X, p.Y) }

// LineString is an ordered sequence of points forming a polyline.
type LineString struct{ Points []Point }

func (l LineString) BoundingBox() Box {
	return boundingBoxOf(l.Points)
}
func (l LineString) Validate() error {
	if len(l.Points) < 2 {
		return errs.InvalidInput.New("linestring requires at least 2 points")
	}
	return validateAll(l.Points)
}

// Polygon is a closed ring of points; the first and last point must match.
type Polygon struct{ Ring []Point }

func (p Polygon) BoundingBox() Box {
	return boundingBoxOf(p.Ring)
}
func (p Polygon) Validate() error {
	if len(p.Ring) < 4 {
		return errs.InvalidInput.New("polygon ring requires at least 4 points")
	}
	first, last := p.Ring[0], p.Ring[len(p.Ring)-1]
	if first != last {
		return errs.InvalidInput.New("polygon ring must be closed")
	}
	return validateAll(p.Ring)
}

// MultiPoint is an unordered collection of points.
type MultiPoint struct{ Points []Point }

func (m MultiPoint) BoundingBox() Box { return boundingBoxOf(m.Points) }
func (m MultiPoint) Validate() error {
	if len(m.Points) == 0 {
		return errs.InvalidInput.New("multipoint requires at least 1 point")
	}
	return validateAll(m.Points)
}

// MultiLineString is a collection of independent LineStrings.
type MultiLineString struct{ Lines []LineString }

func (m MultiLineString) BoundingBox() Box {
	var boxes []Box
	for _, l := range m.Lines {
		boxes = append(boxes, l.BoundingBox())
	}
	return unionAll(boxes)
}
func (m MultiLineString) Validate() error {
	if len(m.Lines) == 0 {
		return errs.InvalidInput.New("multilinestring requires at least 1 line")
	}
	for _, l := range m.Lines {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MultiPolygon is a collection of independent Polygons.
type MultiPolygon struct{ Polygons []Polygon }

func (m MultiPolygon) BoundingBox() Box {
	var boxes []Box
	for _, p := range m.Polygons {
		boxes = append(boxes, p.BoundingBox())
	}
	return unionAll(boxes)
}
func (m MultiPolygon) Validate() error {
	if len(m.Polygons) == 0 {
		return errs.InvalidInput.New("multipolygon requires at least 1 polygon")
	}
	for _, p := range m.Polygons {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func boundingBoxOf(points []Point) Box {
	if len(points) == 0 {
		return Box{}
	}
	box := Box{points[0].X, points[0].Y, points[0].X, points[0].Y}
	for _, p := range points[1:] {
		box = box.Union(p.BoundingBox())
	}
	return box
}

func unionAll(boxes []Box) Box {
	if len(boxes) == 0 {
		return Box{}
	}
	out := boxes[0]
	for _, b := range boxes[1:] {
		out = out.Union(b)
	}
	return out
}

func validateFinite(x, y float64) error {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return errs.InvalidInput.New("coordinate must be finite")
	}
	return nil
}

func validateAll(points []Point) error {
	for _, p := range points {
		if err := validateFinite(p.X, p.Y); err != nil {
			return err
		}
	}
	return nil
}
