// Package geometry provides the small amount of 2D polygon math the odometry
// estimator needs: containment, distance to edges and disc clearance checks.
// Coordinates are millimetres in the room frame; +theta is counter-clockwise
// with 0 degrees along +x.
package geometry

import "math"

// Point is a position in the room frame, millimetres.
type Point struct {
	X float64 `json:"x_mm"`
	Y float64 `json:"y_mm"`
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// Add returns p + q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }

// Scale returns p scaled by s.
func (p Point) Scale(s float64) Point { return Point{p.X * s, p.Y * s} }

// Dot returns the dot product of p and q.
func (p Point) Dot(q Point) float64 { return p.X*q.X + p.Y*q.Y }

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 { return math.Hypot(p.X, p.Y) }

// Rotate rotates p by thetaDeg counter-clockwise about the origin.
func (p Point) Rotate(thetaDeg float64) Point {
	rad := thetaDeg * math.Pi / 180.0
	sin, cos := math.Sincos(rad)
	return Point{p.X*cos - p.Y*sin, p.X*sin + p.Y*cos}
}

// Edge is one directed polygon edge.
type Edge struct {
	A, B Point
}

// Tangent returns the unit vector along the edge, or the zero vector for a
// degenerate edge.
func (e Edge) Tangent() Point {
	d := e.B.Sub(e.A)
	n := d.Norm()
	if n == 0 {
		return Point{}
	}
	return d.Scale(1 / n)
}

// Polygon is a closed polygon given by its vertices in order. The closing
// edge from the last vertex back to the first is implicit.
type Polygon struct {
	vertices []Point
	edges    []Edge
	min, max Point
}

// NewPolygon builds a polygon from vertices, precomputing its edge list and
// bounding box so collision checks stay O(edges) per query.
func NewPolygon(vertices []Point) Polygon {
	p := Polygon{vertices: append([]Point(nil), vertices...)}
	n := len(p.vertices)
	if n == 0 {
		return p
	}
	p.min, p.max = p.vertices[0], p.vertices[0]
	p.edges = make([]Edge, 0, n)
	for i, v := range p.vertices {
		p.min.X = math.Min(p.min.X, v.X)
		p.min.Y = math.Min(p.min.Y, v.Y)
		p.max.X = math.Max(p.max.X, v.X)
		p.max.Y = math.Max(p.max.Y, v.Y)
		p.edges = append(p.edges, Edge{A: v, B: p.vertices[(i+1)%n]})
	}
	return p
}

// Vertices returns the polygon vertices. The slice must not be mutated.
func (p Polygon) Vertices() []Point { return p.vertices }

// Edges returns the precomputed edge list. The slice must not be mutated.
func (p Polygon) Edges() []Edge { return p.edges }

// Bounds returns the axis-aligned bounding box.
func (p Polygon) Bounds() (min, max Point) { return p.min, p.max }

// SignedArea returns the signed area; positive for counter-clockwise winding.
func (p Polygon) SignedArea() float64 {
	var sum float64
	n := len(p.vertices)
	for i, v := range p.vertices {
		w := p.vertices[(i+1)%n]
		sum += v.X*w.Y - w.X*v.Y
	}
	return sum / 2
}

// Reversed returns the polygon with opposite winding.
func (p Polygon) Reversed() Polygon {
	n := len(p.vertices)
	rev := make([]Point, n)
	for i, v := range p.vertices {
		rev[n-1-i] = v
	}
	return NewPolygon(rev)
}

// Contains reports whether pt lies inside the polygon. Points exactly on an
// edge count as inside.
func (p Polygon) Contains(pt Point) bool {
	if len(p.vertices) < 3 {
		return false
	}
	if pt.X < p.min.X || pt.X > p.max.X || pt.Y < p.min.Y || pt.Y > p.max.Y {
		return false
	}
	inside := false
	for _, e := range p.edges {
		if SegmentDistance(pt, e.A, e.B) == 0 {
			return true
		}
		a, b := e.A, e.B
		if (a.Y > pt.Y) != (b.Y > pt.Y) {
			xCross := a.X + (pt.Y-a.Y)/(b.Y-a.Y)*(b.X-a.X)
			if pt.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// SegmentDistance returns the distance from pt to the segment ab.
func SegmentDistance(pt, a, b Point) float64 {
	ab := b.Sub(a)
	l2 := ab.Dot(ab)
	if l2 == 0 {
		return pt.Sub(a).Norm()
	}
	t := pt.Sub(a).Dot(ab) / l2
	t = math.Max(0, math.Min(1, t))
	proj := a.Add(ab.Scale(t))
	return pt.Sub(proj).Norm()
}

// NearestEdge returns the edge closest to pt and its distance.
func (p Polygon) NearestEdge(pt Point) (Edge, float64) {
	best := math.Inf(1)
	var bestEdge Edge
	for _, e := range p.edges {
		if d := SegmentDistance(pt, e.A, e.B); d < best {
			best = d
			bestEdge = e
		}
	}
	return bestEdge, best
}

// Transform rotates the polygon by thetaDeg about the origin and then
// translates it by (dx, dy). Used to place shape-local obstacle contours
// into the room frame.
func (p Polygon) Transform(dx, dy, thetaDeg float64) Polygon {
	out := make([]Point, len(p.vertices))
	for i, v := range p.vertices {
		r := v.Rotate(thetaDeg)
		out[i] = Point{r.X + dx, r.Y + dy}
	}
	return NewPolygon(out)
}

// DiscInside reports whether a disc of radius clearance centred at c lies
// fully inside the polygon: the centre is contained and no edge comes
// closer than clearance. A disc exactly tangent to an edge is accepted.
func (p Polygon) DiscInside(c Point, clearance float64) bool {
	if !p.Contains(c) {
		return false
	}
	_, d := p.NearestEdge(c)
	return d >= clearance
}

// DiscClear reports whether a disc of radius clearance centred at c stays
// clear of the polygon: the centre is outside and no edge comes closer
// than clearance. Tangency is accepted.
func (p Polygon) DiscClear(c Point, clearance float64) bool {
	// Cheap reject using the inflated bounding box.
	if c.X < p.min.X-clearance || c.X > p.max.X+clearance ||
		c.Y < p.min.Y-clearance || c.Y > p.max.Y+clearance {
		return true
	}
	if p.Contains(c) {
		return false
	}
	_, d := p.NearestEdge(c)
	return d >= clearance
}
