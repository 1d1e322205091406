package geometry

// Package geometry holds the pure spatial types used by the calibration
// editor. Coordinates live in one of two spaces: pixel space (relative to
// the rendered video frame) or normalized space (0..1, resolution
// independent). A value does not carry its space with it; the structure
// holding it does. Conversion between the two spaces happens only in the
// calibration store.

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ToNormalized scales a pixel-space point by the frame dimensions.
// When either dimension is not yet known (<= 0) the point is returned
// unchanged; callers gate on dimensions before trusting the result.
func (p Point) ToNormalized(width, height float64) Point {
	if width <= 0 || height <= 0 {
		return p
	}
	return Point{X: p.X / width, Y: p.Y / height}
}

// ToPixel is the inverse of ToNormalized, with the same pass-through
// behavior for unknown dimensions.
func (p Point) ToPixel(width, height float64) Point {
	if width <= 0 || height <= 0 {
		return p
	}
	return Point{X: p.X * width, Y: p.Y * height}
}

// Clamp limits the point to [0,0]..[width,height].
func (p Point) Clamp(width, height float64) Point {
	x := p.X
	y := p.Y
	if x < 0 {
		x = 0
	} else if x > width {
		x = width
	}
	if y < 0 {
		y = 0
	} else if y > height {
		y = height
	}
	return Point{X: x, Y: y}
}

func (p Point) Translate(dx, dy float64) Point {
	return Point{X: p.X + dx, Y: p.Y + dy}
}

type Line struct {
	P0 Point `json:"p0"`
	P1 Point `json:"p1"`
}

func (l Line) ToNormalized(width, height float64) Line {
	return Line{
		P0: l.P0.ToNormalized(width, height),
		P1: l.P1.ToNormalized(width, height),
	}
}

func (l Line) ToPixel(width, height float64) Line {
	return Line{
		P0: l.P0.ToPixel(width, height),
		P1: l.P1.ToPixel(width, height),
	}
}

func (l Line) Translate(dx, dy float64) Line {
	return Line{P0: l.P0.Translate(dx, dy), P1: l.P1.Translate(dx, dy)}
}

// Midpoint is the anchor used for on-screen line labels.
func (l Line) Midpoint() Point {
	return Point{X: (l.P0.X + l.P1.X) / 2, Y: (l.P0.Y + l.P1.Y) / 2}
}

// Quad is a four-vertex polygon. Vertex order is top-left, top-right,
// bottom-right, bottom-left by convention; nothing enforces convexity or
// that exact ordering, only consistent indexing for edges and labels.
type Quad [4]Point

func (q Quad) ToNormalized(width, height float64) Quad {
	var out Quad
	for i, p := range q {
		out[i] = p.ToNormalized(width, height)
	}
	return out
}

func (q Quad) ToPixel(width, height float64) Quad {
	var out Quad
	for i, p := range q {
		out[i] = p.ToPixel(width, height)
	}
	return out
}

func (q Quad) Translate(dx, dy float64) Quad {
	var out Quad
	for i, p := range q {
		out[i] = p.Translate(dx, dy)
	}
	return out
}

// Center is the vertex centroid, used as the zone label anchor.
func (q Quad) Center() Point {
	var x, y float64
	for _, p := range q {
		x += p.X
		y += p.Y
	}
	return Point{X: x / 4, Y: y / 4}
}

// EdgeMidpoint returns the midpoint of edge i, where edge i connects
// vertex i to vertex (i+1)%4. Edge numbers are what the operator sees as
// entry/exit labels on direction zones.
func (q Quad) EdgeMidpoint(i int) Point {
	a := q[i%4]
	b := q[(i+1)%4]
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

// Rect builds an axis-aligned quad from two fractions of the frame,
// in the conventional vertex order.
func Rect(x0, y0, x1, y1 float64) Quad {
	return Quad{
		{X: x0, Y: y0},
		{X: x1, Y: y0},
		{X: x1, Y: y1},
		{X: x0, Y: y1},
	}
}

type ZoneType string

const (
	ZoneDirection ZoneType = "direction"
	ZonePlate     ZoneType = "plate"
)

func (t ZoneType) Valid() bool {
	return t == ZoneDirection || t == ZonePlate
}

// Zone is a polygon region used for turn-direction detection or plate
// capture. ID is generated client-side and is the only identifier that
// stays stable while the operator renames or reshapes the zone.
type Zone struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    ZoneType `json:"type"`
	Polygon Quad     `json:"polygon"`
}

func (z Zone) ToNormalized(width, height float64) Zone {
	z.Polygon = z.Polygon.ToNormalized(width, height)
	return z
}

func (z Zone) ToPixel(width, height float64) Zone {
	z.Polygon = z.Polygon.ToPixel(width, height)
	return z
}

// Lane is a calibrated speed-measurement pair: vehicles are timed from
// LineA (entry) to LineB (exit) and Distance meters converts crossing
// time into speed. Distance 0 is permitted while the operator is editing;
// the backend rejects unusable lanes at measurement time.
type Lane struct {
	Name     string  `json:"name"`
	LineA    Line    `json:"line_a"`
	LineB    Line    `json:"line_b"`
	Distance float64 `json:"distance"`
}

func (l Lane) ToNormalized(width, height float64) Lane {
	l.LineA = l.LineA.ToNormalized(width, height)
	l.LineB = l.LineB.ToNormalized(width, height)
	return l
}

func (l Lane) ToPixel(width, height float64) Lane {
	l.LineA = l.LineA.ToPixel(width, height)
	l.LineB = l.LineB.ToPixel(width, height)
	return l
}
