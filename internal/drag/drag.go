package drag

// Package drag turns pointer gestures into calibration mutations. The
// rules are deliberately dumb: a vertex drag replaces exactly one point,
// a body drag is a rigid translation applied once when the gesture ends.
// A gesture binds a single target for its whole duration, so editors of
// independent lanes and zones can never cross-mutate each other.

import (
	"errors"
	"sync"

	"traffic-console/internal/geometry"
)

var ErrGestureFinished = errors.New("gesture already finished")

// Kind selects which calibration entity a target addresses.
type Kind int

const (
	KindLane Kind = iota
	KindZone
	KindPlateLine
	KindLegacyZone
)

// LineSelector picks one of a lane's two lines. Entities with a single
// line or a polygon leave it empty.
type LineSelector string

const (
	LineNone LineSelector = ""
	LineA    LineSelector = "a"
	LineB    LineSelector = "b"
)

// Target identifies one draggable piece of geometry: the entity, the
// line within it, and the vertex within that line or polygon. Lanes are
// addressed by index (their order is how the operator sees them), zones
// by their stable ID.
type Target struct {
	Kind      Kind
	LaneIndex int
	ZoneID    string
	Line      LineSelector
	Vertex    int
}

// Sink receives the mutations a gesture produces. The calibration store
// is the only implementation outside tests.
type Sink interface {
	// SetVertex replaces the single addressed vertex with p (pixel space).
	SetVertex(t Target, p geometry.Point) error
	// TranslateTarget rigidly shifts every vertex of the addressed shape.
	TranslateTarget(t Target, dx, dy float64) error
}

// MoveVertex returns a copy of pts with only the vertex at idx replaced.
// Out-of-range indexes return the input unchanged.
func MoveVertex(pts []geometry.Point, idx int, p geometry.Point) []geometry.Point {
	out := make([]geometry.Point, len(pts))
	copy(out, pts)
	if idx >= 0 && idx < len(out) {
		out[idx] = p
	}
	return out
}

// Translate returns a copy of pts with every vertex shifted by (dx, dy).
func Translate(pts []geometry.Point, dx, dy float64) []geometry.Point {
	out := make([]geometry.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Translate(dx, dy)
	}
	return out
}

type Mode int

const (
	// ModeVertex streams each pointer position straight into the target
	// vertex.
	ModeVertex Mode = iota
	// ModeBody accumulates a translation during the gesture and applies
	// it once on End.
	ModeBody
)

// Options configures a single gesture. ClampToFrame bounds the live
// pointer input to the frame; only the plate-line widget turns it on,
// every other editor allows vertices to leave the frame mid-drag.
type Options struct {
	ClampToFrame bool
	Width        float64
	Height       float64

	// OnRelease is the scoped capture teardown (detaching the global
	// pointer listeners in the original editor). It runs exactly once,
	// on every exit path of the gesture.
	OnRelease func()
}

// Gesture is one in-progress drag. It is not safe for concurrent use;
// pointer events arrive in order from a single event loop.
type Gesture struct {
	sink    Sink
	target  Target
	mode    Mode
	opts    Options
	anchor  geometry.Point
	dx, dy  float64
	done    bool
	release sync.Once
}

// Begin starts a gesture against one target. anchor is the pointer
// position at mouse-down; body mode measures its translation from it.
func Begin(sink Sink, target Target, mode Mode, anchor geometry.Point, opts Options) *Gesture {
	return &Gesture{
		sink:   sink,
		target: target,
		mode:   mode,
		opts:   opts,
		anchor: anchor,
	}
}

// Move feeds the current pointer position into the gesture.
func (g *Gesture) Move(p geometry.Point) error {
	if g.done {
		return ErrGestureFinished
	}
	if g.opts.ClampToFrame {
		p = p.Clamp(g.opts.Width, g.opts.Height)
	}
	switch g.mode {
	case ModeVertex:
		return g.sink.SetVertex(g.target, p)
	case ModeBody:
		g.dx = p.X - g.anchor.X
		g.dy = p.Y - g.anchor.Y
	}
	return nil
}

// End completes the gesture. In body mode the accumulated delta is
// applied to the whole shape here, once, and then reset.
func (g *Gesture) End() error {
	if g.done {
		return ErrGestureFinished
	}
	g.done = true
	defer g.releaseCapture()

	if g.mode == ModeBody && (g.dx != 0 || g.dy != 0) {
		dx, dy := g.dx, g.dy
		g.dx, g.dy = 0, 0
		return g.sink.TranslateTarget(g.target, dx, dy)
	}
	return nil
}

// Cancel abandons the gesture without applying a pending body delta.
// The capture is still released.
func (g *Gesture) Cancel() {
	if g.done {
		return
	}
	g.done = true
	g.dx, g.dy = 0, 0
	g.releaseCapture()
}

func (g *Gesture) releaseCapture() {
	g.release.Do(func() {
		if g.opts.OnRelease != nil {
			g.opts.OnRelease()
		}
	})
}
