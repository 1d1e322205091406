package calibration

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"traffic-console/internal/geometry"
)

// Wire shapes for the backend configuration API. All geometry on the
// wire is normalized 0..1; the nested-pair zone form ([[x,y],...]) is
// what the backend expects, distinct from the flat 8-float form the
// legacy schema used.

type LaneWire struct {
	Name     string     `json:"name"`
	LineA    [4]float64 `json:"line_a"`
	LineB    [4]float64 `json:"line_b"`
	Distance float64    `json:"distance"`
}

type LanesPayload struct {
	Lanes []LaneWire `json:"lanes"`
}

type ZoneWire struct {
	Name   string       `json:"name"`
	Type   string       `json:"type,omitempty"`
	Points [][2]float64 `json:"points"`
}

type ZonesPayload struct {
	Zones []ZoneWire `json:"zones"`
}

type PlateLinePayload struct {
	Line *[4]float64 `json:"line"`
}

// LegacyPayload is the single-zone / single-line-pair schema. It is
// read-compatible only; writes always use the current shapes above.
// The quad arrives under either "zone" or "polygon" depending on the
// backend era.
type LegacyPayload struct {
	Zone     []float64 `json:"zone,omitempty"`
	Polygon  []float64 `json:"polygon,omitempty"`
	Line1    []float64 `json:"line1,omitempty"`
	Line2    []float64 `json:"line2,omitempty"`
	Distance float64   `json:"distance,omitempty"`
}

func (p LegacyPayload) empty() bool {
	return len(p.Zone) < 8 && len(p.Polygon) < 8 && (len(p.Line1) < 4 || len(p.Line2) < 4)
}

type Schema int

const (
	SchemaUnknown Schema = iota
	SchemaCurrent
	SchemaLegacy
)

// DetectSchema classifies a raw configuration payload. Current fields
// win when both eras are present; shape-dependent branching never
// happens past the load boundary.
func DetectSchema(raw []byte) Schema {
	var probe struct {
		Zones   json.RawMessage `json:"zones"`
		Lanes   json.RawMessage `json:"lanes"`
		Zone    json.RawMessage `json:"zone"`
		Polygon json.RawMessage `json:"polygon"`
		Line1   json.RawMessage `json:"line1"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SchemaUnknown
	}
	if probe.Zones != nil || probe.Lanes != nil {
		return SchemaCurrent
	}
	if probe.Zone != nil || probe.Polygon != nil || probe.Line1 != nil {
		return SchemaLegacy
	}
	return SchemaUnknown
}

func lineFromFlat(v [4]float64) geometry.Line {
	return geometry.Line{
		P0: geometry.Point{X: v[0], Y: v[1]},
		P1: geometry.Point{X: v[2], Y: v[3]},
	}
}

func lineToFlat(l geometry.Line) [4]float64 {
	return [4]float64{l.P0.X, l.P0.Y, l.P1.X, l.P1.Y}
}

func quadFromFlat(v []float64) geometry.Quad {
	var q geometry.Quad
	for i := 0; i < 4 && i*2+1 < len(v); i++ {
		q[i] = geometry.Point{X: v[i*2], Y: v[i*2+1]}
	}
	return q
}

// DecodeLanes maps the wire form into model lanes, still normalized.
func DecodeLanes(p LanesPayload) []geometry.Lane {
	lanes := make([]geometry.Lane, 0, len(p.Lanes))
	for i, w := range p.Lanes {
		name := w.Name
		if name == "" {
			name = fmt.Sprintf("Lane %d", i+1)
		}
		lanes = append(lanes, geometry.Lane{
			Name:     name,
			LineA:    lineFromFlat(w.LineA),
			LineB:    lineFromFlat(w.LineB),
			Distance: w.Distance,
		})
	}
	return lanes
}

func EncodeLanes(lanes []geometry.Lane) LanesPayload {
	p := LanesPayload{Lanes: make([]LaneWire, 0, len(lanes))}
	for _, l := range lanes {
		p.Lanes = append(p.Lanes, LaneWire{
			Name:     l.Name,
			LineA:    lineToFlat(l.LineA),
			LineB:    lineToFlat(l.LineB),
			Distance: l.Distance,
		})
	}
	return p
}

// DecodeZones maps wire zones into model zones. IDs do not travel over
// the wire; fresh ones are generated here, which keeps them unique
// within the active set.
func DecodeZones(p ZonesPayload) []geometry.Zone {
	zones := make([]geometry.Zone, 0, len(p.Zones))
	for i, w := range p.Zones {
		t := geometry.ZoneType(w.Type)
		if !t.Valid() {
			t = geometry.ZoneDirection
		}
		name := w.Name
		if name == "" {
			name = fmt.Sprintf("Zone %d", i+1)
		}
		var q geometry.Quad
		for j := 0; j < 4 && j < len(w.Points); j++ {
			q[j] = geometry.Point{X: w.Points[j][0], Y: w.Points[j][1]}
		}
		zones = append(zones, geometry.Zone{
			ID:      uuid.NewString(),
			Name:    name,
			Type:    t,
			Polygon: q,
		})
	}
	return zones
}

func EncodeZones(zones []geometry.Zone) ZonesPayload {
	p := ZonesPayload{Zones: make([]ZoneWire, 0, len(zones))}
	for _, z := range zones {
		pts := make([][2]float64, 0, 4)
		for _, pt := range z.Polygon {
			pts = append(pts, [2]float64{pt.X, pt.Y})
		}
		p.Zones = append(p.Zones, ZoneWire{
			Name:   z.Name,
			Type:   string(z.Type),
			Points: pts,
		})
	}
	return p
}

func DecodePlateLine(p PlateLinePayload) *geometry.Line {
	if p.Line == nil {
		return nil
	}
	l := lineFromFlat(*p.Line)
	return &l
}

func EncodePlateLine(l *geometry.Line) PlateLinePayload {
	if l == nil {
		return PlateLinePayload{}
	}
	v := lineToFlat(*l)
	return PlateLinePayload{Line: &v}
}

// DecodeLegacy lifts the single-zone / single-line-pair schema into the
// current model: the quad becomes one direction zone, the line pair
// becomes one lane.
func DecodeLegacy(p LegacyPayload) Snapshot {
	var snap Snapshot
	quad := p.Zone
	if len(quad) < 8 {
		quad = p.Polygon
	}
	if len(quad) >= 8 {
		snap.Zones = []geometry.Zone{{
			ID:      uuid.NewString(),
			Name:    "Zone 1",
			Type:    geometry.ZoneDirection,
			Polygon: quadFromFlat(quad),
		}}
		snap.LegacyDistance = p.Distance
	}
	if len(p.Line1) >= 4 && len(p.Line2) >= 4 {
		snap.Lanes = []geometry.Lane{{
			Name:     "Lane 1",
			LineA:    lineFromFlat([4]float64{p.Line1[0], p.Line1[1], p.Line1[2], p.Line1[3]}),
			LineB:    lineFromFlat([4]float64{p.Line2[0], p.Line2[1], p.Line2[2], p.Line2[3]}),
			Distance: p.Distance,
		}}
	}
	return snap
}

// DecodeConfigPayload decodes one raw payload of either era into a
// normalized-space snapshot. This is the single place schema detection
// happens.
func DecodeConfigPayload(raw []byte) (Snapshot, error) {
	switch DetectSchema(raw) {
	case SchemaCurrent:
		var lanes LanesPayload
		var zones ZonesPayload
		var plate PlateLinePayload
		if err := json.Unmarshal(raw, &lanes); err != nil {
			return Snapshot{}, fmt.Errorf("decode lanes: %w", err)
		}
		if err := json.Unmarshal(raw, &zones); err != nil {
			return Snapshot{}, fmt.Errorf("decode zones: %w", err)
		}
		_ = json.Unmarshal(raw, &plate)
		return Snapshot{
			Lanes:     DecodeLanes(lanes),
			Zones:     DecodeZones(zones),
			PlateLine: DecodePlateLine(plate),
		}, nil
	case SchemaLegacy:
		var legacy LegacyPayload
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return Snapshot{}, fmt.Errorf("decode legacy config: %w", err)
		}
		return DecodeLegacy(legacy), nil
	default:
		return Snapshot{}, fmt.Errorf("unrecognized configuration payload")
	}
}
