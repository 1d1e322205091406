package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-console/internal/drag"
	"traffic-console/internal/geometry"
)

var (
	ErrNotLoaded    = errors.New("calibration not loaded")
	ErrUnknownScope = errors.New("unknown calibration scope")
	ErrNoSuchTarget = errors.New("no such drag target")
	ErrBadPayload   = errors.New("unrecognized calibration payload")
)

// Scope selects which slice of the calibration a save touches. Scopes
// persist independently; saving lanes never rewrites zones or the plate
// line.
type Scope string

const (
	ScopeLanes     Scope = "lanes"
	ScopeZones     Scope = "zones"
	ScopePlateLine Scope = "plate_line"
)

// ConfigClient is the slice of the backend API the store needs. The
// analytics client implements it.
type ConfigClient interface {
	FetchLanes(ctx context.Context) (LanesPayload, error)
	StoreLanes(ctx context.Context, p LanesPayload) error
	FetchZones(ctx context.Context) (ZonesPayload, error)
	StoreZones(ctx context.Context, p ZonesPayload) error
	FetchPlateLine(ctx context.Context) (PlateLinePayload, error)
	StorePlateLine(ctx context.Context, p PlateLinePayload) error
	FetchLegacyConfig(ctx context.Context) (LegacyPayload, error)
}

// Snapshot is the whole in-memory calibration. Inside the store it is
// held in pixel space; everything that leaves for the backend is
// normalized first.
type Snapshot struct {
	Lanes     []geometry.Lane
	Zones     []geometry.Zone
	PlateLine *geometry.Line

	// LegacyDistance survives a legacy single-zone read so that the
	// read-compatible endpoints can still serve it.
	LegacyDistance float64
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{LegacyDistance: s.LegacyDistance}
	if s.Lanes != nil {
		out.Lanes = make([]geometry.Lane, len(s.Lanes))
		copy(out.Lanes, s.Lanes)
	}
	if s.Zones != nil {
		out.Zones = make([]geometry.Zone, len(s.Zones))
		copy(out.Zones, s.Zones)
	}
	if s.PlateLine != nil {
		l := *s.PlateLine
		out.PlateLine = &l
	}
	return out
}

func (s Snapshot) toPixel(w, h float64) Snapshot {
	out := s.Clone()
	for i, l := range out.Lanes {
		out.Lanes[i] = l.ToPixel(w, h)
	}
	for i, z := range out.Zones {
		out.Zones[i] = z.ToPixel(w, h)
	}
	if out.PlateLine != nil {
		l := out.PlateLine.ToPixel(w, h)
		out.PlateLine = &l
	}
	return out
}

func (s Snapshot) toNormalized(w, h float64) Snapshot {
	out := s.Clone()
	for i, l := range out.Lanes {
		out.Lanes[i] = l.ToNormalized(w, h)
	}
	for i, z := range out.Zones {
		out.Zones[i] = z.ToNormalized(w, h)
	}
	if out.PlateLine != nil {
		l := out.PlateLine.ToNormalized(w, h)
		out.PlateLine = &l
	}
	return out
}

// Store is the single source of truth for the active calibration, its
// revert copy, and the pixel/normalized conversion boundary. All methods
// are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	client ConfigClient
	log    zerolog.Logger

	width  float64
	height float64
	loaded bool

	snap  Snapshot // live, pixel space
	saved Snapshot // revert copy, pixel space
}

func NewStore(client ConfigClient, log zerolog.Logger) *Store {
	return &Store{
		client: client,
		log:    log.With().Str("component", "calibration").Logger(),
	}
}

// defaultSnapshot is the centered rectangle the editor falls back to
// when nothing is persisted yet or the backend cannot be reached. The
// operator always has something sensible to drag.
func defaultSnapshot() Snapshot {
	return Snapshot{
		Zones: []geometry.Zone{{
			ID:      uuid.NewString(),
			Name:    "Zone 1",
			Type:    geometry.ZoneDirection,
			Polygon: geometry.Rect(0.3, 0.3, 0.7, 0.7),
		}},
		LegacyDistance: 5,
	}
}

// Load fetches the persisted calibration and denormalizes it to pixel
// space at the given display dimensions. Either schema era is accepted;
// the current one wins when both exist. Load never fails: any fetch
// problem degrades to the default rectangle.
func (s *Store) Load(ctx context.Context, width, height float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.width = width
	s.height = height

	norm := s.fetchNormalized(ctx)
	s.snap = norm.toPixel(width, height)
	s.saved = s.snap.Clone()
	s.loaded = true

	s.log.Info().
		Float64("width", width).
		Float64("height", height).
		Int("lanes", len(s.snap.Lanes)).
		Int("zones", len(s.snap.Zones)).
		Bool("plate_line", s.snap.PlateLine != nil).
		Msg("calibration loaded")
}

func (s *Store) fetchNormalized(ctx context.Context) Snapshot {
	var snap Snapshot

	lanes, lanesErr := s.client.FetchLanes(ctx)
	if lanesErr != nil {
		s.log.Warn().Err(lanesErr).Msg("lane config fetch failed")
	} else {
		snap.Lanes = DecodeLanes(lanes)
	}

	zones, zonesErr := s.client.FetchZones(ctx)
	if zonesErr != nil {
		s.log.Warn().Err(zonesErr).Msg("zone config fetch failed")
	} else {
		snap.Zones = DecodeZones(zones)
	}

	plate, plateErr := s.client.FetchPlateLine(ctx)
	if plateErr == nil {
		snap.PlateLine = DecodePlateLine(plate)
	}

	if len(snap.Lanes) > 0 || len(snap.Zones) > 0 {
		return snap
	}

	legacy, err := s.client.FetchLegacyConfig(ctx)
	if err == nil && !legacy.empty() {
		old := DecodeLegacy(legacy)
		old.PlateLine = snap.PlateLine
		return old
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("legacy config fetch failed")
	}

	s.log.Info().Msg("no persisted calibration, using default zone")
	def := defaultSnapshot()
	def.PlateLine = snap.PlateLine
	return def
}

// Resize re-derives pixel space after the rendered video changes size.
// Normalized values are unaffected.
func (s *Store) Resize(width, height float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || width <= 0 || height <= 0 {
		s.width = width
		s.height = height
		return
	}
	s.snap = s.snap.toNormalized(s.width, s.height).toPixel(width, height)
	s.saved = s.saved.toNormalized(s.width, s.height).toPixel(width, height)
	s.width = width
	s.height = height
}

// BeginEdit clones the live snapshot into the revert copy so a later
// CancelEdit can restore it.
func (s *Store) BeginEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = s.snap.Clone()
}

// CancelEdit discards in-progress edits and restores the revert copy.
func (s *Store) CancelEdit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = s.saved.Clone()
}

// Save normalizes one scope at the current dimensions, sends it to the
// backend and, on success, replaces that scope's revert copy with the
// just-saved state. On failure the in-memory snapshot and revert copy
// are left untouched.
func (s *Store) Save(ctx context.Context, scope Scope) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	snap := s.snap.Clone()
	w, h := s.width, s.height
	s.mu.Unlock()

	var err error
	switch scope {
	case ScopeLanes:
		lanes := make([]geometry.Lane, len(snap.Lanes))
		for i, l := range snap.Lanes {
			lanes[i] = l.ToNormalized(w, h)
		}
		err = s.client.StoreLanes(ctx, EncodeLanes(lanes))
	case ScopeZones:
		zones := make([]geometry.Zone, len(snap.Zones))
		for i, z := range snap.Zones {
			zones[i] = z.ToNormalized(w, h)
		}
		err = s.client.StoreZones(ctx, EncodeZones(zones))
	case ScopePlateLine:
		var line *geometry.Line
		if snap.PlateLine != nil {
			l := snap.PlateLine.ToNormalized(w, h)
			line = &l
		}
		err = s.client.StorePlateLine(ctx, EncodePlateLine(line))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	if err != nil {
		s.log.Error().Err(err).Str("scope", string(scope)).Msg("calibration save failed")
		return err
	}

	s.mu.Lock()
	switch scope {
	case ScopeLanes:
		s.saved.Lanes = append([]geometry.Lane(nil), s.snap.Lanes...)
	case ScopeZones:
		s.saved.Zones = append([]geometry.Zone(nil), s.snap.Zones...)
	case ScopePlateLine:
		s.saved.PlateLine = nil
		if s.snap.PlateLine != nil {
			l := *s.snap.PlateLine
			s.saved.PlateLine = &l
		}
	}
	s.mu.Unlock()

	s.log.Info().Str("scope", string(scope)).Msg("calibration saved")
	return nil
}

// SnapshotCopy returns a deep copy of the live pixel-space snapshot.
// The store never hands out a mutable alias of its own state.
func (s *Store) SnapshotCopy() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

func (s *Store) Dimensions() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// NormalizedLanes serializes the live lanes for the wire.
func (s *Store) NormalizedLanes() LanesPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	lanes := make([]geometry.Lane, len(s.snap.Lanes))
	for i, l := range s.snap.Lanes {
		lanes[i] = l.ToNormalized(s.width, s.height)
	}
	return EncodeLanes(lanes)
}

func (s *Store) NormalizedZones() ZonesPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	zones := make([]geometry.Zone, len(s.snap.Zones))
	for i, z := range s.snap.Zones {
		zones[i] = z.ToNormalized(s.width, s.height)
	}
	return EncodeZones(zones)
}

func (s *Store) NormalizedPlateLine() PlateLinePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.PlateLine == nil {
		return PlateLinePayload{}
	}
	l := s.snap.PlateLine.ToNormalized(s.width, s.height)
	return EncodePlateLine(&l)
}

// LegacyZonePayload serves the old single-zone read shape from the
// current model: the first zone's polygon plus the remembered distance.
func (s *Store) LegacyZonePayload() LegacyPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snap.Zones) == 0 {
		return LegacyPayload{}
	}
	q := s.snap.Zones[0].Polygon.ToNormalized(s.width, s.height)
	flat := make([]float64, 0, 8)
	for _, p := range q {
		flat = append(flat, p.X, p.Y)
	}
	return LegacyPayload{Polygon: flat, Distance: s.snap.LegacyDistance}
}

// ApplyLanes replaces the lane set from a normalized wire payload.
func (s *Store) ApplyLanes(p LanesPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lanes := DecodeLanes(p)
	for i, l := range lanes {
		lanes[i] = l.ToPixel(s.width, s.height)
	}
	s.snap.Lanes = lanes
}

func (s *Store) ApplyZones(p ZonesPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zones := DecodeZones(p)
	for i, z := range zones {
		zones[i] = z.ToPixel(s.width, s.height)
	}
	s.snap.Zones = zones
}

func (s *Store) ApplyPlateLine(p PlateLinePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := DecodePlateLine(p)
	if line != nil {
		l := line.ToPixel(s.width, s.height)
		line = &l
	}
	s.snap.PlateLine = line
}

// ImportRaw replaces the whole calibration from one raw payload of
// either era (see DecodeConfigPayload). Used to migrate a saved config
// in one shot; nothing is persisted until the scopes are saved.
func (s *Store) ImportRaw(raw []byte) error {
	snap, err := DecodeConfigPayload(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap.toPixel(s.width, s.height)
	return nil
}

// AddLane appends a lane with the conventional starting geometry and
// returns it. Nothing is persisted until Save(ScopeLanes).
func (s *Store) AddLane() geometry.Lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane := geometry.Lane{
		Name: fmt.Sprintf("Lane %d", len(s.snap.Lanes)+1),
		LineA: geometry.Line{
			P0: geometry.Point{X: s.width * 0.3, Y: s.height * 0.4},
			P1: geometry.Point{X: s.width * 0.7, Y: s.height * 0.4},
		},
		LineB: geometry.Line{
			P0: geometry.Point{X: s.width * 0.3, Y: s.height * 0.6},
			P1: geometry.Point{X: s.width * 0.7, Y: s.height * 0.6},
		},
		Distance: 5,
	}
	s.snap.Lanes = append(s.snap.Lanes, lane)
	return lane
}

func (s *Store) RemoveLane(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.snap.Lanes) {
		return fmt.Errorf("%w: lane %d", ErrNoSuchTarget, idx)
	}
	s.snap.Lanes = append(s.snap.Lanes[:idx], s.snap.Lanes[idx+1:]...)
	return nil
}

func (s *Store) UpdateLane(idx int, name string, distance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.snap.Lanes) {
		return fmt.Errorf("%w: lane %d", ErrNoSuchTarget, idx)
	}
	if name != "" {
		s.snap.Lanes[idx].Name = name
	}
	if distance >= 0 {
		s.snap.Lanes[idx].Distance = distance
	}
	return nil
}

// AddZone appends a zone of the given type with the conventional
// starting rectangle and a fresh ID.
func (s *Store) AddZone(t geometry.ZoneType) (geometry.Zone, error) {
	if !t.Valid() {
		return geometry.Zone{}, fmt.Errorf("invalid zone type %q", t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, z := range s.snap.Zones {
		if z.Type == t {
			n++
		}
	}
	label := "Direction"
	if t == geometry.ZonePlate {
		label = "Plate"
	}
	zone := geometry.Zone{
		ID:      uuid.NewString(),
		Name:    fmt.Sprintf("%s Zone %d", label, n+1),
		Type:    t,
		Polygon: geometry.Rect(0.2*s.width, 0.3*s.height, 0.8*s.width, 0.7*s.height),
	}
	s.snap.Zones = append(s.snap.Zones, zone)
	return zone, nil
}

func (s *Store) RemoveZone(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, z := range s.snap.Zones {
		if z.ID == id {
			s.snap.Zones = append(s.snap.Zones[:i], s.snap.Zones[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: zone %s", ErrNoSuchTarget, id)
}

func (s *Store) RenameZone(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snap.Zones {
		if s.snap.Zones[i].ID == id {
			s.snap.Zones[i].Name = name
			return nil
		}
	}
	return fmt.Errorf("%w: zone %s", ErrNoSuchTarget, id)
}

// SetPlateLine replaces the plate-capture line; nil means no trigger
// line is configured.
func (s *Store) SetPlateLine(line *geometry.Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if line == nil {
		s.snap.PlateLine = nil
		return
	}
	l := *line
	s.snap.PlateLine = &l
}

// DefaultPlateLine is the conventional starting position for a newly
// added plate line at the current dimensions.
func (s *Store) DefaultPlateLine() geometry.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return geometry.Line{
		P0: geometry.Point{X: s.width * 0.2, Y: s.height * 0.6},
		P1: geometry.Point{X: s.width * 0.8, Y: s.height * 0.6},
	}
}

// SetVertex implements drag.Sink: replace exactly one vertex of the
// addressed shape with a new pixel-space position.
func (s *Store) SetVertex(t drag.Target, p geometry.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.Kind {
	case drag.KindLane:
		if t.LaneIndex < 0 || t.LaneIndex >= len(s.snap.Lanes) {
			return fmt.Errorf("%w: lane %d", ErrNoSuchTarget, t.LaneIndex)
		}
		lane := &s.snap.Lanes[t.LaneIndex]
		line := &lane.LineA
		if t.Line == drag.LineB {
			line = &lane.LineB
		}
		switch t.Vertex {
		case 0:
			line.P0 = p
		case 1:
			line.P1 = p
		default:
			return fmt.Errorf("%w: lane vertex %d", ErrNoSuchTarget, t.Vertex)
		}
		return nil
	case drag.KindZone, drag.KindLegacyZone:
		z := s.findZoneLocked(t)
		if z == nil {
			return fmt.Errorf("%w: zone %s", ErrNoSuchTarget, t.ZoneID)
		}
		if t.Vertex < 0 || t.Vertex > 3 {
			return fmt.Errorf("%w: zone vertex %d", ErrNoSuchTarget, t.Vertex)
		}
		z.Polygon[t.Vertex] = p
		return nil
	case drag.KindPlateLine:
		if s.snap.PlateLine == nil {
			return fmt.Errorf("%w: plate line not set", ErrNoSuchTarget)
		}
		switch t.Vertex {
		case 0:
			s.snap.PlateLine.P0 = p
		case 1:
			s.snap.PlateLine.P1 = p
		default:
			return fmt.Errorf("%w: plate vertex %d", ErrNoSuchTarget, t.Vertex)
		}
		return nil
	}
	return fmt.Errorf("%w: kind %d", ErrNoSuchTarget, t.Kind)
}

// TranslateTarget implements drag.Sink: rigid translation of the whole
// addressed shape.
func (s *Store) TranslateTarget(t drag.Target, dx, dy float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.Kind {
	case drag.KindLane:
		if t.LaneIndex < 0 || t.LaneIndex >= len(s.snap.Lanes) {
			return fmt.Errorf("%w: lane %d", ErrNoSuchTarget, t.LaneIndex)
		}
		lane := &s.snap.Lanes[t.LaneIndex]
		switch t.Line {
		case drag.LineA:
			lane.LineA = lane.LineA.Translate(dx, dy)
		case drag.LineB:
			lane.LineB = lane.LineB.Translate(dx, dy)
		default:
			lane.LineA = lane.LineA.Translate(dx, dy)
			lane.LineB = lane.LineB.Translate(dx, dy)
		}
		return nil
	case drag.KindZone, drag.KindLegacyZone:
		z := s.findZoneLocked(t)
		if z == nil {
			return fmt.Errorf("%w: zone %s", ErrNoSuchTarget, t.ZoneID)
		}
		z.Polygon = z.Polygon.Translate(dx, dy)
		return nil
	case drag.KindPlateLine:
		if s.snap.PlateLine == nil {
			return fmt.Errorf("%w: plate line not set", ErrNoSuchTarget)
		}
		*s.snap.PlateLine = s.snap.PlateLine.Translate(dx, dy)
		return nil
	}
	return fmt.Errorf("%w: kind %d", ErrNoSuchTarget, t.Kind)
}

func (s *Store) findZoneLocked(t drag.Target) *geometry.Zone {
	if t.Kind == drag.KindLegacyZone {
		if len(s.snap.Zones) == 0 {
			return nil
		}
		return &s.snap.Zones[0]
	}
	for i := range s.snap.Zones {
		if s.snap.Zones[i].ID == t.ZoneID {
			return &s.snap.Zones[i]
		}
	}
	return nil
}
