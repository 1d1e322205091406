package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-console/internal/calibration"
	"traffic-console/internal/client"
	"traffic-console/internal/config"
	"traffic-console/internal/http/middleware"
	"traffic-console/internal/model"
	"traffic-console/internal/repository"
	"traffic-console/internal/service"
	"traffic-console/internal/session"
)

// fakeBackend stands in for the analytics service behind the console.
type fakeBackend struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
	lanes    string
	zones    string
	failPost bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		bodies: make(map[string]string),
		lanes:  `{"lanes":[{"name":"North","line_a":[0.2,0.4,0.8,0.4],"line_b":[0.2,0.6,0.8,0.6],"distance":10}]}`,
		zones:  `{"zones":[{"name":"Zone 1","type":"direction","points":[[0.1,0.1],[0.9,0.1],[0.9,0.9],[0.1,0.9]]}]}`,
	}
}

func (f *fakeBackend) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(strings.Builder)
		if r.Body != nil {
			buf := make([]byte, 64*1024)
			for {
				n, err := r.Body.Read(buf)
				body.Write(buf[:n])
				if err != nil {
					break
				}
			}
		}

		f.mu.Lock()
		key := r.Method + " " + r.URL.Path
		f.requests = append(f.requests, key)
		f.bodies[key] = body.String()
		failPost := f.failPost
		f.mu.Unlock()

		if r.Method == http.MethodPost && failPost {
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/config/lanes":
			if r.Method == http.MethodGet {
				f.mu.Lock()
				lanes := f.lanes
				f.mu.Unlock()
				w.Write([]byte(lanes))
				return
			}
		case "/api/config/zones":
			if r.Method == http.MethodGet {
				f.mu.Lock()
				zones := f.zones
				f.mu.Unlock()
				w.Write([]byte(zones))
				return
			}
		case "/api/config/plate_line":
			if r.Method == http.MethodGet {
				w.Write([]byte(`{"line":null}`))
				return
			}
		case "/api/config/modules":
			if r.Method == http.MethodGet {
				w.Write([]byte(`{"modules":{"speed":true,"turn":false,"plate":true},"plate_trigger":"zone","speed_threshold":60}`))
				return
			}
		case "/api/videos":
			w.Write([]byte(`{"videos":["north.mp4","south.mp4"]}`))
			return
		case "/api/video_preview":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("jpegbytes"))
			return
		case "/api/offer":
			w.Write([]byte(`{"sdp":"v=0 remote","type":"answer"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
}

func (f *fakeBackend) saw(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r == key {
			return true
		}
	}
	return false
}

func (f *fakeBackend) bodyOf(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

type fakeEventStore struct {
	mu         sync.Mutex
	ingested   []service.IngestEventInput
	lastFilter repository.EventListFilter
	listResult []model.TrafficEvent
	deleteErr  error
}

func (f *fakeEventStore) Ingest(_ context.Context, input service.IngestEventInput) (*model.TrafficEvent, error) {
	if input.Kind != model.EventKindSpeed && input.Kind != model.EventKindTurn && input.Kind != model.EventKindPlate {
		return nil, service.ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, input)
	return &model.TrafficEvent{ID: int64(len(f.ingested)), Kind: input.Kind, VideoSource: input.VideoSource}, nil
}

func (f *fakeEventStore) List(_ context.Context, filter repository.EventListFilter) ([]model.TrafficEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return f.listResult, nil
}

func (f *fakeEventStore) Delete(_ context.Context, _ int64) error { return f.deleteErr }
func (f *fakeEventStore) Clear(_ context.Context) error           { return nil }

type stubPeer struct {
	gather chan struct{}
}

func newStubPeer() *stubPeer {
	p := &stubPeer{gather: make(chan struct{})}
	close(p.gather)
	return p
}

func (p *stubPeer) AddVideoTransceiver() error { return nil }
func (p *stubPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local"}, nil
}
func (p *stubPeer) SetLocalDescription(webrtc.SessionDescription) error { return nil }
func (p *stubPeer) LocalDescription() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local"}
}
func (p *stubPeer) SetRemoteDescription(webrtc.SessionDescription) error   { return nil }
func (p *stubPeer) GatheringComplete() <-chan struct{}                     { return p.gather }
func (p *stubPeer) OnTrack(func(*webrtc.TrackRemote))                      {}
func (p *stubPeer) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (p *stubPeer) Close() error                                           { return nil }

type fixture struct {
	router  *gin.Engine
	backend *fakeBackend
	events  *fakeEventStore
	store   *calibration.Store
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := newFakeBackend()
	srv := backend.server()
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Backend: config.BackendConfig{URL: srv.URL, Timeout: time.Second},
		WebRTC:  config.WebRTCConfig{GatherTimeout: time.Second},
	}
	backendClient := client.NewAnalyticsClient(cfg)

	store := calibration.NewStore(backendClient, zerolog.Nop())
	store.Load(context.Background(), 0, 0)

	negotiator := session.NewNegotiator(
		func() (session.PeerConnection, error) { return newStubPeer(), nil },
		backendClient,
		cfg.WebRTC,
		zerolog.Nop(),
	)

	events := &fakeEventStore{}
	hub := NewEventHub(zerolog.Nop())
	handler := NewHandler(events, store, negotiator, backendClient, hub, zerolog.Nop())
	router := NewRouter(handler, middleware.InternalToken(token), "test")

	return &fixture{router: router, backend: backend, events: events, store: store}
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListVideosProxiesBackend(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/videos", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "north.mp4")
	assert.True(t, f.backend.saw("GET /api/videos"))
}

func TestVideoPreviewRequiresSource(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/video_preview", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVideoPreviewStreamsImage(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/video_preview?video_source=north.mp4", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "jpegbytes", w.Body.String())
}

func TestGetLanesServesNormalizedGeometry(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/config/lanes", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var p calibration.LanesPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	require.Len(t, p.Lanes, 1)
	assert.Equal(t, "North", p.Lanes[0].Name)
	assert.Equal(t, [4]float64{0.2, 0.4, 0.8, 0.4}, p.Lanes[0].LineA)
}

func TestPostLanesAppliesAndSaves(t *testing.T) {
	f := newFixture(t, "")
	body := `{"lanes":[{"name":"Rebuilt","line_a":[0.1,0.3,0.9,0.3],"line_b":[0.1,0.5,0.9,0.5],"distance":7}]}`
	w := f.do(http.MethodPost, "/api/config/lanes", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.backend.saw("POST /api/config/lanes"))
	assert.Contains(t, f.backend.bodyOf("POST /api/config/lanes"), "Rebuilt")

	// Geometry served afterwards reflects the new lane set.
	get := f.do(http.MethodGet, "/api/config/lanes", "", nil)
	assert.Contains(t, get.Body.String(), "Rebuilt")
}

func TestPostZonesSaveFailureReported(t *testing.T) {
	f := newFixture(t, "")
	f.backend.mu.Lock()
	f.backend.failPost = true
	f.backend.mu.Unlock()

	body := `{"zones":[{"name":"Z","type":"direction","points":[[0,0],[1,0],[1,1],[0,1]]}]}`
	w := f.do(http.MethodPost, "/api/config/zones", body, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLegacyZoneEndpoint(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/config/zone", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var payload calibration.LegacyPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Len(t, payload.Zone, 8)
}

func TestLegacyLinesEndpointServesFirstLane(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/config/lines", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Line1    [4]float64 `json:"line1"`
		Line2    [4]float64 `json:"line2"`
		Distance float64    `json:"distance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, [4]float64{0.2, 0.4, 0.8, 0.4}, body.Line1)
	assert.Equal(t, 10.0, body.Distance)
}

func TestCombinedConfigExport(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/config", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Lanes []calibration.LaneWire `json:"lanes"`
		Zones []calibration.ZoneWire `json:"zones"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Lanes, 1)
	require.Len(t, body.Zones, 1)
	assert.Equal(t, "North", body.Lanes[0].Name)
}

func TestImportLegacyConfig(t *testing.T) {
	f := newFixture(t, "")
	body := `{"zone":[0.1,0.2,0.9,0.2,0.9,0.8,0.1,0.8],"distance":12}`
	w := f.do(http.MethodPost, "/api/config/import", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	// The import replaces every scope and saves the current schema.
	assert.True(t, f.backend.saw("POST /api/config/zones"))
	assert.True(t, f.backend.saw("POST /api/config/lanes"))
	assert.Contains(t, f.backend.bodyOf("POST /api/config/zones"), "0.1")

	zones := f.do(http.MethodGet, "/api/config/zones", "", nil)
	var p calibration.ZonesPayload
	require.NoError(t, json.Unmarshal(zones.Body.Bytes(), &p))
	require.Len(t, p.Zones, 1)
	assert.Equal(t, [2]float64{0.1, 0.2}, p.Zones[0].Points[0])

	lanes := f.do(http.MethodGet, "/api/config/lanes", "", nil)
	assert.Contains(t, lanes.Body.String(), `"lanes":[]`)
}

func TestImportCurrentConfig(t *testing.T) {
	f := newFixture(t, "")
	body := `{"zones":[],"lanes":[{"name":"Imported","line_a":[0.1,0.4,0.9,0.4],"line_b":[0.1,0.6,0.9,0.6],"distance":8}]}`
	w := f.do(http.MethodPost, "/api/config/import", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	lanes := f.do(http.MethodGet, "/api/config/lanes", "", nil)
	assert.Contains(t, lanes.Body.String(), "Imported")
}

func TestImportRejectsUnrecognizedPayload(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, "/api/config/import", `{"something":"else"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// State is untouched by the rejected import.
	lanes := f.do(http.MethodGet, "/api/config/lanes", "", nil)
	assert.Contains(t, lanes.Body.String(), "North")
}

func TestViewportSwitchesStoreToPixelSpace(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, "/api/calibration/viewport", `{"width":1280,"height":720}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	width, height := f.store.Dimensions()
	assert.Equal(t, 1280.0, width)
	assert.Equal(t, 720.0, height)

	snap := f.store.SnapshotCopy()
	require.Len(t, snap.Lanes, 1)
	assert.Equal(t, 256.0, snap.Lanes[0].LineA.P0.X) // 0.2 * 1280
	assert.Equal(t, 288.0, snap.Lanes[0].LineA.P0.Y) // 0.4 * 720

	// Served geometry stays normalized regardless of viewport.
	lanes := f.do(http.MethodGet, "/api/config/lanes", "", nil)
	var p calibration.LanesPayload
	require.NoError(t, json.Unmarshal(lanes.Body.Bytes(), &p))
	assert.Equal(t, [4]float64{0.2, 0.4, 0.8, 0.4}, p.Lanes[0].LineA)
}

func TestViewportRejectsNonPositiveDimensions(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, "/api/calibration/viewport", `{"width":0,"height":720}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModulesPassthrough(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/config/modules", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"speed_threshold":60`)

	post := f.do(http.MethodPost, "/api/config/modules", `{"modules":{"speed":false,"turn":true,"plate":false},"plate_trigger":"always","speed_threshold":80}`, nil)
	require.Equal(t, http.StatusOK, post.Code)
	assert.Contains(t, f.backend.bodyOf("POST /api/config/modules"), "always")
}

func TestProxyOfferValidatesBody(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, "/api/offer", `{"video_source":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxyOfferForwardsAnswer(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, "/api/offer", `{"sdp":"v=0 local","type":"offer","video_source":"north.mp4"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var answer client.OfferAnswer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &answer))
	assert.Equal(t, "answer", answer.Type)
	assert.Contains(t, f.backend.bodyOf("POST /api/offer"), "north.mp4")
}

func TestControlEndpoints(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/control/pause", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/control/resume", "", nil).Code)
	assert.True(t, f.backend.saw("POST /api/control/pause"))
	assert.True(t, f.backend.saw("POST /api/control/resume"))
}

func TestIngestEventRequiresToken(t *testing.T) {
	f := newFixture(t, "sekret")
	body := `{"kind":"speed","class_name":"car","video_source":"north.mp4"}`

	w := f.do(http.MethodPost, "/api/events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/events", body, map[string]string{"X-Internal-Token": "sekret"})
	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, f.events.ingested, 1)
	assert.Equal(t, "north.mp4", f.events.ingested[0].VideoSource)
}

func TestIngestRejectsUnknownKind(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, "/api/events", `{"kind":"volume","video_source":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEventsBuildsFilter(t *testing.T) {
	f := newFixture(t, "")
	f.events.listResult = []model.TrafficEvent{{ID: 7, Kind: "speed", VideoSource: "north.mp4"}}

	w := f.do(http.MethodGet, "/api/events?limit=5&kind=Speed&video_source=north.mp4", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":7`)

	assert.Equal(t, 5, f.events.lastFilter.Limit)
	require.NotNil(t, f.events.lastFilter.Kind)
	assert.Equal(t, "speed", *f.events.lastFilter.Kind)
	require.NotNil(t, f.events.lastFilter.VideoSource)
}

func TestDeleteEventNotFound(t *testing.T) {
	f := newFixture(t, "")
	f.events.deleteErr = service.ErrNotFound
	w := f.do(http.MethodDelete, "/api/events/99", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteEventInvalidID(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodDelete, "/api/events/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(http.MethodPost, "/api/session/start", `{"video_source":"north.mp4","target_classes":["car"]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, f.backend.bodyOf("POST /api/offer"), "north.mp4")

	status := f.do(http.MethodGet, "/api/session/status", "", nil)
	assert.Contains(t, status.Body.String(), string(session.StateConnecting))

	stop := f.do(http.MethodPost, "/api/session/stop", "", nil)
	require.Equal(t, http.StatusOK, stop.Code)
	assert.Contains(t, stop.Body.String(), string(session.StateStopped))
}

func TestSessionStartRequiresSource(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, "/api/session/start", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
