package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"traffic-console/internal/calibration"
	"traffic-console/internal/client"
	"traffic-console/internal/model"
	"traffic-console/internal/repository"
	"traffic-console/internal/service"
	"traffic-console/internal/session"
)

// EventStore is the slice of the event service the handlers need.
type EventStore interface {
	Ingest(ctx context.Context, input service.IngestEventInput) (*model.TrafficEvent, error)
	List(ctx context.Context, filter repository.EventListFilter) ([]model.TrafficEvent, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context) error
}

type Handler struct {
	events     EventStore
	store      *calibration.Store
	negotiator *session.Negotiator
	backend    *client.AnalyticsClient
	hub        *EventHub
	log        zerolog.Logger
}

func NewHandler(
	events EventStore,
	store *calibration.Store,
	negotiator *session.Negotiator,
	backend *client.AnalyticsClient,
	hub *EventHub,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		events:     events,
		store:      store,
		negotiator: negotiator,
		backend:    backend,
		hub:        hub,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, ingestToken gin.HandlerFunc) {
	api := r.Group("/api")
	{
		api.GET("/videos", h.listVideos)
		api.POST("/videos/upload", h.uploadVideo)
		api.POST("/upload", h.uploadVideo) // old dashboard path
		api.GET("/video_preview", h.videoPreview)

		api.POST("/offer", h.proxyOffer)

		cfg := api.Group("/config")
		{
			cfg.GET("", h.getConfig)
			cfg.POST("/import", h.importConfig)
			cfg.GET("/lanes", h.getLanes)
			cfg.POST("/lanes", h.postLanes)
			cfg.GET("/zones", h.getZones)
			cfg.POST("/zones", h.postZones)
			cfg.GET("/plate_line", h.getPlateLine)
			cfg.POST("/plate_line", h.postPlateLine)
			cfg.GET("/zone", h.getLegacyZone)
			cfg.GET("/lines", h.getLegacyLines)
			cfg.GET("/modules", h.getModules)
			cfg.POST("/modules", h.postModules)
		}

		api.POST("/calibration/viewport", h.setViewport)

		api.POST("/control/pause", h.pausePlayback)
		api.POST("/control/resume", h.resumePlayback)

		api.GET("/events", h.listEvents)
		api.POST("/events", ingestToken, h.ingestEvent)
		api.DELETE("/events/:id", h.deleteEvent)
		api.DELETE("/events", h.clearEvents)
		api.GET("/events/ws", h.hub.Serve)

		api.POST("/session/start", h.startSession)
		api.POST("/session/stop", h.stopSession)
		api.GET("/session/status", h.sessionStatus)
	}
}

// ---- videos ----

func (h *Handler) listVideos(c *gin.Context) {
	videos, err := h.backend.ListVideos(c.Request.Context())
	if err != nil {
		h.backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"videos": videos}))
}

func (h *Handler) uploadVideo(c *gin.Context) {
	contentType := c.GetHeader("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		c.JSON(http.StatusBadRequest, errorResponse("multipart upload expected"))
		return
	}
	if err := h.backend.UploadVideo(c.Request.Context(), contentType, c.Request.Body); err != nil {
		h.backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"status": "uploaded"}))
}

func (h *Handler) videoPreview(c *gin.Context) {
	source := strings.TrimSpace(c.Query("video_source"))
	if source == "" {
		c.JSON(http.StatusBadRequest, errorResponse("video_source is required"))
		return
	}

	body, contentType, err := h.backend.Preview(c.Request.Context(), source)
	if err != nil {
		h.backendError(c, err)
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "image/jpeg"
	}
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, body)
}

// ---- negotiation proxy ----

// proxyOffer forwards a caller-built offer unchanged. Callers that want
// the console to own the peer use /api/session/start instead.
func (h *Handler) proxyOffer(c *gin.Context) {
	var req client.OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if req.SDP == "" || req.Type == "" {
		c.JSON(http.StatusBadRequest, errorResponse("sdp and type are required"))
		return
	}

	answer, err := h.backend.SendOffer(c.Request.Context(), req)
	if err != nil {
		h.backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

// ---- calibration config ----
// GETs serve normalized geometry from the store; POSTs apply and save
// one scope, leaving the others untouched.

// getConfig exports the whole calibration in one current-schema
// payload, the same shape importConfig accepts.
func (h *Handler) getConfig(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lanes": h.store.NormalizedLanes().Lanes,
		"zones": h.store.NormalizedZones().Zones,
		"line":  h.store.NormalizedPlateLine().Line,
	})
}

// importConfig replaces the whole calibration from a raw payload of
// either schema era and saves every scope.
func (h *Handler) importConfig(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("unreadable body"))
		return
	}
	if err := h.store.ImportRaw(raw); err != nil {
		h.handleError(c, err)
		return
	}
	for _, scope := range []calibration.Scope{calibration.ScopeLanes, calibration.ScopeZones, calibration.ScopePlateLine} {
		if err := h.store.Save(c.Request.Context(), scope); err != nil {
			h.handleError(c, err)
			return
		}
	}
	h.getConfig(c)
}

func (h *Handler) getLanes(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	c.JSON(http.StatusOK, h.store.NormalizedLanes())
}

func (h *Handler) postLanes(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	var p calibration.LanesPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	h.store.ApplyLanes(p)
	if err := h.store.Save(c.Request.Context(), calibration.ScopeLanes); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.store.NormalizedLanes()))
}

func (h *Handler) getZones(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	c.JSON(http.StatusOK, h.store.NormalizedZones())
}

func (h *Handler) postZones(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	var p calibration.ZonesPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	h.store.ApplyZones(p)
	if err := h.store.Save(c.Request.Context(), calibration.ScopeZones); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.store.NormalizedZones()))
}

func (h *Handler) getPlateLine(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	c.JSON(http.StatusOK, h.store.NormalizedPlateLine())
}

func (h *Handler) postPlateLine(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	var p calibration.PlateLinePayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	h.store.ApplyPlateLine(p)
	if err := h.store.Save(c.Request.Context(), calibration.ScopePlateLine); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(h.store.NormalizedPlateLine()))
}

func (h *Handler) getLegacyZone(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	c.JSON(http.StatusOK, h.store.LegacyZonePayload())
}

// getLegacyLines serves the first lane in the old line-pair shape for
// dashboards that predate multi-lane calibration.
func (h *Handler) getLegacyLines(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	lanes := h.store.NormalizedLanes()
	if len(lanes.Lanes) == 0 {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	first := lanes.Lanes[0]
	c.JSON(http.StatusOK, gin.H{
		"line1":    first.LineA,
		"line2":    first.LineB,
		"distance": first.Distance,
	})
}

func (h *Handler) getModules(c *gin.Context) {
	modules, err := h.backend.FetchModules(c.Request.Context())
	if err != nil {
		h.backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, modules)
}

func (h *Handler) postModules(c *gin.Context) {
	var m client.ModulesConfig
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := h.backend.StoreModules(c.Request.Context(), m); err != nil {
		h.backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(m))
}

// ---- calibration viewport ----

// setViewport lets the dashboard report its rendered frame size so the
// store keeps pixel-space geometry for drag editing. Without it the
// store operates in normalized space.
func (h *Handler) setViewport(c *gin.Context) {
	if !h.requireLoaded(c) {
		return
	}
	var req struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if req.Width <= 0 || req.Height <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("width and height must be positive"))
		return
	}
	h.store.Resize(req.Width, req.Height)
	c.JSON(http.StatusOK, successResponse(gin.H{"width": req.Width, "height": req.Height}))
}

// ---- playback control ----

func (h *Handler) pausePlayback(c *gin.Context) {
	if err := h.backend.Pause(c.Request.Context()); err != nil {
		h.backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"status": "paused"}))
}

func (h *Handler) resumePlayback(c *gin.Context) {
	if err := h.backend.Resume(c.Request.Context()); err != nil {
		h.backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"status": "resumed"}))
}

// ---- events ----

func (h *Handler) listEvents(c *gin.Context) {
	var filter repository.EventListFilter

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, errorResponse("invalid limit"))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("kind"); raw != "" {
		kind := strings.ToLower(strings.TrimSpace(raw))
		filter.Kind = &kind
	}
	if raw := c.Query("video_source"); raw != "" {
		filter.VideoSource = &raw
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid since timestamp"))
			return
		}
		filter.Since = &since
	}

	events, err := h.events.List(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) ingestEvent(c *gin.Context) {
	var input service.IngestEventInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	event, err := h.events.Ingest(c.Request.Context(), input)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(event))
}

func (h *Handler) deleteEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid event id"))
		return
	}
	if err := h.events.Delete(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}

func (h *Handler) clearEvents(c *gin.Context) {
	if err := h.events.Clear(c.Request.Context()); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}

// ---- session ----

func (h *Handler) startSession(c *gin.Context) {
	var req struct {
		VideoSource   string   `json:"video_source" binding:"required"`
		TargetClasses []string `json:"target_classes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	err := h.negotiator.Start(c.Request.Context(), req.VideoSource, req.TargetClasses)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, successResponse(h.negotiator.Status()))
	case errors.Is(err, session.ErrNegotiationInFlight), errors.Is(err, session.ErrStaleNegotiation):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("session start failed")
		c.JSON(http.StatusBadGateway, errorResponse(err.Error()))
	}
}

func (h *Handler) stopSession(c *gin.Context) {
	h.negotiator.Stop()
	c.JSON(http.StatusOK, successResponse(h.negotiator.Status()))
}

func (h *Handler) sessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.negotiator.Status()))
}

// ---- helpers ----

func (h *Handler) requireLoaded(c *gin.Context) bool {
	if !h.store.Loaded() {
		c.JSON(http.StatusConflict, errorResponse("calibration not loaded"))
		return false
	}
	return true
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, calibration.ErrBadPayload):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrConflict), errors.Is(err, calibration.ErrNotLoaded):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func (h *Handler) backendError(c *gin.Context, err error) {
	h.log.Error().Err(err).Msg("backend request failed")
	c.JSON(http.StatusBadGateway, errorResponse(err.Error()))
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
