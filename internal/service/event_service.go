package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"traffic-console/internal/model"
	"traffic-console/internal/repository"
	"traffic-console/internal/utils"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// EventService validates and stores detections pushed by the analytics
// backend, and fans them out to live subscribers.
type EventService struct {
	eventRepo *repository.EventRepository
	log       zerolog.Logger
	broadcast func(model.TrafficEvent)
}

func NewEventService(eventRepo *repository.EventRepository, log zerolog.Logger) *EventService {
	return &EventService{
		eventRepo: eventRepo,
		log:       log.With().Str("component", "events").Logger(),
	}
}

// SetBroadcast installs the live-feed fanout. Must be called before the
// service starts receiving events.
func (s *EventService) SetBroadcast(fn func(model.TrafficEvent)) {
	s.broadcast = fn
}

type IngestEventInput struct {
	Kind         string          `json:"kind"`
	ClassName    string          `json:"class_name"`
	SpeedKmh     *float64        `json:"speed_kmh"`
	DirectionDeg *float64        `json:"direction_deg"`
	PlateNumber  string          `json:"plate_number"`
	ImagePath    string          `json:"image_path"`
	VideoSource  string          `json:"video_source"`
	DetectedAt   string          `json:"detected_at"`
	Raw          json.RawMessage `json:"raw"`
}

func validEventKind(kind string) bool {
	switch kind {
	case model.EventKindSpeed, model.EventKindTurn, model.EventKindPlate:
		return true
	}
	return false
}

func (s *EventService) Ingest(ctx context.Context, input IngestEventInput) (*model.TrafficEvent, error) {
	if !validEventKind(input.Kind) {
		return nil, ErrInvalidInput
	}
	if input.VideoSource == "" {
		return nil, ErrInvalidInput
	}

	detectedAt := time.Now().UTC()
	if input.DetectedAt != "" {
		parsed, err := time.Parse(time.RFC3339, input.DetectedAt)
		if err != nil {
			return nil, ErrInvalidInput
		}
		detectedAt = parsed
	}

	event := &model.TrafficEvent{
		Kind:         input.Kind,
		ClassName:    input.ClassName,
		SpeedKmh:     input.SpeedKmh,
		DirectionDeg: input.DirectionDeg,
		PlateNumber:  utils.NormalizePlate(input.PlateNumber),
		ImagePath:    input.ImagePath,
		VideoSource:  input.VideoSource,
		DetectedAt:   detectedAt,
	}
	if len(input.Raw) > 0 {
		event.Raw = datatypes.JSON(input.Raw)
	}

	if err := s.eventRepo.Create(ctx, event); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("kind", event.Kind).
		Str("video_source", event.VideoSource).
		Msg("event stored")

	if s.broadcast != nil {
		s.broadcast(*event)
	}
	return event, nil
}

func (s *EventService) List(ctx context.Context, filter repository.EventListFilter) ([]model.TrafficEvent, error) {
	if filter.Kind != nil && !validEventKind(*filter.Kind) {
		return nil, ErrInvalidInput
	}
	return s.eventRepo.List(ctx, filter)
}

func (s *EventService) Delete(ctx context.Context, id int64) error {
	err := s.eventRepo.Delete(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *EventService) Clear(ctx context.Context) error {
	return s.eventRepo.DeleteAll(ctx)
}

// Prune drops events older than the retention window.
func (s *EventService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, ErrInvalidInput
	}
	cutoff := time.Now().UTC().Add(-retention)
	removed, err := s.eventRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("pruned old events")
	}
	return removed, nil
}
