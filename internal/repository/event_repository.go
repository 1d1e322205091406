package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"traffic-console/internal/model"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Create(ctx context.Context, event *model.TrafficEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

type EventListFilter struct {
	Kind        *string
	VideoSource *string
	Since       *time.Time
	Limit       int
}

func (r *EventRepository) List(ctx context.Context, filter EventListFilter) ([]model.TrafficEvent, error) {
	var events []model.TrafficEvent
	query := r.db.WithContext(ctx).Model(&model.TrafficEvent{})

	if filter.Kind != nil {
		query = query.Where("kind = ?", *filter.Kind)
	}
	if filter.VideoSource != nil {
		query = query.Where("video_source = ?", *filter.VideoSource)
	}
	if filter.Since != nil {
		query = query.Where("detected_at >= ?", *filter.Since)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	if err := query.Order("detected_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *EventRepository) Delete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&model.TrafficEvent{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *EventRepository) DeleteAll(ctx context.Context) error {
	return r.db.WithContext(ctx).Where("1 = 1").Delete(&model.TrafficEvent{}).Error
}

func (r *EventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("detected_at < ?", cutoff).Delete(&model.TrafficEvent{})
	return res.RowsAffected, res.Error
}
