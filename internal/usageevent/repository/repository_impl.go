package repository

import (
	"context"

	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists canonical events and provider metrics append-only.
type Repository interface {
	InsertEvents(ctx context.Context, db *gorm.DB, events []usagedomain.UsageEvent) error
	InsertMetrics(ctx context.Context, db *gorm.DB, metrics []usagedomain.ProviderMetrics) error
	List(ctx context.Context, db *gorm.DB, req usagedomain.ListRequest) ([]usagedomain.UsageEvent, error)
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

// InsertEvents appends events, silently skipping rows whose event_id is
// already present so re-normalization of a cached envelope is a no-op.
func (r *repo) InsertEvents(ctx context.Context, db *gorm.DB, events []usagedomain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&events).Error
}

// InsertMetrics mirrors the event dedupe: rows whose metric_key is
// already present are skipped so replays never double diagnostic data.
func (r *repo) InsertMetrics(ctx context.Context, db *gorm.DB, metrics []usagedomain.ProviderMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "metric_key"}},
			DoNothing: true,
		}).
		Create(&metrics).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req usagedomain.ListRequest) ([]usagedomain.UsageEvent, error) {
	stmt := db.WithContext(ctx).Model(&usagedomain.UsageEvent{})
	if req.Provider != "" {
		stmt = stmt.Where("provider = ?", req.Provider)
	}
	if req.OrgID != "" {
		stmt = stmt.Where("org_id = ?", req.OrgID)
	}
	if !req.From.IsZero() {
		stmt = stmt.Where("timestamp >= ?", req.From)
	}
	if !req.To.IsZero() {
		stmt = stmt.Where("timestamp < ?", req.To)
	}
	if req.AfterID != 0 {
		stmt = stmt.Where("timestamp > ? OR (timestamp = ? AND id > ?)", req.AfterTime, req.AfterTime, req.AfterID)
	}
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var events []usagedomain.UsageEvent
	err := stmt.Order("timestamp ASC, id ASC").Limit(limit).Find(&events).Error
	return events, err
}
