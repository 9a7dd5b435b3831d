package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	statusdomain "github.com/smallbiznis/tollway/internal/fetchstatus/domain"
	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
	"github.com/smallbiznis/tollway/pkg/repository"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StoreParam struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
}

type store struct {
	db    *gorm.DB
	rows  repository.Repository[statusdomain.FetchJobStatus]
	genID *snowflake.Node
}

func NewStore(p StoreParam) statusdomain.Store {
	return &store{
		db:    p.DB,
		rows:  repository.ProvideStore[statusdomain.FetchJobStatus](p.DB),
		genID: p.GenID,
	}
}

var Module = fx.Module("fetchstatus.repository",
	fx.Provide(NewStore),
)

// Apply upserts the status row for the job key. The whole transition is one
// statement so concurrent workers cannot interleave partial updates.
func (s *store) Apply(ctx context.Context, upd statusdomain.Update) error {
	now := upd.AttemptAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	row := statusdomain.FetchJobStatus{
		ID:            s.genID.Generate(),
		Provider:      upd.Key.Provider,
		OrgID:         upd.Key.OrgID,
		Status:        upd.Status,
		Parked:        upd.Parked,
		LastError:     upd.Err,
		LastAttemptAt: &now,
		NextRunAt:     upd.NextRunAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	assignments := map[string]interface{}{
		"status":          upd.Status,
		"parked":          upd.Parked,
		"last_error":      upd.Err,
		"last_attempt_at": now,
		"next_run_at":     upd.NextRunAt,
		"updated_at":      now,
	}

	switch {
	case upd.Status == statusdomain.StatusSuccess || upd.ResetFailures:
		assignments["consecutive_failures"] = 0
	case upd.Status == statusdomain.StatusFailed:
		assignments["consecutive_failures"] = gorm.Expr("fetch_job_statuses.consecutive_failures + 1")
		row.ConsecutiveFailures = 1
	}
	if upd.Status == statusdomain.StatusSuccess {
		assignments["last_success_at"] = now
		row.LastSuccessAt = &now
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "org_id"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&row).Error
}

func (s *store) Get(ctx context.Context, key statusdomain.JobKey) (*statusdomain.FetchJobStatus, error) {
	row, err := s.rows.FindOne(ctx, &statusdomain.FetchJobStatus{Provider: key.Provider, OrgID: key.OrgID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, statusdomain.ErrStatusNotFound
	}
	return row, nil
}

func (s *store) List(ctx context.Context, provider providerdomain.Provider) ([]statusdomain.FetchJobStatus, error) {
	rows, err := s.rows.Find(ctx,
		&statusdomain.FetchJobStatus{Provider: provider},
		repository.WithOrder("provider ASC, org_id ASC"),
	)
	if err != nil {
		return nil, err
	}

	out := make([]statusdomain.FetchJobStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (s *store) CountParked(ctx context.Context, provider providerdomain.Provider) (int64, error) {
	return s.rows.Count(ctx, &statusdomain.FetchJobStatus{Provider: provider, Parked: true})
}
