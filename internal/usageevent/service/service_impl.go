package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/tollway/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/tollway/internal/usageevent/domain"
	"github.com/smallbiznis/tollway/internal/usageevent/repository"
	"github.com/smallbiznis/tollway/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  repository.Repository
}

// Service is the append-only downstream sink for normalized output.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  repository.Repository
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usageevent.sink"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

var _ usagedomain.Sink = (*Service)(nil)
var _ usagedomain.Reader = (*Service)(nil)

// Append validates and persists one normalized batch in a single
// transaction. Events that fail their invariants reject the whole batch;
// the normalizer is responsible for never emitting them.
func (s *Service) Append(ctx context.Context, events []usagedomain.UsageEvent, metrics []usagedomain.ProviderMetrics) error {
	if len(events) == 0 && len(metrics) == 0 {
		return nil
	}

	for i := range events {
		if err := events[i].Validate(); err != nil {
			return err
		}
		if events[i].ID == 0 {
			events[i].ID = s.genID.Generate()
		}
	}
	for i := range metrics {
		if metrics[i].ID == 0 {
			metrics[i].ID = s.genID.Generate()
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertEvents(ctx, tx, events); err != nil {
			return err
		}
		return s.repo.InsertMetrics(ctx, tx, metrics)
	})
	if err != nil {
		// The conflict clauses only cover their own target index; a
		// duplicate-key failure past them means a competing worker
		// already appended this batch, not that the batch is bad.
		if db.IsDuplicateKeyErr(err) {
			s.log.Warn("batch already appended by a concurrent replay", zap.Error(err))
			return nil
		}
		return err
	}

	obsmetrics.Pipeline().AddEventsAppended(len(events))
	return nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListRequest) ([]usagedomain.UsageEvent, error) {
	return s.repo.List(ctx, s.db, req)
}
