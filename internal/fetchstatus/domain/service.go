package domain

import (
	"context"
	"errors"
	"time"

	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
)

var (
	ErrStatusNotFound = errors.New("fetch job status not found")
)

// Update describes one state transition of a fetch job.
type Update struct {
	Key    JobKey
	Status Status

	// Err is recorded verbatim as last_error when non-empty.
	Err string

	// Parked marks the job as requiring operator intervention.
	Parked bool

	// ResetFailures zeroes the consecutive failure counter; otherwise a
	// failed status increments it.
	ResetFailures bool

	AttemptAt time.Time
	NextRunAt *time.Time
}

// Store persists fetch job statuses.
type Store interface {
	// Apply upserts the row for the update's job key in a single statement.
	Apply(ctx context.Context, upd Update) error
	Get(ctx context.Context, key JobKey) (*FetchJobStatus, error)
	List(ctx context.Context, provider providerdomain.Provider) ([]FetchJobStatus, error)
	CountParked(ctx context.Context, provider providerdomain.Provider) (int64, error)
}
