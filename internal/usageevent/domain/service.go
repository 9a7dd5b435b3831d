package domain

import (
	"context"
	"errors"
	"time"

	providerdomain "github.com/smallbiznis/tollway/internal/provider/domain"
)

// Sink is the downstream consumer boundary: finished event batches are
// appended and never updated. Duplicate event ids are ignored so
// reprocessing a cached envelope is idempotent.
type Sink interface {
	Append(ctx context.Context, events []UsageEvent, metrics []ProviderMetrics) error
}

// ListRequest filters the stored canonical series.
type ListRequest struct {
	Provider providerdomain.Provider
	OrgID    string
	From     time.Time
	To       time.Time
	Limit    int

	// AfterTime/AfterID resume a listing from a cursor position;
	// rows at exactly AfterTime with id <= AfterID are excluded.
	AfterTime time.Time
	AfterID   int64
}

// Reader exposes the stored series to operator tooling.
type Reader interface {
	List(ctx context.Context, req ListRequest) ([]UsageEvent, error)
}

var (
	ErrInvalidEvent = errors.New("invalid_event")
	ErrInvalidOrg   = errors.New("invalid_organization")
)
