package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tollway/internal/credential"
)

// Fetcher knows one provider's wire format and polling cadence. It is a
// pure network component: no cache or database writes, so it can be
// tested against a stub transport.
type Fetcher interface {
	// Provider returns the provider this fetcher talks to.
	Provider() Provider

	// FetchUsage assembles one complete business day of usage data,
	// following pagination internally, and returns it as a raw envelope.
	// Failures carry a *FetchError so the scheduler can pick a retry policy.
	FetchUsage(ctx context.Context, cred credential.Secret, opts FetchOptions) (*RawEnvelope, error)

	// ValidateResponse performs a structural check on a payload before it
	// is cached. A failure is permanent even when the transport reported
	// HTTP success; it guards against silent API drift.
	ValidateResponse(payload []byte) error

	// NextFetchTime derives the next poll time from the provider's
	// freshness SLA. Pure function of now.
	NextFetchTime(now time.Time) time.Time
}

var (
	ErrUnknownProvider = errors.New("unknown_provider")
	ErrEmptyCredential = errors.New("empty_credential")
)
