package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorClass splits fetch failures into the two retry policies the
// scheduler knows about. Transient errors are retried with capped
// backoff; permanent errors park the job immediately.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// FetchError wraps a provider fetch failure with its retry class.
type FetchError struct {
	Class      ErrorClass
	Provider   Provider
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetch failed (%s, http %d): %v", e.Provider, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch failed (%s): %v", e.Provider, e.Class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient builds a retryable fetch error.
func Transient(provider Provider, statusCode int, err error) *FetchError {
	return &FetchError{Class: ErrorClassTransient, Provider: provider, StatusCode: statusCode, Err: err}
}

// Permanent builds a fetch error that must never be retried.
func Permanent(provider Provider, statusCode int, err error) *FetchError {
	return &FetchError{Class: ErrorClassPermanent, Provider: provider, StatusCode: statusCode, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent reports whether err parks the job.
func IsPermanent(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class == ErrorClassPermanent
	}
	return false
}

// Classify maps an HTTP status code to a retry class. Pure function so
// retry policy stays decoupled from any one provider's HTTP quirks.
// 2xx is not an error and must not reach this function.
func Classify(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassTransient
	case statusCode == http.StatusRequestTimeout:
		return ErrorClassTransient
	case statusCode >= 500:
		return ErrorClassTransient
	default:
		// 400, 401, 403 and anything else structural.
		return ErrorClassPermanent
	}
}

// TransportError wraps a transport-level failure (timeout, reset, DNS)
// as transient. An admin cancel also lands here so the job finishes in a
// consistent failed state rather than parked.
func TransportError(provider Provider, err error) *FetchError {
	return Transient(provider, 0, err)
}

// IsTimeout reports whether err is a network timeout or context deadline.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
