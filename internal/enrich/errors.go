package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the persisted classification of a source failure.
type ErrorKind string

// Error kinds.
const (
	KindTransient       ErrorKind = "transient"
	KindRateLimited     ErrorKind = "rate_limited"
	KindPermanent       ErrorKind = "permanent"
	KindTimeout         ErrorKind = "timeout"
	KindDependencyUnmet ErrorKind = "dependency_unmet"
)

// Sentinel errors matched with errors.Is.
var (
	ErrTransient       = errors.New("transient source error")
	ErrRateLimited     = errors.New("source rate limited")
	ErrPermanent       = errors.New("permanent source error")
	ErrTimeout         = errors.New("source timed out")
	ErrDependencyUnmet = errors.New("source dependency unmet")
)

// StatusError carries the HTTP-like status code a source answered with.
type StatusError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Source, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Is maps the status code onto the sentinel taxonomy.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrTransient:
		return e.StatusCode >= 500
	case ErrPermanent:
		return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// TimeoutError reports a source call that exceeded its deadline.
type TimeoutError struct {
	Source string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Source, e.After)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Classify maps an error onto an ErrorKind. Unknown errors are transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrDependencyUnmet):
		return KindDependencyUnmet
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	default:
		return KindTransient
	}
}

// StatusCode extracts the status code from a StatusError chain, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
