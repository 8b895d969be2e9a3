package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by operations invoked on a stopped engine.
	ErrNotRunning = errors.New("engine is not running")

	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = errors.New("engine is already running")

	// ErrStopped rejects every query that was still in flight when the
	// engine was stopped.
	ErrStopped = errors.New("engine stopped while query was in flight")

	// ErrTimeout matches TimeoutError via errors.Is.
	ErrTimeout = errors.New("query timed out")
)

// TimeoutError is returned when no matching response arrived within
// the configured query window.
type TimeoutError struct {
	Hostname string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response for %s within the query window", e.Hostname)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
