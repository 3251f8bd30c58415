package distlock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockExists indicates a non-blocking acquire collided with a live
	// lease. Never retried internally.
	ErrLockExists = errors.New("lock already held")

	// ErrAcquireTimeout indicates a blocking acquire ran out its deadline.
	ErrAcquireTimeout = errors.New("lock acquire timed out")

	// ErrInvalidConfig indicates bad construction arguments. Raised at
	// construction, never later.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ClockOffsetError indicates the host clock diverges from the store clock
// by more than the configured tolerance.
type ClockOffsetError struct {
	Offset    time.Duration
	MaxOffset time.Duration
}

func (e *ClockOffsetError) Error() string {
	return fmt.Sprintf("host clock offset %v exceeds maximum %v", e.Offset, e.MaxOffset)
}

// StoreUnavailableError wraps a store transport failure.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
