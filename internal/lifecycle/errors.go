package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("lifecycle: manager closed")

	// ErrNotRecovered is returned when the manager is used before Recover.
	ErrNotRecovered = errors.New("lifecycle: not recovered")

	// ErrReadOnly is returned when a build or save is requested on a read replica.
	ErrReadOnly = errors.New("lifecycle: read replica")

	// ErrStale is returned by Ready when pending work waits longer than allowed.
	ErrStale = errors.New("lifecycle: index is stale")

	// ErrIncompatible is returned when a persisted generation does not match the configuration.
	ErrIncompatible = errors.New("lifecycle: incompatible generation")

	// ErrOffsetsExhausted is returned when no internal offset is left to hand out.
	ErrOffsetsExhausted = errors.New("lifecycle: internal offsets exhausted")

	// ErrRejected is returned when drained entries fail validation.
	ErrRejected = errors.New("lifecycle: entries rejected")
)

// BuildError describes a failed build attempt. The attempt is recorded as a
// broken generation.
type BuildError struct {
	Seq   uint64
	Phase Phase
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("lifecycle: generation %d failed while %s: %v", e.Seq, e.Phase, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// StaleError reports how far the index lags behind.
type StaleError struct {
	Age time.Duration
	Max time.Duration
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("lifecycle: index is stale: last build %s ago, max %s", e.Age.Round(time.Millisecond), e.Max)
}

// Is makes StaleError match ErrStale.
func (e *StaleError) Is(target error) bool { return target == ErrStale }
