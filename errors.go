package vecagent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/internal/kvsdb"
	"github.com/hupe1980/vecagent/internal/lifecycle"
	"github.com/hupe1980/vecagent/internal/vqueue"
)

var (
	// ErrInvalidArgument is returned for requests rejected before touching the queue.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when an id has no live mapping or a search
	// yields fewer results than requested.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Insert for an id that is already mapped.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAborted is returned when the ingestion queue is full. Callers should
	// retry with backoff.
	ErrAborted = errors.New("aborted")

	// ErrDeadlineExceeded is returned when the caller's deadline elapsed.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrCanceled is returned when the caller canceled the request.
	ErrCanceled = errors.New("canceled")

	// ErrInternal is returned for backend and persistence failures.
	ErrInternal = errors.New("internal error")

	// ErrReadOnly is returned for mutations on a read replica.
	ErrReadOnly = errors.New("write operation on read replica")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("agent closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
// It matches ErrInvalidArgument.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

func (e *ErrDimensionMismatch) Is(target error) bool { return target == ErrInvalidArgument }

// ItemError is the failure of one item of a multi request.
type ItemError struct {
	Index int
	ID    string
	Err   error
}

func (e *ItemError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("item %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("item %d (%s): %v", e.Index, e.ID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// BatchError collects the failed items of a multi request. Items not listed
// succeeded.
type BatchError struct {
	Items []*ItemError
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d item(s) failed", len(e.Items))
	for i, it := range e.Items {
		if i == 3 {
			fmt.Fprintf(&b, "; ...")
			break
		}
		b.WriteString("; ")
		b.WriteString(it.Error())
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Items))
	for i, it := range e.Items {
		errs[i] = it
	}
	return errs
}

// batchError returns nil when no item failed.
func batchError(items []*ItemError) error {
	if len(items) == 0 {
		return nil
	}
	return &BatchError{Items: items}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Already classified.
	for _, target := range []error{
		ErrInvalidArgument, ErrNotFound, ErrAlreadyExists, ErrAborted,
		ErrDeadlineExceeded, ErrCanceled, ErrInternal, ErrReadOnly, ErrClosed,
	} {
		if errors.Is(err, target) {
			return err
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	case errors.Is(err, vqueue.ErrQueueFull):
		return fmt.Errorf("%w: %w", ErrAborted, err)
	case errors.Is(err, vqueue.ErrEmptyID):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, kvsdb.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, kvsdb.ErrReadOnly), errors.Is(err, lifecycle.ErrReadOnly):
		return fmt.Errorf("%w: %w", ErrReadOnly, err)
	case errors.Is(err, kvsdb.ErrClosed), errors.Is(err, lifecycle.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, backend.ErrInvalidK):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	var dm *backend.DimensionError
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// Code maps err onto a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, ErrAborted):
		return codes.Aborted
	case errors.Is(err, ErrReadOnly):
		return codes.FailedPrecondition
	case errors.Is(err, ErrClosed):
		return codes.Unavailable
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Internal
}

// Status converts err into a gRPC status error. A nil err yields nil.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return err
	}
	return status.Error(Code(err), err.Error())
}
