package regularjob

import "github.com/cockroachdb/errors"

var (
	// ErrDuplicateID is returned by Add when the id is held by a live job.
	ErrDuplicateID = errors.New("regularjob: job already exists")
	// ErrInvalidJob is returned by Add for a nil Func or a non-positive interval.
	ErrInvalidJob = errors.New("regularjob: invalid job")
	// ErrClosed is returned by Add once the scheduler is closed.
	ErrClosed = errors.New("regularjob: scheduler closed")
	// ErrPanic wraps a value recovered from a panicking callback.
	ErrPanic = errors.New("regularjob: callback panicked")
)
