package jobq

import (
	"errors"
	"fmt"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
	rtm "github.com/UniQw/jobq/internal/runtime"
)

// Error kinds. Every error reported by the store's atomic operations unwraps
// to exactly one of them.
var (
	ErrNotFound           = rdb.ErrNotFound
	ErrLockConflict       = rdb.ErrLockConflict
	ErrStateConflict      = rdb.ErrStateConflict
	ErrDependencyConflict = rdb.ErrDependencyConflict
	ErrSchedulerConflict  = rdb.ErrSchedulerConflict
)

// Specific failures. Match them with errors.Is.
var (
	ErrJobNotFound            = rdb.ErrJobNotFound
	ErrParentNotFound         = rdb.ErrParentNotFound
	ErrMissingLock            = rdb.ErrMissingLock
	ErrLockMismatch           = rdb.ErrLockMismatch
	ErrNotActive              = rdb.ErrNotInState
	ErrPendingChildren        = rdb.ErrPendingChildren
	ErrFailedChildren         = rdb.ErrFailedChildren
	ErrParentCannotBeReplaced = rdb.ErrParentCannotBeReplaced
	ErrJobLocked              = rdb.ErrJobLocked
	ErrSchedulerCollision     = rdb.ErrSchedulerCollision
	ErrQueueHasActiveJobs     = rdb.ErrQueueHasActiveJobs
	ErrQueueNotPaused         = rdb.ErrQueueNotPaused
	ErrSchedulerNotFound      = rdb.ErrSchedulerNotFound
)

// ErrNotInState is returned when a job is not in the state an operation expects.
// ErrNotActive is the same error, named after its most common cause.
var ErrNotInState = rdb.ErrNotInState

// ErrInvalidJobID is returned when a custom job id is "0" or contains ':'.
var ErrInvalidJobID = errors.New("jobq: invalid job id")

// ErrInvalidPriority is returned for priorities outside 0 to MaxPriority.
var ErrInvalidPriority = errors.New("jobq: invalid priority")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("jobq: unknown state")

// ErrInvalidQueueName is returned for empty queue names or names containing '{', '}' or ':'.
var ErrInvalidQueueName = keys.ErrInvalidName

// ErrNoHandler is recorded as the failure of jobs whose name has no registered handler.
var ErrNoHandler = rtm.ErrNoHandler

// ErrUnrecoverable marks handler errors that must not be retried.
var ErrUnrecoverable = rtm.ErrUnrecoverable

// Unrecoverable wraps err so that the job fails immediately, without retries.
func Unrecoverable(err error) error {
	if err == nil {
		return ErrUnrecoverable
	}
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// IsBenign reports whether err means another worker or client won a race for
// the job, e.g. the job moved on before a lock could be taken.
func IsBenign(err error) bool { return rdb.IsBenign(err) }

// wrap adds the operation and subject to transport errors. Errors reported by
// the store's scripts already name their operation.
func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *rdb.Error
	if errors.As(err, &se) {
		return err
	}
	if id == "" {
		return fmt.Errorf("jobq: %s: %w", op, err)
	}
	return fmt.Errorf("jobq: %s %s: %w", op, id, err)
}
