package rdb

import (
	"errors"
	"fmt"
)

// Error kinds. Every script failure unwraps to exactly one of them.
var (
	ErrNotFound           = errors.New("jobq: not found")
	ErrLockConflict       = errors.New("jobq: lock conflict")
	ErrStateConflict      = errors.New("jobq: state conflict")
	ErrDependencyConflict = errors.New("jobq: dependency conflict")
	ErrSchedulerConflict  = errors.New("jobq: scheduler conflict")
)

// Script return codes. Scripts report failures as small negative integers.
const (
	CodeJobNotFound            = -1
	CodeMissingLock            = -2
	CodeNotInState             = -3
	CodePendingChildren        = -4
	CodeParentNotFound         = -5
	CodeLockMismatch           = -6
	CodeParentCannotBeReplaced = -7
	CodeJobLocked              = -8
	CodeFailedChildren         = -9
	CodeSchedulerCollision     = -10
	CodeActiveJobs             = -11
	CodeQueueNotPaused         = -12
	CodeSchedulerNotFound      = -13
)

var codeInfo = map[int64]struct {
	kind error
	msg  string
}{
	CodeJobNotFound:            {ErrNotFound, "job not found"},
	CodeMissingLock:            {ErrLockConflict, "missing lock"},
	CodeNotInState:             {ErrStateConflict, "job not in expected state"},
	CodePendingChildren:        {ErrDependencyConflict, "job has pending children"},
	CodeParentNotFound:         {ErrNotFound, "parent job not found"},
	CodeLockMismatch:           {ErrLockConflict, "lock is owned by another worker"},
	CodeParentCannotBeReplaced: {ErrDependencyConflict, "job already belongs to another parent"},
	CodeJobLocked:              {ErrStateConflict, "job or one of its children is locked"},
	CodeFailedChildren:         {ErrDependencyConflict, "job has failed children"},
	CodeSchedulerCollision:     {ErrSchedulerConflict, "scheduled job id already exists"},
	CodeActiveJobs:             {ErrStateConflict, "queue has active jobs"},
	CodeQueueNotPaused:         {ErrStateConflict, "queue is not paused"},
	CodeSchedulerNotFound:      {ErrNotFound, "job scheduler not found"},
}

// Error is a failure reported by a script.
type Error struct {
	Code int64
	// Op names the operation, e.g. "complete". Empty for sentinel values.
	Op string
}

func (e *Error) Error() string {
	info, ok := codeInfo[e.Code]
	msg := info.msg
	if !ok {
		msg = fmt.Sprintf("unknown script code %d", e.Code)
	}
	if e.Op == "" {
		return "jobq: " + msg
	}
	return "jobq: " + e.Op + ": " + msg
}

// Unwrap returns the kind of the error.
func (e *Error) Unwrap() error {
	if info, ok := codeInfo[e.Code]; ok {
		return info.kind
	}
	return nil
}

// Is matches any *Error with the same code, so sentinels compare regardless of Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for each code.
var (
	ErrJobNotFound            = &Error{Code: CodeJobNotFound}
	ErrMissingLock            = &Error{Code: CodeMissingLock}
	ErrNotInState             = &Error{Code: CodeNotInState}
	ErrPendingChildren        = &Error{Code: CodePendingChildren}
	ErrParentNotFound         = &Error{Code: CodeParentNotFound}
	ErrLockMismatch           = &Error{Code: CodeLockMismatch}
	ErrParentCannotBeReplaced = &Error{Code: CodeParentCannotBeReplaced}
	ErrJobLocked              = &Error{Code: CodeJobLocked}
	ErrFailedChildren         = &Error{Code: CodeFailedChildren}
	ErrSchedulerCollision     = &Error{Code: CodeSchedulerCollision}
	ErrQueueHasActiveJobs     = &Error{Code: CodeActiveJobs}
	ErrQueueNotPaused         = &Error{Code: CodeQueueNotPaused}
	ErrSchedulerNotFound      = &Error{Code: CodeSchedulerNotFound}
)

// IsBenign reports whether err means another worker won a race for the job.
func IsBenign(err error) bool {
	return errors.Is(err, ErrLockConflict) || errors.Is(err, ErrStateConflict)
}
