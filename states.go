package jobq

import "github.com/UniQw/jobq/internal/rdb"

// State is the lifecycle state of a job.
// Use the exported constants (StateWaiting, StateActive, etc.) instead of
// raw strings to avoid typos.
type State string

const (
	// StateWaiting contains jobs ready for execution, in FIFO or LIFO order.
	StateWaiting State = rdb.StateWaiting
	// StateActive contains jobs locked by a worker.
	StateActive State = rdb.StateActive
	// StateDelayed contains jobs scheduled for later and jobs in retry backoff.
	StateDelayed State = rdb.StateDelayed
	// StatePrioritized contains ready jobs ordered by priority.
	StatePrioritized State = rdb.StatePrioritized
	// StateWaitingChildren contains parents whose children have not all finished.
	StateWaitingChildren State = rdb.StateWaitingChildren
	// StateCompleted contains successfully finished jobs.
	StateCompleted State = rdb.StateCompleted
	// StateFailed contains jobs that exhausted their attempts or failed unrecoverably.
	StateFailed State = rdb.StateFailed
	// StateUnknown is reported for jobs that do not exist.
	StateUnknown State = rdb.StateUnknown
)

// AllStates lists every state a job can be in, in a stable order.
var AllStates = []State{
	StateWaiting, StateActive, StateDelayed, StatePrioritized,
	StateWaitingChildren, StateCompleted, StateFailed,
}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}

func (s State) valid() bool {
	_, err := ParseState(string(s))
	return err == nil
}
