// Package hctx carries the state of one job execution through the handler's
// context so that the public helpers can reach it.
package hctx

import (
	"context"
	"sync"

	"github.com/UniQw/jobq/internal/rdb"
)

// Reporter persists what a handler reports while it runs.
type Reporter interface {
	UpdateProgress(ctx context.Context, progress []byte) error
	AddLog(ctx context.Context, line string) error
}

// State holds per-execution, handler-provided data that the runtime
// captures after the handler returns.
type State struct {
	Queue    string
	Job      *rdb.JobRecord
	Reporter Reporter

	mu     sync.Mutex
	result []byte
}

// New creates the state of one execution of job from queue.
func New(queue string, job *rdb.JobRecord, rep Reporter) *State {
	return &State{Queue: queue, Job: job, Reporter: rep}
}

// SetResult records the handler result; last call wins.
func (s *State) SetResult(b []byte) {
	s.mu.Lock()
	s.result = b
	s.mu.Unlock()
}

// Result returns the recorded handler result.
func (s *State) Result() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(ctxKey{}).(*State)
	return st, ok && st != nil
}
