package jobq

import (
	"context"
	"time"

	"github.com/UniQw/jobq/internal/rdb"
)

// Pause stops workers from taking jobs of the queue. Jobs added while the
// queue is paused wait until Resume.
func (q *Queue) Pause(ctx context.Context) error {
	changed, err := q.rdb.Pause(ctx, q.keys, true)
	if err == nil && changed {
		q.log.Infof("queue paused: queue=%s", q.name)
	}
	return wrap("pause", q.name, err)
}

// Resume undoes Pause.
func (q *Queue) Resume(ctx context.Context) error {
	changed, err := q.rdb.Pause(ctx, q.keys, false)
	if err == nil && changed {
		q.log.Infof("queue resumed: queue=%s", q.name)
	}
	return wrap("resume", q.name, err)
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	p, err := q.rdb.IsPaused(ctx, q.keys)
	return p, wrap("is paused", q.name, err)
}

// SetGlobalConcurrency caps the number of active jobs of the queue across all workers.
func (q *Queue) SetGlobalConcurrency(ctx context.Context, n int) error {
	return wrap("set global concurrency", q.name, q.rdb.SetConcurrency(ctx, q.keys, n))
}

// RemoveGlobalConcurrency removes the cap set by SetGlobalConcurrency.
func (q *Queue) RemoveGlobalConcurrency(ctx context.Context) error {
	return wrap("remove global concurrency", q.name, q.rdb.SetConcurrency(ctx, q.keys, 0))
}

// SetGlobalRateLimit allows at most limit activations of the queue per window,
// across all workers.
func (q *Queue) SetGlobalRateLimit(ctx context.Context, limit int, window time.Duration) error {
	return wrap("set global rate limit", q.name, q.rdb.SetRateLimit(ctx, q.keys, limit, window))
}

// RemoveGlobalRateLimit removes the limit set by SetGlobalRateLimit.
func (q *Queue) RemoveGlobalRateLimit(ctx context.Context) error {
	return wrap("remove global rate limit", q.name, q.rdb.SetRateLimit(ctx, q.keys, 0, 0))
}

// Clean removes up to limit jobs of state that are older than grace and
// returns their ids. Locked jobs are kept. A limit of 0 removes all matches.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int, state State) ([]string, error) {
	if !state.valid() {
		return nil, ErrUnknownState
	}
	ids, err := q.rdb.Clean(ctx, q.keys, string(state), grace, limit)
	if err != nil {
		return nil, wrap("clean", q.name, err)
	}
	if len(ids) > 0 {
		q.log.Infof("queue cleaned: queue=%s state=%s removed=%d", q.name, state, len(ids))
	}
	return ids, nil
}

// Obliterate deletes the queue and all its jobs. The queue must be paused
// (ErrQueueNotPaused); with active jobs it fails with ErrQueueHasActiveJobs
// unless force is set.
func (q *Queue) Obliterate(ctx context.Context, force bool) error {
	if err := q.rdb.Obliterate(ctx, q.keys, force); err != nil {
		return wrap("obliterate", q.name, err)
	}
	q.log.Warnf("queue obliterated: queue=%s", q.name)
	return nil
}

// RetryJobs moves jobs of state (StateFailed or StateCompleted) that finished
// before olderThan back to waiting, count per round trip. A zero olderThan
// means now. It returns the number of jobs moved.
func (q *Queue) RetryJobs(ctx context.Context, state State, count int, olderThan time.Time) (int, error) {
	if state != StateFailed && state != StateCompleted {
		return 0, ErrUnknownState
	}
	var ms int64
	if !olderThan.IsZero() {
		ms = olderThan.UnixMilli()
	}
	n, err := q.rdb.RetryJobs(ctx, q.keys, string(state), count, ms)
	return n, wrap("retry jobs", q.name, err)
}

// RetryJob moves the failed or completed job id back to waiting, resetting
// its attempts. Jobs in other states are rejected with ErrNotInState.
func (q *Queue) RetryJob(ctx context.Context, id string) error {
	state, err := q.rdb.GetState(ctx, q.keys, id)
	if err != nil {
		return wrap("retry job", id, err)
	}
	if state == rdb.StateUnknown {
		return &rdb.Error{Code: rdb.CodeJobNotFound, Op: "retry job"}
	}
	return wrap("retry job", id, q.rdb.Reprocess(ctx, q.keys, id, state))
}

// Promote moves the delayed job id to waiting right away.
func (q *Queue) Promote(ctx context.Context, id string) error {
	return wrap("promote", id, q.rdb.Promote(ctx, q.keys, id))
}
