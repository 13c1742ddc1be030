package rdb

import (
	"context"
	"errors"
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Activation is the result of moving a job to active.
type Activation struct {
	// Job is nil when no job could be activated.
	Job *JobRecord
	// RateLimit is set when the queue is rate limited; no job is returned
	// until it elapses.
	RateLimit time.Duration
	// NextDelayed is the timestamp (ms) of the earliest delayed job, or 0.
	NextDelayed int64
}

func parseActivation(res any) (*Activation, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) < 4 {
		return nil, errUnexpected(res)
	}
	a := &Activation{
		RateLimit:   time.Duration(toInt(arr[2])) * time.Millisecond,
		NextDelayed: toInt(arr[3]),
	}
	if id := str(arr[1]); id != "" {
		flat, _ := arr[0].([]any)
		a.Job = parseFlat(id, flat)
	}
	return a, nil
}

// Activate moves the next job of q to active and locks it with token.
func (r *RDB) Activate(ctx context.Context, q keys.Queue, token string, lock time.Duration) (*Activation, error) {
	res, err := r.run(ctx, "activate", moveToActiveScript, q, token, ms(lock))
	if err != nil {
		return nil, err
	}
	return parseActivation(res)
}

func keepArgs(k *KeepJobs) (int64, int64) {
	if k == nil {
		return 0, -1
	}
	return k.AgeMs, k.Count
}

// CompleteRequest describes a successful job execution.
type CompleteRequest struct {
	ID        string
	Token     string
	Result    []byte
	Keep      *KeepJobs
	FetchNext bool
	// LockDuration is used for the job fetched next.
	LockDuration time.Duration
}

// Complete moves an active job to completed and optionally activates the next one.
func (r *RDB) Complete(ctx context.Context, q keys.Queue, req CompleteRequest) (*Activation, error) {
	age, count := keepArgs(req.Keep)
	res, err := r.run(ctx, "complete", moveToCompletedScript, q,
		req.ID, req.Token, req.Result, age, count, flag(req.FetchNext), ms(req.LockDuration))
	if err != nil {
		return nil, err
	}
	return parseActivation(res)
}

// FailRequest describes a failed job execution.
type FailRequest struct {
	ID         string
	Token      string
	Reason     string
	Stacktrace []string
	// Retryable is false for errors that must not be retried.
	Retryable    bool
	Backoff      time.Duration
	Keep         *KeepJobs
	FetchNext    bool
	LockDuration time.Duration
}

// FailResult is the outcome of Fail.
type FailResult struct {
	// Retried is true when the job went back to wait or delayed.
	Retried bool
	Next    *Activation
}

// Fail records a failed attempt, retrying the job while attempts remain.
func (r *RDB) Fail(ctx context.Context, q keys.Queue, req FailRequest) (*FailResult, error) {
	trace := req.Stacktrace
	if trace == nil {
		trace = []string{}
	}
	st, err := sonic.MarshalString(trace)
	if err != nil {
		return nil, err
	}
	age, count := keepArgs(req.Keep)
	res, err := r.run(ctx, "fail", moveToFailedScript, q,
		req.ID, req.Token, req.Reason, st, flag(req.Retryable), ms(req.Backoff),
		age, count, flag(req.FetchNext), ms(req.LockDuration))
	if err != nil {
		return nil, err
	}
	next, err := parseActivation(res)
	if err != nil {
		return nil, err
	}
	arr := res.([]any)
	return &FailResult{Retried: len(arr) > 4 && str(arr[4]) == "retried", Next: next}, nil
}

// ExtendLock renews the lock of an active job held by token.
func (r *RDB) ExtendLock(ctx context.Context, q keys.Queue, id, token string, d time.Duration) error {
	_, err := r.run(ctx, "extend lock", extendLockScript, q, id, token, ms(d))
	return err
}

// StalledResult lists the jobs reclaimed by a stall sweep.
type StalledResult struct {
	Requeued []string
	Failed   []string
}

// MoveStalledToWait runs a stall sweep unless one ran within interval.
func (r *RDB) MoveStalledToWait(ctx context.Context, q keys.Queue, maxStalled int, interval time.Duration, keep *KeepJobs) (StalledResult, error) {
	age, count := keepArgs(keep)
	res, err := r.run(ctx, "move stalled jobs", moveStalledJobsToWaitScript, q, maxStalled, ms(interval), age, count)
	if err != nil {
		return StalledResult{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return StalledResult{}, errUnexpected(res)
	}
	return StalledResult{Requeued: strs(arr[0]), Failed: strs(arr[1])}, nil
}

// MoveToWaitingChildren parks an active job until its pending children finish.
// It returns false when no child is pending.
func (r *RDB) MoveToWaitingChildren(ctx context.Context, q keys.Queue, id, token string) (bool, error) {
	res, err := r.run(ctx, "move to waiting-children", moveToWaitingChildrenScript, q, id, token)
	if err != nil {
		return false, err
	}
	return toInt(res) == 1, nil
}

// WaitMarker blocks until a marker of one of the given queues is set or the
// timeout elapses. It returns the queue key of the popped marker and its score.
func (r *RDB) WaitMarker(ctx context.Context, markers []string, timeout time.Duration) (string, int64, bool, error) {
	res, err := r.client.BZPopMin(ctx, timeout, markers...).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return res.Key, int64(res.Score), true, nil
}

func strs(v any) []string {
	arr, _ := v.([]any)
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		out = append(out, str(e))
	}
	return out
}
