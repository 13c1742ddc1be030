package rdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Job states as reported by GetState and accepted by the listing helpers.
const (
	StateWaiting         = "waiting"
	StateActive          = "active"
	StateDelayed         = "delayed"
	StatePrioritized     = "prioritized"
	StateWaitingChildren = "waiting-children"
	StateCompleted       = "completed"
	StateFailed          = "failed"
	StateUnknown         = "unknown"
)

// States lists every state a job can be in.
var States = []string{
	StateWaiting, StateActive, StateDelayed, StatePrioritized,
	StateWaitingChildren, StateCompleted, StateFailed,
}

// scriptState maps a state to the name scripts use for its key.
func scriptState(state string) (string, error) {
	switch state {
	case StateWaiting:
		return "wait", nil
	case StateDelayed, StatePrioritized, StateCompleted, StateFailed:
		return state, nil
	case StateWaitingChildren:
		return "waitingChildren", nil
	}
	return "", fmt.Errorf("jobq: unsupported state %q", state)
}

// Pause pauses or resumes q. It reports whether the flag changed.
func (r *RDB) Pause(ctx context.Context, q keys.Queue, paused bool) (bool, error) {
	res, err := r.run(ctx, "pause", pauseScript, q, flag(paused))
	if err != nil {
		return false, err
	}
	return toInt(res) == 1, nil
}

// IsPaused reports whether q is paused.
func (r *RDB) IsPaused(ctx context.Context, q keys.Queue) (bool, error) {
	return r.client.HExists(ctx, q.Meta, "paused").Result()
}

// SetConcurrency sets the global concurrency of q; n <= 0 removes the limit.
func (r *RDB) SetConcurrency(ctx context.Context, q keys.Queue, n int) error {
	if n <= 0 {
		return r.client.HDel(ctx, q.Meta, "concurrency").Err()
	}
	return r.client.HSet(ctx, q.Meta, "concurrency", n).Err()
}

// SetRateLimit allows at most limit activations of q per window;
// limit <= 0 removes the limit.
func (r *RDB) SetRateLimit(ctx context.Context, q keys.Queue, limit int, window time.Duration) error {
	if limit <= 0 {
		return r.client.HDel(ctx, q.Meta, "max", "duration").Err()
	}
	return r.client.HSet(ctx, q.Meta, "max", limit, "duration", ms(window)).Err()
}

// Meta returns the raw meta hash of q.
func (r *RDB) Meta(ctx context.Context, q keys.Queue) (map[string]string, error) {
	return r.client.HGetAll(ctx, q.Meta).Result()
}

// Clean removes up to limit unlocked jobs of state older than grace.
func (r *RDB) Clean(ctx context.Context, q keys.Queue, state string, grace time.Duration, limit int) ([]string, error) {
	s, err := scriptState(state)
	if err != nil {
		return nil, err
	}
	res, err := r.run(ctx, "clean", cleanScript, q, s, ms(grace), limit)
	if err != nil {
		return nil, err
	}
	return strs(res), nil
}

const obliterateBatch = 1000

// Obliterate deletes every key of a paused queue. Active jobs make it fail
// unless force is set.
func (r *RDB) Obliterate(ctx context.Context, q keys.Queue, force bool) error {
	for {
		res, err := r.run(ctx, "obliterate", obliterateScript, q, flag(force), obliterateBatch)
		if err != nil {
			return err
		}
		if toInt(res) == 0 {
			break
		}
	}
	// Leftovers not reachable from any state key: dedup pointers and orphaned job keys.
	var cursor uint64
	for {
		ks, next, err := r.client.Scan(ctx, cursor, q.Pattern(), obliterateBatch).Result()
		if err != nil {
			return err
		}
		if len(ks) > 0 {
			if err := r.client.Del(ctx, ks...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// RetryJobs moves finished jobs of state back to wait, in batches of count.
// Only jobs finished at or before olderThan (ms) are moved; 0 means now.
func (r *RDB) RetryJobs(ctx context.Context, q keys.Queue, state string, count int, olderThan int64) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, fmt.Errorf("jobq: cannot retry %s jobs", state)
	}
	if count <= 0 {
		count = 1000
	}
	if olderThan <= 0 {
		olderThan = r.nowMs()
	}
	total := 0
	for {
		res, err := r.run(ctx, "retry jobs", retryJobsScript, q, state, count, olderThan)
		if err != nil {
			return total, err
		}
		n := int(toInt(res))
		total += n
		if n < count {
			return total, nil
		}
	}
}

// Reprocess moves a single completed or failed job back to wait.
func (r *RDB) Reprocess(ctx context.Context, q keys.Queue, id, state string) error {
	if state != StateCompleted && state != StateFailed {
		return &Error{Code: CodeNotInState, Op: "retry job"}
	}
	_, err := r.run(ctx, "retry job", reprocessJobScript, q, id, state)
	return err
}

// Promote moves a delayed job to wait right away.
func (r *RDB) Promote(ctx context.Context, q keys.Queue, id string) error {
	_, err := r.run(ctx, "promote", promoteScript, q, id)
	return err
}

// RemoveJob deletes a job, and its children when withChildren is set.
// Locked jobs are not removed.
func (r *RDB) RemoveJob(ctx context.Context, q keys.Queue, id string, withChildren bool) error {
	_, err := r.run(ctx, "remove job", removeJobScript, q, id, flag(withChildren))
	return err
}

// GetState returns the state of a job, StateUnknown if it is in none.
func (r *RDB) GetState(ctx context.Context, q keys.Queue, id string) (string, error) {
	res, err := r.run(ctx, "get state", getStateScript, q, id)
	if err != nil {
		return "", err
	}
	return str(res), nil
}

// UpdateProgress stores progress (JSON) on a job and emits a progress event.
func (r *RDB) UpdateProgress(ctx context.Context, q keys.Queue, id string, progress []byte) error {
	_, err := r.run(ctx, "update progress", updateProgressScript, q, id, progress)
	return err
}

// AddLog appends a log line to a job, keeping the last keep lines (0 keeps all).
func (r *RDB) AddLog(ctx context.Context, q keys.Queue, id, line string, keep int) (int64, error) {
	res, err := r.run(ctx, "add log", addLogScript, q, id, line, keep)
	if err != nil {
		return 0, err
	}
	return toInt(res), nil
}

// GetLogs returns log lines start..stop (inclusive) and the total line count.
func (r *RDB) GetLogs(ctx context.Context, q keys.Queue, id string, start, stop int64) ([]string, int64, error) {
	pipe := r.client.Pipeline()
	lines := pipe.LRange(ctx, q.Logs(id), start, stop)
	n := pipe.LLen(ctx, q.Logs(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, err
	}
	return lines.Val(), n.Val(), nil
}

// Counts returns the number of jobs per state.
func (r *RDB) Counts(ctx context.Context, q keys.Queue) (map[string]int64, error) {
	pipe := r.client.Pipeline()
	wait := pipe.LLen(ctx, q.Wait)
	paused := pipe.LLen(ctx, q.Paused)
	active := pipe.LLen(ctx, q.Active)
	delayed := pipe.ZCard(ctx, q.Delayed)
	prio := pipe.ZCard(ctx, q.Prioritized)
	wc := pipe.ZCard(ctx, q.WaitingChildren)
	completed := pipe.ZCard(ctx, q.Completed)
	failed := pipe.ZCard(ctx, q.Failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return map[string]int64{
		StateWaiting:         wait.Val() + paused.Val(),
		StateActive:          active.Val(),
		StateDelayed:         delayed.Val(),
		StatePrioritized:     prio.Val(),
		StateWaitingChildren: wc.Val(),
		StateCompleted:       completed.Val(),
		StateFailed:          failed.Val(),
	}, nil
}

// JobIDs lists ids of state between start and stop (inclusive ranks).
// Waiting jobs are listed oldest first; finished jobs newest first.
func (r *RDB) JobIDs(ctx context.Context, q keys.Queue, state string, start, stop int64) ([]string, error) {
	switch state {
	case StateWaiting:
		ids, err := r.client.LRange(ctx, q.Wait, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		p, err := r.client.LRange(ctx, q.Paused, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		all := append(ids, p...)
		// Lists are consumed from the tail.
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		return sliceRange(all, start, stop), nil
	case StateActive:
		return r.client.LRange(ctx, q.Active, start, stop).Result()
	case StateDelayed:
		return r.client.ZRange(ctx, q.Delayed, start, stop).Result()
	case StatePrioritized:
		return r.client.ZRange(ctx, q.Prioritized, start, stop).Result()
	case StateWaitingChildren:
		return r.client.ZRange(ctx, q.WaitingChildren, start, stop).Result()
	case StateCompleted:
		return r.client.ZRevRange(ctx, q.Completed, start, stop).Result()
	case StateFailed:
		return r.client.ZRevRange(ctx, q.Failed, start, stop).Result()
	}
	return nil, fmt.Errorf("jobq: unsupported state %q", state)
}

func sliceRange(ids []string, start, stop int64) []string {
	n := int64(len(ids))
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil
	}
	return ids[start : stop+1]
}

// ChildrenValues returns the results of the processed children of a job,
// keyed by child job key.
func (r *RDB) ChildrenValues(ctx context.Context, q keys.Queue, id string) (map[string]string, error) {
	return r.client.HGetAll(ctx, q.Processed(id)).Result()
}

// FailedChildren returns the failure reasons of the children of a job that
// failed under the continue or ignore policy, keyed by child job key. Children
// that failed under the fail policy map to an empty reason.
func (r *RDB) FailedChildren(ctx context.Context, q keys.Queue, id string) (map[string]string, error) {
	out, err := r.client.HGetAll(ctx, q.FailedChildren(id)).Result()
	if err != nil {
		return nil, err
	}
	uns, err := r.client.SMembers(ctx, q.Unsuccessful(id)).Result()
	if err != nil {
		return nil, err
	}
	for _, k := range uns {
		if _, ok := out[k]; !ok {
			out[k] = ""
		}
	}
	return out, nil
}

// Dependencies returns the keys of the children a job still waits for.
func (r *RDB) Dependencies(ctx context.Context, q keys.Queue, id string) ([]string, error) {
	return r.client.SMembers(ctx, q.Dependencies(id)).Result()
}

// LockOwner returns the token holding the lock of a job, or "".
func (r *RDB) LockOwner(ctx context.Context, q keys.Queue, id string) (string, error) {
	tok, err := r.client.Get(ctx, q.Lock(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

// DedupOwner returns the id of the job holding a deduplication id, or "".
func (r *RDB) DedupOwner(ctx context.Context, q keys.Queue, dedupID string) (string, error) {
	id, err := r.client.Get(ctx, q.Dedup(dedupID)).Result()
	return id, ignoreNil(err)
}

// NextMarker returns the score of the marker of q, or -1 if unset.
func (r *RDB) NextMarker(ctx context.Context, q keys.Queue) (int64, error) {
	s, err := r.client.ZScore(ctx, q.Marker, "0").Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(s), nil
}
