package jobq

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
	"github.com/UniQw/jobq/internal/repeat"
	"github.com/redis/go-redis/v9"
)

// Queue provides APIs to add, inspect and manage the jobs of one queue.
// A Queue is safe for concurrent use.
type Queue struct {
	name  string
	keys  keys.Queue
	rdb   *rdb.RDB
	sched *repeat.Scheduler
	enc   Encoder
	log   Logger
}

// NewQueue returns a handle on queue name. It returns ErrInvalidQueueName if
// the name is empty or contains '{', '}' or ':'.
func NewQueue(client redis.UniversalClient, name string, opts ...QueueOption) (*Queue, error) {
	cfg := &queueOptions{}
	for _, opt := range opts {
		opt(cfg)
	}
	k, err := keys.For(cfg.prefix, name)
	if err != nil {
		return nil, fmt.Errorf("jobq: queue %q: %w", name, err)
	}
	var ropts []rdb.Option
	if cfg.clock != nil {
		ropts = append(ropts, rdb.WithClock(cfg.clock))
	}
	if cfg.maxEvents > 0 {
		ropts = append(ropts, rdb.WithMaxEvents(cfg.maxEvents))
	}
	r := rdb.New(client, ropts...)
	q := &Queue{
		name:  name,
		keys:  k,
		rdb:   r,
		sched: repeat.New(r),
		enc:   cfg.encoder,
		log:   cfg.logger,
	}
	if q.enc == nil {
		q.enc = defaultEncoder
	}
	if q.log == nil {
		q.log = nopLogger{}
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Prefix returns the key prefix of the queue.
func (q *Queue) Prefix() string { return q.keys.Prefix }

// Add encodes payload and adds a job to the queue.
//
// If the job id (JobID) already exists the existing job is returned with
// Duplicate set; if its deduplication id is taken, the job holding it is
// returned with Deduplicated set. Neither case is an error.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts ...Option) (*Job, error) {
	data, err := q.enc.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("jobq: encode payload: %w", err)
	}
	o := newOptions(opts)
	req, err := q.request(name, data, o, false)
	if err != nil {
		return nil, err
	}
	res, err := q.rdb.Add(ctx, q.keys, req)
	if err != nil {
		return nil, wrap("add job", o.id, err)
	}
	return q.added(ctx, req, res), nil
}

// request resolves the options of a job into one admission request.
func (q *Queue) request(name string, data []byte, o *options, hasChildren bool) (rdb.AddRequest, error) {
	if err := o.validate(); err != nil {
		return rdb.AddRequest{}, err
	}
	req := rdb.AddRequest{
		Kind:     rdb.KindOf(hasChildren, o.delay, o.priority),
		ID:       o.id,
		Name:     name,
		Data:     data,
		Opts:     o.jobOpts(),
		Delay:    o.delay,
		Priority: o.priority,
		LIFO:     o.lifo,
		Attempts: o.attempts,
		Dedup:    o.dedupRecord(),
	}
	if o.parent != nil {
		pk, err := q.jobKey(o.parent.queue, o.parent.id)
		if err != nil {
			return rdb.AddRequest{}, err
		}
		req.ParentKey = pk
		req.ParentPolicy = string(o.parentPolicy)
		req.BlockParent = true
	}
	return req, nil
}

// jobKey returns the key of job id in queue, which shares this queue's prefix.
func (q *Queue) jobKey(queue, id string) (string, error) {
	if queue == "" || queue == q.name {
		return q.keys.Job(id), nil
	}
	k, err := keys.For(q.keys.Prefix, queue)
	if err != nil {
		return "", fmt.Errorf("jobq: queue %q: %w", queue, err)
	}
	return k.Job(id), nil
}

func (q *Queue) added(ctx context.Context, req rdb.AddRequest, res rdb.AddResult) *Job {
	if res.Status != rdb.StatusAdded {
		q.log.Debugf("add returned existing job: id=%s queue=%s status=%s", res.ID, q.name, res.Status)
		if rec, err := q.rdb.GetJob(ctx, q.keys, res.ID); err == nil {
			j := jobFromRecord(q.name, rec)
			j.Duplicate = res.Status == rdb.StatusDuplicate
			j.Deduplicated = res.Status == rdb.StatusDeduplicated
			return j
		}
	}
	j := q.jobFromRequest(q.name, res.ID, req)
	j.Duplicate = res.Status == rdb.StatusDuplicate
	j.Deduplicated = res.Status == rdb.StatusDeduplicated
	return j
}

func (q *Queue) jobFromRequest(queue, id string, req rdb.AddRequest) *Job {
	j := &Job{
		ID:           id,
		Name:         req.Name,
		Queue:        queue,
		Payload:      req.Data,
		Delay:        req.Delay,
		Priority:     req.Priority,
		LIFO:         req.LIFO,
		Attempts:     max(req.Attempts, 1),
		Timestamp:    q.rdb.Clock().Now(),
		ParentKey:    req.ParentKey,
		ParentPolicy: FailurePolicy(req.ParentPolicy),
	}
	if req.Dedup != nil {
		j.DeduplicationID = req.Dedup.ID
	}
	if b := req.Opts.Backoff; b != nil {
		j.Backoff = &BackoffOptions{Type: b.Type, Delay: time.Duration(b.DelayMs) * time.Millisecond}
	}
	return j
}

// GetJob returns job id. It returns ErrJobNotFound if the job does not exist.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	rec, err := q.rdb.GetJob(ctx, q.keys, id)
	if err != nil {
		return nil, wrap("get job", id, err)
	}
	return jobFromRecord(q.name, rec), nil
}

// GetState returns the state of job id, StateUnknown if it does not exist.
func (q *Queue) GetState(ctx context.Context, id string) (State, error) {
	s, err := q.rdb.GetState(ctx, q.keys, id)
	if err != nil {
		return "", wrap("get state", id, err)
	}
	return State(s), nil
}

// GetJobCounts returns the number of jobs in each of the given states, or in
// every state if none is given. Paused waiting jobs count as waiting.
func (q *Queue) GetJobCounts(ctx context.Context, states ...State) (map[State]int64, error) {
	for _, s := range states {
		if !s.valid() {
			return nil, ErrUnknownState
		}
	}
	counts, err := q.rdb.Counts(ctx, q.keys)
	if err != nil {
		return nil, wrap("get job counts", q.name, err)
	}
	if len(states) == 0 {
		states = AllStates
	}
	out := make(map[State]int64, len(states))
	for _, s := range states {
		out[s] = counts[string(s)]
	}
	return out, nil
}

// GetJobs returns the jobs of state with rank start..end (inclusive; -1 is
// the last). Waiting jobs are listed in the order they will run, finished
// jobs newest first.
func (q *Queue) GetJobs(ctx context.Context, state State, start, end int64) ([]*Job, error) {
	if !state.valid() {
		return nil, ErrUnknownState
	}
	ids, err := q.rdb.JobIDs(ctx, q.keys, string(state), start, end)
	if err != nil {
		return nil, wrap("get jobs", q.name, err)
	}
	recs, err := q.rdb.GetJobs(ctx, q.keys, ids)
	if err != nil {
		return nil, wrap("get jobs", q.name, err)
	}
	out := make([]*Job, 0, len(recs))
	for _, r := range recs {
		out = append(out, jobFromRecord(q.name, r))
	}
	return out, nil
}

// GetJobLogs returns log lines start..end (inclusive) of job id and the
// total number of lines.
func (q *Queue) GetJobLogs(ctx context.Context, id string, start, end int64) ([]string, int64, error) {
	lines, n, err := q.rdb.GetLogs(ctx, q.keys, id, start, end)
	return lines, n, wrap("get job logs", id, err)
}

// GetChildrenValues returns the results of the completed children of job id,
// keyed by child job key.
func (q *Queue) GetChildrenValues(ctx context.Context, id string) (map[string][]byte, error) {
	vals, err := q.rdb.ChildrenValues(ctx, q.keys, id)
	if err != nil {
		return nil, wrap("get children values", id, err)
	}
	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

// GetFailedChildren returns the failure reasons of the children of job id
// that failed without removing their dependency, keyed by child job key.
func (q *Queue) GetFailedChildren(ctx context.Context, id string) (map[string]string, error) {
	out, err := q.rdb.FailedChildren(ctx, q.keys, id)
	return out, wrap("get failed children", id, err)
}

// GetDependencies returns the keys of the children job id still waits for.
func (q *Queue) GetDependencies(ctx context.Context, id string) ([]string, error) {
	out, err := q.rdb.Dependencies(ctx, q.keys, id)
	return out, wrap("get dependencies", id, err)
}

// Remove deletes job id. Locked jobs cannot be removed (ErrJobLocked). With
// removeChildren set, its children are removed recursively; otherwise they
// are detached.
func (q *Queue) Remove(ctx context.Context, id string, removeChildren bool) error {
	return wrap("remove job", id, q.rdb.RemoveJob(ctx, q.keys, id, removeChildren))
}

// UpdateProgress encodes progress and stores it on job id.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress any) error {
	b, err := q.enc.Encode(progress)
	if err != nil {
		return fmt.Errorf("jobq: encode progress: %w", err)
	}
	return wrap("update progress", id, q.rdb.UpdateProgress(ctx, q.keys, id, b))
}

// AddLog appends a line to the logs of job id and returns the number of
// lines kept.
func (q *Queue) AddLog(ctx context.Context, id, line string) (int64, error) {
	rec, err := q.rdb.GetJob(ctx, q.keys, id)
	if err != nil {
		return 0, wrap("add log", id, err)
	}
	n, err := q.rdb.AddLog(ctx, q.keys, id, line, rec.Opts.KeepLogs)
	return n, wrap("add log", id, err)
}

// ExtractQueueName parses a queue name from a raw Redis key (e.g. "jobq:{default}:wait").
// It returns an empty string if the format is invalid.
func ExtractQueueName(key string) string {
	return keys.QueueName(key)
}
