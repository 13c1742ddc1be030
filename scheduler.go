package jobq

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/jobq/internal/rdb"
	"github.com/UniQw/jobq/internal/repeat"
)

// ErrInvalidRepeat is returned when RepeatOptions set neither or both of
// Pattern and Every.
var ErrInvalidRepeat = repeat.ErrInvalidOptions

// ErrNoNextRun is returned when a schedule has no occurrence left.
var ErrNoNextRun = repeat.ErrNoNextRun

// RepeatOptions describes when a job scheduler fires. Exactly one of Pattern
// and Every must be set.
type RepeatOptions struct {
	// Pattern is a cron expression with an optional leading seconds field,
	// or a descriptor such as "@daily".
	Pattern string
	// TZ is the IANA time zone Pattern is evaluated in; UTC by default.
	TZ string

	// Every fires at fixed intervals aligned to multiples of Every since the
	// epoch, shifted by Offset.
	Every  time.Duration
	Offset time.Duration

	StartDate time.Time
	EndDate   time.Time
	// Limit caps the number of occurrences; 0 is unlimited.
	Limit int64
}

// JobTemplate is the job added for every occurrence of a scheduler.
// Only Attempts, Backoff, Priority, retention, StackTraceLimit and KeepLogs
// options apply; id, delay, parent and deduplication options are ignored.
type JobTemplate struct {
	Name    string
	Payload any
	Options []Option
}

// JobScheduler is the stored state of a job scheduler.
type JobScheduler struct {
	ID      string
	Repeat  RepeatOptions
	Name    string
	Payload []byte
	// Next is the run time of the pending occurrence, held by job NextJobID.
	Next      time.Time
	NextJobID string
	// Count is the number of occurrences added so far.
	Count int64
}

func (r RepeatOptions) internal() repeat.Options {
	return repeat.Options{
		Pattern:   r.Pattern,
		TZ:        r.TZ,
		Every:     r.Every,
		Offset:    r.Offset,
		StartDate: r.StartDate,
		EndDate:   r.EndDate,
		Limit:     r.Limit,
	}
}

// UpsertJobScheduler creates or replaces scheduler id and adds the job of its
// next occurrence, delayed until it is due. Replacing a scheduler replaces
// its pending occurrence. Each occurrence, once picked up by a worker, adds
// the following one.
func (q *Queue) UpsertJobScheduler(ctx context.Context, id string, r RepeatOptions, tpl JobTemplate) (*Job, error) {
	if err := repeat.Validate(r.internal()); err != nil {
		return nil, fmt.Errorf("jobq: job scheduler %s: %w", id, err)
	}
	data, err := q.enc.Encode(tpl.Payload)
	if err != nil {
		return nil, fmt.Errorf("jobq: encode payload: %w", err)
	}
	o := newOptions(tpl.Options)
	if err := o.validate(); err != nil {
		return nil, err
	}
	raw, err := rdb.EncodeOpts(o.jobOpts())
	if err != nil {
		return nil, fmt.Errorf("jobq: encode options: %w", err)
	}
	jobID, next, err := q.sched.Upsert(ctx, q.keys, id, r.internal(), repeat.Template{
		Name:     tpl.Name,
		Data:     data,
		Opts:     raw,
		Attempts: o.attempts,
		Priority: o.priority,
	})
	if err != nil {
		return nil, wrap("upsert job scheduler", id, err)
	}
	q.log.Debugf("job scheduler upserted: id=%s queue=%s next=%s job=%s", id, q.name, next.Format(time.RFC3339), jobID)
	return q.GetJob(ctx, jobID)
}

// RemoveJobScheduler deletes scheduler id and its pending occurrence.
// It returns ErrSchedulerNotFound if there is no such scheduler.
func (q *Queue) RemoveJobScheduler(ctx context.Context, id string) error {
	return wrap("remove job scheduler", id, q.sched.Remove(ctx, q.keys, id))
}

// GetJobScheduler returns scheduler id, or ErrSchedulerNotFound.
func (q *Queue) GetJobScheduler(ctx context.Context, id string) (*JobScheduler, error) {
	info, err := q.sched.Get(ctx, q.keys, id)
	if err != nil {
		return nil, wrap("get job scheduler", id, err)
	}
	return schedulerFromInfo(info), nil
}

// GetJobSchedulers returns every scheduler of the queue, soonest first.
func (q *Queue) GetJobSchedulers(ctx context.Context) ([]*JobScheduler, error) {
	infos, err := q.sched.List(ctx, q.keys)
	if err != nil {
		return nil, wrap("get job schedulers", q.name, err)
	}
	out := make([]*JobScheduler, len(infos))
	for i, info := range infos {
		out[i] = schedulerFromInfo(info)
	}
	return out, nil
}

func schedulerFromInfo(info *repeat.Info) *JobScheduler {
	o := info.Options
	return &JobScheduler{
		ID: info.ID,
		Repeat: RepeatOptions{
			Pattern:   o.Pattern,
			TZ:        o.TZ,
			Every:     o.Every,
			Offset:    o.Offset,
			StartDate: o.StartDate,
			EndDate:   o.EndDate,
			Limit:     o.Limit,
		},
		Name:      info.Template.Name,
		Payload:   info.Template.Data,
		Next:      info.Next,
		NextJobID: info.JobID,
		Count:     info.Count,
	}
}
