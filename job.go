package jobq

import (
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
)

// Job is a unit of work stored in a queue.
type Job struct {
	// ID is the job id, unique within its queue.
	ID string
	// Name routes the job to its handler, see Mux.
	Name string
	// Queue is the name of the queue the job belongs to.
	Queue string
	// Payload is the encoded job data.
	Payload []byte

	Delay    time.Duration
	Priority int
	LIFO     bool
	// Attempts is the total number of attempts allowed.
	Attempts        int
	AttemptsMade    int
	AttemptsStarted int
	StalledCount    int
	Backoff         *BackoffOptions

	// Timestamp is the time the job was added.
	Timestamp   time.Time
	ProcessedOn time.Time
	FinishedOn  time.Time

	// Result is the encoded value recorded by the handler on completion.
	Result       []byte
	FailedReason string
	// Stacktrace holds the most recent failure traces, oldest first.
	Stacktrace []string
	// Progress is the encoded value last reported by the handler.
	Progress []byte

	// ParentKey is the store key of the parent job, if any.
	ParentKey    string
	ParentPolicy FailurePolicy
	// SchedulerID names the job scheduler that produced the job.
	SchedulerID     string
	DeduplicationID string

	// Duplicate is set by Add when a job with the requested id already existed.
	Duplicate bool
	// Deduplicated is set by Add when the deduplication id was taken.
	Deduplicated bool
}

// BackoffOptions is the retry delay strategy of a job.
type BackoffOptions struct {
	Type  string
	Delay time.Duration
}

// ParentQueue returns the queue name of the job's parent, or "".
func (j *Job) ParentQueue() string {
	if j.ParentKey == "" {
		return ""
	}
	return keys.QueueName(j.ParentKey)
}

// ParentID returns the id of the job's parent, or "".
func (j *Job) ParentID() string {
	_, id, _ := keys.ParseJobKey(j.ParentKey)
	return id
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func jobFromRecord(queue string, r *rdb.JobRecord) *Job {
	j := &Job{
		ID:              r.ID,
		Name:            r.Name,
		Queue:           queue,
		Payload:         r.Data,
		Delay:           time.Duration(r.Delay) * time.Millisecond,
		Priority:        int(r.Priority),
		LIFO:            r.LIFO,
		Attempts:        int(r.Attempts),
		AttemptsMade:    int(r.AttemptsMade),
		AttemptsStarted: int(r.AttemptsStarted),
		StalledCount:    int(r.StalledCount),
		Timestamp:       msTime(r.Timestamp),
		ProcessedOn:     msTime(r.ProcessedOn),
		FinishedOn:      msTime(r.FinishedOn),
		Result:          r.ReturnValue,
		FailedReason:    r.FailedReason,
		Stacktrace:      r.Stacktrace,
		Progress:        r.Progress,
		ParentKey:       r.ParentKey,
		ParentPolicy:    FailurePolicy(r.ParentPolicy),
		SchedulerID:     r.RepeatJobKey,
		DeduplicationID: r.DeduplicationID,
	}
	if b := r.Opts.Backoff; b != nil {
		j.Backoff = &BackoffOptions{Type: b.Type, Delay: time.Duration(b.DelayMs) * time.Millisecond}
	}
	return j
}
