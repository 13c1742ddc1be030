package rdb

import (
	"context"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Parent failure policies, stored in the child's "ppol" field.
const (
	PolicyNone     = ""
	PolicyFail     = "fail"
	PolicyContinue = "continue"
	PolicyIgnore   = "ignore"
	PolicyRemove   = "remove"
)

// KeepJobs is a retention policy for finished jobs.
// Count -1 keeps all jobs, 0 deletes a job as soon as it finishes.
type KeepJobs struct {
	AgeMs int64 `json:"age,omitempty"`
	Count int64 `json:"count"`
}

// KeepAll keeps every finished job.
var KeepAll = KeepJobs{Count: -1}

// Backoff describes the delay before a retry.
type Backoff struct {
	Type    string `json:"type"`
	DelayMs int64  `json:"delay"`
}

// JobOpts is the options blob stored with each job. Only the runtime reads it;
// scripts work off dedicated hash fields.
type JobOpts struct {
	Backoff          *Backoff  `json:"backoff,omitempty"`
	RemoveOnComplete *KeepJobs `json:"removeOnComplete,omitempty"`
	RemoveOnFail     *KeepJobs `json:"removeOnFail,omitempty"`
	StackTraceLimit  int       `json:"stackTraceLimit,omitempty"`
	KeepLogs         int       `json:"keepLogs,omitempty"`
}

// JobRecord is the decoded job hash.
type JobRecord struct {
	ID              string
	Name            string
	Data            []byte
	Opts            JobOpts
	RawOpts         []byte
	Timestamp       int64
	Delay           int64
	Priority        int64
	LIFO            bool
	Attempts        int64
	AttemptsMade    int64
	AttemptsStarted int64
	StalledCount    int64
	ParentKey       string
	ParentPolicy    string
	RepeatJobKey    string
	DeduplicationID string
	ProcessedOn     int64
	FinishedOn      int64
	ReturnValue     []byte
	FailedReason    string
	Stacktrace      []string
	Progress        []byte
	// DeferredFailure is set on a parent whose child failed with PolicyFail.
	DeferredFailure string
}

func parseJob(id string, m map[string]string) *JobRecord {
	j := &JobRecord{
		ID:              id,
		Name:            m["name"],
		Data:            []byte(m["data"]),
		RawOpts:         []byte(m["opts"]),
		Timestamp:       atoi(m["timestamp"]),
		Delay:           atoi(m["delay"]),
		Priority:        atoi(m["priority"]),
		LIFO:            m["lifo"] == "1",
		Attempts:        atoi(m["attempts"]),
		AttemptsMade:    atoi(m["atm"]),
		AttemptsStarted: atoi(m["ats"]),
		StalledCount:    atoi(m["stc"]),
		ParentKey:       m["parentKey"],
		ParentPolicy:    m["ppol"],
		RepeatJobKey:    m["rjk"],
		DeduplicationID: m["deid"],
		ProcessedOn:     atoi(m["processedOn"]),
		FinishedOn:      atoi(m["finishedOn"]),
		FailedReason:    m["failedReason"],
		DeferredFailure: m["defa"],
	}
	if v, ok := m["returnvalue"]; ok {
		j.ReturnValue = []byte(v)
	}
	if v, ok := m["progress"]; ok {
		j.Progress = []byte(v)
	}
	if v := m["stacktrace"]; v != "" {
		_ = sonic.UnmarshalString(v, &j.Stacktrace)
	}
	if len(j.RawOpts) > 0 {
		_ = sonic.Unmarshal(j.RawOpts, &j.Opts)
	}
	return j
}

// parseFlat decodes an HGETALL reply returned from inside a script.
func parseFlat(id string, flat []any) *JobRecord {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[str(flat[i])] = str(flat[i+1])
	}
	return parseJob(id, m)
}

// EncodeOpts serializes job options for storage.
func EncodeOpts(o JobOpts) ([]byte, error) {
	return sonic.Marshal(o)
}

// GetJob loads a job record.
func (r *RDB) GetJob(ctx context.Context, q keys.Queue, id string) (*JobRecord, error) {
	m, err := r.client.HGetAll(ctx, q.Job(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, &Error{Code: CodeJobNotFound, Op: "get job"}
	}
	return parseJob(id, m), nil
}

// GetJobByKey loads a job record from a full job key, possibly of another queue.
func (r *RDB) GetJobByKey(ctx context.Context, key string) (*JobRecord, error) {
	_, id, ok := keys.ParseJobKey(key)
	if !ok {
		return nil, &Error{Code: CodeJobNotFound, Op: "get job"}
	}
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, &Error{Code: CodeJobNotFound, Op: "get job"}
	}
	return parseJob(id, m), nil
}

// GetJobs loads several jobs of q in one round trip, in order. Missing jobs
// are skipped.
func (r *RDB) GetJobs(ctx context.Context, q keys.Queue, ids []string) ([]*JobRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.Job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]*JobRecord, 0, len(ids))
	for i, cmd := range cmds {
		if m := cmd.Val(); len(m) > 0 {
			out = append(out, parseJob(ids[i], m))
		}
	}
	return out, nil
}
