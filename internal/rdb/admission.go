package rdb

import (
	"context"
	"errors"
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// AddKind selects the admission script. It is resolved once from the job
// options, see KindOf.
type AddKind int

const (
	KindStandard AddKind = iota
	KindDelayed
	KindPrioritized
	KindWaitingChildren
)

// Deduplication modes.
const (
	DedupSimple  = "simple"
	DedupExtend  = "extend"
	DedupReplace = "replace"
)

// Add statuses.
const (
	StatusAdded        = "added"
	StatusDuplicate    = "duplicate"
	StatusDeduplicated = "deduplicated"
)

// Dedup identifies a deduplication window.
type Dedup struct {
	ID   string
	TTL  time.Duration
	Mode string
}

// AddRequest describes a job to admit.
type AddRequest struct {
	Kind     AddKind
	ID       string
	Name     string
	Data     []byte
	Opts     JobOpts
	Delay    time.Duration
	Priority int
	LIFO     bool
	Attempts int

	ParentKey    string
	ParentPolicy string
	BlockParent  bool

	RepeatJobKey string
	Dedup        *Dedup
}

// AddResult is the outcome of an admission.
type AddResult struct {
	ID     string
	Status string
}

// KindOf resolves the admission kind of a request.
func KindOf(waitChildren bool, delay time.Duration, priority int) AddKind {
	switch {
	case waitChildren:
		return KindWaitingChildren
	case delay > 0:
		return KindDelayed
	case priority > 0:
		return KindPrioritized
	default:
		return KindStandard
	}
}

func (k AddKind) script() *redis.Script {
	switch k {
	case KindDelayed:
		return addDelayedScript
	case KindPrioritized:
		return addPrioritizedScript
	case KindWaitingChildren:
		return addWaitingChildrenScript
	default:
		return addStandardScript
	}
}

func (r *RDB) addArgs(q keys.Queue, req AddRequest) ([]any, error) {
	opts, err := EncodeOpts(req.Opts)
	if err != nil {
		return nil, err
	}
	attempts := req.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var deid, mode string
	var ttl int64
	if req.Dedup != nil {
		deid, ttl, mode = req.Dedup.ID, ms(req.Dedup.TTL), req.Dedup.Mode
	}
	return r.args(q,
		req.ID, req.Name, req.Data, opts, ms(req.Delay), req.Priority, flag(req.LIFO), attempts,
		req.ParentKey, req.ParentPolicy, flag(req.BlockParent), req.RepeatJobKey,
		deid, ttl, mode,
	), nil
}

// Add admits one job.
func (r *RDB) Add(ctx context.Context, q keys.Queue, req AddRequest) (AddResult, error) {
	argv, err := r.addArgs(q, req)
	if err != nil {
		return AddResult{}, err
	}
	res, err := req.Kind.script().Run(ctx, r.client, q.ScriptKeys(), argv...).Result()
	if err != nil {
		return AddResult{}, err
	}
	return parseAdd(res)
}

// AddTx queues an admission on a MULTI pipeline. The returned command holds
// the raw result; decode it with ParseAdd after the pipeline executed.
func (r *RDB) AddTx(ctx context.Context, pipe redis.Pipeliner, q keys.Queue, req AddRequest) (*redis.Cmd, error) {
	argv, err := r.addArgs(q, req)
	if err != nil {
		return nil, err
	}
	return req.Kind.script().Eval(ctx, pipe, q.ScriptKeys(), argv...), nil
}

// ParseAdd decodes the result of an AddTx command.
func ParseAdd(cmd *redis.Cmd) (AddResult, error) {
	res, err := cmd.Result()
	if err != nil {
		return AddResult{}, err
	}
	return parseAdd(res)
}

func parseAdd(res any) (AddResult, error) {
	res, err := checkCode("add job", res)
	if err != nil {
		return AddResult{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return AddResult{}, errUnexpected(res)
	}
	return AddResult{ID: str(arr[0]), Status: str(arr[1])}, nil
}

// FlowEntry is one job of a flow.
type FlowEntry struct {
	Queue keys.Queue
	Req   AddRequest
}

const flowRetries = 5

// AddFlow admits entries in one MULTI transaction. Parents must come before
// their children. MULTI does not undo the scripts that ran before a failing
// one, so every condition an admission can be rejected for is checked first
// under WATCH; nothing is written if a check fails. A concurrent write to a
// checked key aborts the transaction and the checks run again.
func (r *RDB) AddFlow(ctx context.Context, entries []FlowEntry) ([]AddResult, error) {
	watch := flowWatchKeys(entries)
	for i := 0; i < flowRetries; i++ {
		var out []AddResult
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			if err := checkFlow(ctx, tx, entries); err != nil {
				return err
			}
			cmds := make([]*redis.Cmd, len(entries))
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, e := range entries {
					cmd, err := r.AddTx(ctx, pipe, e.Queue, e.Req)
					if err != nil {
						return err
					}
					cmds[i] = cmd
				}
				return nil
			})
			if err != nil {
				return err
			}
			out = make([]AddResult, len(entries))
			for i, cmd := range cmds {
				if out[i], err = ParseAdd(cmd); err != nil {
					return err
				}
			}
			return nil
		}, watch...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, redis.TxFailedErr
}

// flowWatchKeys returns the keys checkFlow reads.
func flowWatchKeys(entries []FlowEntry) []string {
	var out []string
	for _, e := range entries {
		if e.Req.ID != "" {
			out = append(out, e.Queue.Job(e.Req.ID))
		}
		if e.Req.ParentKey != "" {
			out = append(out, e.Req.ParentKey)
		}
		if d := e.Req.Dedup; d != nil && d.ID != "" {
			out = append(out, e.Queue.Dedup(d.ID), e.Queue.Delayed)
		}
	}
	return out
}

// checkFlow reports the error the admission scripts would return for
// entries, given the jobs that exist now and the ones the flow creates.
func checkFlow(ctx context.Context, tx *redis.Tx, entries []FlowEntry) error {
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		pk := e.Req.ParentKey
		if pk != "" && !present[pk] {
			n, err := tx.Exists(ctx, pk).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return &Error{Code: CodeParentNotFound, Op: "add flow"}
			}
		}
		if e.Req.ID == "" {
			continue
		}
		jk := e.Queue.Job(e.Req.ID)
		epk, err := tx.HGet(ctx, jk, "parentKey").Result()
		if ignoreNil(err) != nil {
			return err
		}
		if pk != "" && epk != "" && epk != pk {
			return &Error{Code: CodeParentCannotBeReplaced, Op: "add flow"}
		}
		n, err := tx.Exists(ctx, jk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			// A deduplicated job is not created; its children then miss
			// their parent.
			dup, err := deduplicated(ctx, tx, e)
			if err != nil {
				return err
			}
			if dup {
				continue
			}
		}
		present[jk] = true
	}
	return nil
}

func deduplicated(ctx context.Context, tx *redis.Tx, e FlowEntry) (bool, error) {
	d := e.Req.Dedup
	if d == nil || d.ID == "" {
		return false, nil
	}
	owner, err := tx.Get(ctx, e.Queue.Dedup(d.ID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if d.Mode != DedupReplace {
		return true, nil
	}
	_, err = tx.ZScore(ctx, e.Queue.Delayed, owner).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	return false, err
}
