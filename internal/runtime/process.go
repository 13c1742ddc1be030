package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/UniQw/jobq/internal/backoff"
	"github.com/UniQw/jobq/internal/hctx"
	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
)

const defaultStackTraceLimit = 10

// PanicError is the failure recorded for a handler that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// reporter persists progress and logs of the job being processed.
type reporter struct {
	rdb  *rdb.RDB
	q    keys.Queue
	id   string
	keep int
}

func (r reporter) UpdateProgress(ctx context.Context, p []byte) error {
	return r.rdb.UpdateProgress(ctx, r.q, r.id, p)
}

func (r reporter) AddLog(ctx context.Context, line string) error {
	_, err := r.rdb.AddLog(ctx, r.q, r.id, line, r.keep)
	return err
}

// process runs one job and moves it to its next state. It returns the job
// activated in the same round trip, if any.
func (rt *Runtime) process(token string, f *fetched) *fetched {
	job, queue := f.job, f.queue
	kset := rt.qmap[queue]

	if job.RepeatJobKey != "" {
		if _, err := rt.sched.Advance(rt.ctx, kset, job.RepeatJobKey, job.ID); err != nil {
			rt.log.Warnf("scheduler: advance failed: scheduler=%s id=%s queue=%s err=%v", job.RepeatJobKey, job.ID, queue, err)
		}
	}

	if job.DeferredFailure != "" {
		rt.log.Warnf("deferred failure: id=%s name=%s queue=%s reason=%s", job.ID, job.Name, queue, job.DeferredFailure)
		return rt.fail(token, f, fmt.Errorf("%w: %s", ErrUnrecoverable, job.DeferredFailure))
	}

	lockCtx, cancelLock := context.WithCancel(rt.ctx)
	lost := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		rt.renewLock(lockCtx, cancelLock, kset, job.ID, token, lost)
	}()

	st := hctx.New(queue, job, reporter{rdb: rt.rdb, q: kset, id: job.ID, keep: job.Opts.KeepLogs})
	err := rt.run(hctx.WithState(lockCtx, st), job)
	cancelLock()
	<-exited

	select {
	case <-lost:
		rt.log.Warnf("lock lost, result dropped: id=%s name=%s queue=%s", job.ID, job.Name, queue)
		return nil
	default:
	}
	if err != nil && rt.ctx.Err() != nil {
		rt.log.Warnf("shutdown interrupted job, leaving it for stall recovery: id=%s name=%s queue=%s err=%v", job.ID, job.Name, queue, err)
		return nil
	}
	if err != nil {
		return rt.fail(token, f, err)
	}
	return rt.complete(token, f, st.Result())
}

// run calls the handler, turning a panic into a *PanicError.
func (rt *Runtime) run(ctx context.Context, job *rdb.JobRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return rt.exec(ctx, job.Name, job.Data)
}

// renewLock extends the job lock every LockDuration/2. If the lock is lost
// the handler's context is cancelled.
func (rt *Runtime) renewLock(ctx context.Context, cancel context.CancelFunc, kset keys.Queue, id, token string, lost chan struct{}) {
	ticker := time.NewTicker(rt.cfg.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := rt.rdb.ExtendLock(ctx, kset, id, token, rt.cfg.LockDuration)
			if err == nil {
				continue
			}
			if errors.Is(err, rdb.ErrLockConflict) {
				close(lost)
				cancel()
				return
			}
			if ctx.Err() == nil {
				rt.log.Warnf("extend lock failed: id=%s queue=%s err=%v", id, kset.Name, err)
			}
		}
	}
}

// finishCtx outlives Stop so that a finished job is always recorded.
func (rt *Runtime) finishCtx() context.Context {
	return context.WithoutCancel(rt.ctx)
}

func (rt *Runtime) complete(token string, f *fetched, result []byte) *fetched {
	job, queue := f.job, f.queue
	kset := rt.qmap[queue]
	ctx := rt.finishCtx()
	next, err := rt.rdb.Complete(ctx, kset, rdb.CompleteRequest{
		ID:           job.ID,
		Token:        token,
		Result:       result,
		Keep:         keep(job.Opts.RemoveOnComplete, rt.cfg.RemoveOnComplete),
		FetchNext:    rt.ctx.Err() == nil,
		LockDuration: rt.cfg.LockDuration,
	})
	switch {
	case errors.Is(err, rdb.ErrPendingChildren):
		if _, werr := rt.rdb.MoveToWaitingChildren(ctx, kset, job.ID, token); werr != nil {
			rt.log.Errorf("move to waiting-children failed: id=%s queue=%s err=%v", job.ID, queue, werr)
		} else {
			rt.log.Debugf("waiting for children: id=%s name=%s queue=%s", job.ID, job.Name, queue)
		}
		return nil
	case errors.Is(err, rdb.ErrFailedChildren):
		return rt.fail(token, f, fmt.Errorf("%w: %v", ErrUnrecoverable, err))
	case err != nil:
		if rdb.IsBenign(err) {
			rt.log.Warnf("complete lost a race: id=%s queue=%s err=%v", job.ID, queue, err)
		} else {
			rt.log.Errorf("complete failed: id=%s name=%s queue=%s err=%v", job.ID, job.Name, queue, err)
		}
		return nil
	}
	rt.log.Debugf("processed: id=%s name=%s queue=%s", job.ID, job.Name, queue)
	return fetchedFrom(queue, next)
}

func (rt *Runtime) fail(token string, f *fetched, cause error) *fetched {
	job, queue := f.job, f.queue
	kset := rt.qmap[queue]
	retryable := !errors.Is(cause, ErrUnrecoverable) && !errors.Is(cause, ErrNoHandler)
	var delay time.Duration
	if b := job.Opts.Backoff; b != nil && retryable {
		delay = backoff.For(b.Type, time.Duration(b.DelayMs)*time.Millisecond).Delay(int(job.AttemptsMade + 1))
	}
	res, err := rt.rdb.Fail(rt.finishCtx(), kset, rdb.FailRequest{
		ID:           job.ID,
		Token:        token,
		Reason:       cause.Error(),
		Stacktrace:   traces(job, cause),
		Retryable:    retryable,
		Backoff:      delay,
		Keep:         keep(job.Opts.RemoveOnFail, rt.cfg.RemoveOnFail),
		FetchNext:    rt.ctx.Err() == nil,
		LockDuration: rt.cfg.LockDuration,
	})
	if err != nil {
		if rdb.IsBenign(err) {
			rt.log.Warnf("fail lost a race: id=%s queue=%s err=%v", job.ID, queue, err)
		} else {
			rt.log.Errorf("fail transition failed: id=%s name=%s queue=%s err=%v", job.ID, job.Name, queue, err)
		}
		return nil
	}
	switch {
	case errors.Is(cause, ErrNoHandler):
		rt.log.Warnf("no handler for job: id=%s name=%s queue=%s", job.ID, job.Name, queue)
	case res.Retried:
		rt.log.Warnf("handler error, retrying: id=%s name=%s queue=%s attempt=%d delay=%s err=%v", job.ID, job.Name, queue, job.AttemptsMade+1, delay, cause)
	default:
		rt.log.Errorf("job failed: id=%s name=%s queue=%s err=%v", job.ID, job.Name, queue, cause)
	}
	return fetchedFrom(queue, res.Next)
}

// traces appends the trace of this attempt to the job's, keeping the most
// recent StackTraceLimit entries.
func traces(job *rdb.JobRecord, cause error) []string {
	limit := job.Opts.StackTraceLimit
	if limit <= 0 {
		limit = defaultStackTraceLimit
	}
	entry := cause.Error()
	var pe *PanicError
	if errors.As(cause, &pe) {
		entry = pe.Error() + "\n" + string(pe.Stack)
	}
	out := append(append([]string{}, job.Stacktrace...), entry)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func keep(job, server *rdb.KeepJobs) *rdb.KeepJobs {
	if job != nil {
		return job
	}
	return server
}

func fetchedFrom(queue string, a *rdb.Activation) *fetched {
	if a == nil || a.Job == nil {
		return nil
	}
	return &fetched{queue: queue, job: a.Job}
}
