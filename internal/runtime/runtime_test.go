package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/jobq/internal/hctx"
	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
	"github.com/UniQw/jobq/internal/repeat"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func newMini(t *testing.T) (*mrd.Miniredis, *rdb.RDB) {
	t.Helper()
	s := mrd.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, rdb.New(client)
}

func testConfig(queues ...string) Config {
	m := make(map[string]int, len(queues))
	for _, q := range queues {
		m[q] = 1
	}
	return Config{
		Queues:            m,
		Concurrency:       2,
		LockDuration:      10 * time.Second,
		StalledInterval:   50 * time.Millisecond,
		DrainDelay:        200 * time.Millisecond,
		SchedulerInterval: 50 * time.Millisecond,
	}
}

func start(t *testing.T, r *rdb.RDB, cfg Config, exec Executor) *Runtime {
	t.Helper()
	rt, err := New(r, cfg, exec)
	require.NoError(t, err)
	rt.Start()
	t.Cleanup(rt.Stop)
	return rt
}

func waitState(t *testing.T, r *rdb.RDB, q keys.Queue, id, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := r.GetState(context.Background(), q, id)
		return err == nil && s == state
	}, waitFor, 10*time.Millisecond, "job %s never reached %s", id, state)
}

func add(t *testing.T, r *rdb.RDB, q keys.Queue, req rdb.AddRequest) string {
	t.Helper()
	req.Kind = rdb.KindOf(req.Kind == rdb.KindWaitingChildren, req.Delay, req.Priority)
	res, err := r.Add(context.Background(), q, req)
	require.NoError(t, err)
	return res.ID
}

func TestRuntime_StartStop_Idempotent(t *testing.T) {
	_, r := newMini(t)
	cfg := testConfig("q")
	cfg.Concurrency = 0
	rt, err := New(r, cfg, func(context.Context, string, []byte) error { return nil })
	require.NoError(t, err)

	rt.Start()
	rt.Start()
	time.Sleep(50 * time.Millisecond)
	rt.Stop()
	rt.Stop()
}

func TestRuntime_InvalidQueue(t *testing.T) {
	_, r := newMini(t)
	_, err := New(r, Config{Queues: map[string]int{"a:b": 1}}, nil)
	require.ErrorIs(t, err, keys.ErrInvalidName)
}

func TestRuntime_ProcessesJob(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	var got atomic.Value
	start(t, r, testConfig("q"), func(ctx context.Context, name string, payload []byte) error {
		st, ok := hctx.From(ctx)
		if !ok {
			return errors.New("no state")
		}
		got.Store(name + ":" + string(payload) + ":" + st.Queue)
		st.SetResult([]byte(`"done"`))
		return st.Reporter.AddLog(ctx, "ran")
	})

	id := add(t, r, q, rdb.AddRequest{Name: "email", Data: []byte("hi")})
	waitState(t, r, q, id, rdb.StateCompleted)
	require.Equal(t, "email:hi:q", got.Load())

	j, err := r.GetJob(context.Background(), q, id)
	require.NoError(t, err)
	require.Equal(t, []byte(`"done"`), j.ReturnValue)
	lines, _, err := r.GetLogs(context.Background(), q, id, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"ran"}, lines)
}

func TestRuntime_RetriesThenSucceeds(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	var calls atomic.Int32
	start(t, r, testConfig("q"), func(context.Context, string, []byte) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	opts := rdb.JobOpts{Backoff: &rdb.Backoff{Type: "fixed", DelayMs: 10}}
	id := add(t, r, q, rdb.AddRequest{Attempts: 2, Opts: opts})
	waitState(t, r, q, id, rdb.StateCompleted)

	j, err := r.GetJob(context.Background(), q, id)
	require.NoError(t, err)
	require.Equal(t, int64(2), j.AttemptsMade)
	require.Equal(t, []string{"transient"}, j.Stacktrace)
}

func TestRuntime_UnrecoverableSkipsRetries(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	start(t, r, testConfig("q"), func(context.Context, string, []byte) error {
		return errors.Join(ErrUnrecoverable, errors.New("bad input"))
	})

	id := add(t, r, q, rdb.AddRequest{Attempts: 5})
	waitState(t, r, q, id, rdb.StateFailed)
	j, err := r.GetJob(context.Background(), q, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), j.AttemptsMade)
	require.Contains(t, j.FailedReason, "bad input")
}

func TestRuntime_NoHandler(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	start(t, r, testConfig("q"), func(context.Context, string, []byte) error { return ErrNoHandler })

	id := add(t, r, q, rdb.AddRequest{Name: "unknown", Attempts: 3})
	waitState(t, r, q, id, rdb.StateFailed)
}

func TestRuntime_RecoversPanic(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	start(t, r, testConfig("q"), func(context.Context, string, []byte) error { panic("kaboom") })

	id := add(t, r, q, rdb.AddRequest{})
	waitState(t, r, q, id, rdb.StateFailed)
	j, err := r.GetJob(context.Background(), q, id)
	require.NoError(t, err)
	require.Equal(t, "panic: kaboom", j.FailedReason)
	require.Len(t, j.Stacktrace, 1)
	require.True(t, strings.HasPrefix(j.Stacktrace[0], "panic: kaboom\n"))
}

func TestRuntime_DelayedJob(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	var at atomic.Int64
	start(t, r, testConfig("q"), func(context.Context, string, []byte) error {
		at.Store(time.Now().UnixMilli())
		return nil
	})

	added := time.Now()
	id := add(t, r, q, rdb.AddRequest{Delay: 300 * time.Millisecond})
	waitState(t, r, q, id, rdb.StateCompleted)
	require.GreaterOrEqual(t, at.Load(), added.Add(300*time.Millisecond).UnixMilli())
}

func TestRuntime_ParentWaitsForChildAddedDuringRun(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	var parentRuns atomic.Int32
	var once sync.Once
	cfg := testConfig("q")
	cfg.Concurrency = 1
	start(t, r, cfg, func(ctx context.Context, name string, _ []byte) error {
		if name != "parent" {
			return nil
		}
		parentRuns.Add(1)
		st, _ := hctx.From(ctx)
		var err error
		once.Do(func() {
			_, err = r.Add(ctx, q, rdb.AddRequest{Name: "child", ParentKey: q.Job(st.Job.ID), BlockParent: true})
		})
		return err
	})

	id := add(t, r, q, rdb.AddRequest{Name: "parent"})
	waitState(t, r, q, id, rdb.StateCompleted)
	require.Equal(t, int32(2), parentRuns.Load())

	vals, err := r.ChildrenValues(context.Background(), q, id)
	require.NoError(t, err)
	require.Len(t, vals, 1)
}

func TestRuntime_DeferredFailureSkipsHandler(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	var parentRuns atomic.Int32
	start(t, r, testConfig("q"), func(_ context.Context, name string, _ []byte) error {
		if name == "parent" {
			parentRuns.Add(1)
			return nil
		}
		return errors.New("child broke")
	})

	parent := add(t, r, q, rdb.AddRequest{Kind: rdb.KindWaitingChildren, Name: "parent"})
	add(t, r, q, rdb.AddRequest{Name: "child", ParentKey: q.Job(parent), ParentPolicy: rdb.PolicyFail})

	waitState(t, r, q, parent, rdb.StateFailed)
	require.Zero(t, parentRuns.Load())
}

func TestRuntime_StalledJobIsRecovered(t *testing.T) {
	s, r := newMini(t)
	q := keys.MustFor("", "q")
	ctx := context.Background()
	id := add(t, r, q, rdb.AddRequest{})

	// A worker that died after activation.
	_, err := r.Activate(ctx, q, "dead-worker", time.Second)
	require.NoError(t, err)
	s.FastForward(2 * time.Second)

	start(t, r, testConfig("q"), func(context.Context, string, []byte) error { return nil })
	waitState(t, r, q, id, rdb.StateCompleted)
	j, err := r.GetJob(ctx, q, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), j.StalledCount)
}

func TestStalledCheckExpiresBeforeNextSweep(t *testing.T) {
	s, r := newMini(t)
	q := keys.MustFor("", "stall-ttl")
	interval := time.Second

	_, err := r.MoveStalledToWait(context.Background(), q, 1, stalledCheckTTL(interval), nil)
	require.NoError(t, err)
	require.True(t, s.Exists(q.StalledCheck))
	require.Equal(t, 900*time.Millisecond, s.TTL(q.StalledCheck))

	s.FastForward(interval)
	require.False(t, s.Exists(q.StalledCheck))
}

func TestRuntime_WeightedQueues(t *testing.T) {
	_, r := newMini(t)
	a, b := keys.MustFor("", "a"), keys.MustFor("", "b")
	start(t, r, testConfig("a", "b"), func(context.Context, string, []byte) error { return nil })

	ida := add(t, r, a, rdb.AddRequest{})
	idb := add(t, r, b, rdb.AddRequest{})
	waitState(t, r, a, ida, rdb.StateCompleted)
	waitState(t, r, b, idb, rdb.StateCompleted)
}

func TestRuntime_AdvancesSchedulers(t *testing.T) {
	_, r := newMini(t)
	q := keys.MustFor("", "q")
	var runs atomic.Int32
	start(t, r, testConfig("q"), func(context.Context, string, []byte) error {
		runs.Add(1)
		return nil
	})

	_, _, err := repeat.New(r).Upsert(context.Background(), q, "tick", repeat.Options{Every: 200 * time.Millisecond}, repeat.Template{Name: "tick"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, waitFor, 20*time.Millisecond)
}

func TestRuntime_RateLimiterFromConfig(t *testing.T) {
	_, r := newMini(t)
	cfg := testConfig("q")
	cfg.Concurrency = 0
	cfg.Limiter = &Limiter{Max: 5, Duration: time.Second}
	start(t, r, cfg, nil)

	q := keys.MustFor("", "q")
	require.Eventually(t, func() bool {
		m, err := r.Meta(context.Background(), q)
		return err == nil && m["max"] == "5" && m["duration"] == "1000"
	}, waitFor, 10*time.Millisecond)
}

func TestExpandQueues(t *testing.T) {
	out := expandQueues(map[string]int{"a": 2, "b": 1})
	require.Len(t, out, 3)
	require.ElementsMatch(t, []string{"a", "a", "b"}, out)
}

func TestTraces_KeepsMostRecent(t *testing.T) {
	job := &rdb.JobRecord{Stacktrace: []string{"1", "2"}, Opts: rdb.JobOpts{StackTraceLimit: 2}}
	require.Equal(t, []string{"2", "3"}, traces(job, errors.New("3")))
}
