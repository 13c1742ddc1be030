package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/UniQw/jobq"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type cliFixture struct {
	s *mrd.Miniredis
	q *jobq.Queue
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	s := mrd.RunT(t)
	t.Setenv("JOBQ_REDIS_ADDR", s.Addr())
	t.Setenv("JOBQ_QUEUES", "cli")
	t.Setenv("JOBQ_CONCURRENCY", "1")
	t.Setenv("JOBQ_DRAIN_DELAY", "100ms")
	t.Setenv("JOBQ_LOG_LEVEL", "error")
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := jobq.NewQueue(client, "cli")
	require.NoError(t, err)
	return &cliFixture{s: s, q: q}
}

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestCLI_AddAndInspect(t *testing.T) {
	f := newCLIFixture(t)
	ctx := context.Background()

	out, err := run(t, ctx, "add", "cli", "echo", `{"a":1}`, "--id", "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1\n", out)

	out, err = run(t, ctx, "add", "cli", "echo", `{"a":1}`, "--id", "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1 (existing)\n", out)

	_, err = run(t, ctx, "add", "cli", "echo", `{not json`)
	require.ErrorContains(t, err, "not valid JSON")

	out, err = run(t, ctx, "job", "cli", "job-1")
	require.NoError(t, err)
	require.Contains(t, out, `"name": "echo"`)
	require.Contains(t, out, `"state": "waiting"`)
	require.Regexp(t, `"a":\s*1`, out)

	out, err = run(t, ctx, "counts")
	require.NoError(t, err)
	require.Contains(t, out, "WAITING")
	require.Regexp(t, `cli\s+false\s+1\s+0`, out)

	out, err = run(t, ctx, "events", "cli")
	require.NoError(t, err)
	require.Contains(t, out, "added")
	require.Contains(t, out, "job=job-1")

	st, err := f.q.GetState(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobq.StateWaiting, st)
}

func TestCLI_Admin(t *testing.T) {
	f := newCLIFixture(t)
	ctx := context.Background()

	_, err := run(t, ctx, "pause", "cli")
	require.NoError(t, err)
	paused, err := f.q.IsPaused(ctx)
	require.NoError(t, err)
	require.True(t, paused)

	_, err = run(t, ctx, "resume", "cli")
	require.NoError(t, err)
	paused, err = f.q.IsPaused(ctx)
	require.NoError(t, err)
	require.False(t, paused)

	j, err := f.q.Add(ctx, "t", nil, jobq.Delay(time.Hour))
	require.NoError(t, err)
	_, err = run(t, ctx, "promote", "cli", j.ID)
	require.NoError(t, err)
	st, err := f.q.GetState(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, jobq.StateWaiting, st)

	_, err = run(t, ctx, "clean", "cli", "--state", "bogus")
	require.ErrorIs(t, err, jobq.ErrUnknownState)

	_, err = run(t, ctx, "obliterate", "cli")
	require.ErrorIs(t, err, jobq.ErrQueueNotPaused)

	_, err = run(t, ctx, "pause", "cli")
	require.NoError(t, err)
	_, err = run(t, ctx, "obliterate", "cli")
	require.NoError(t, err)
	require.Empty(t, f.s.Keys())
}

func TestCLI_Work(t *testing.T) {
	f := newCLIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo, err := f.q.Add(ctx, "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	unknown, err := f.q.Add(ctx, "unknown", nil, jobq.Attempts(3))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := run(t, ctx, "work")
		done <- err
	}()

	require.Eventually(t, func() bool {
		a, err1 := f.q.GetState(context.Background(), echo.ID)
		b, err2 := f.q.GetState(context.Background(), unknown.ID)
		return err1 == nil && err2 == nil && a == jobq.StateCompleted && b == jobq.StateFailed
	}, 5*time.Second, 20*time.Millisecond)

	got, err := f.q.GetJob(context.Background(), echo.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(got.Result))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("work did not stop")
	}
}

func TestCLI_InvalidConfig(t *testing.T) {
	newCLIFixture(t)
	t.Setenv("JOBQ_LOG_FORMAT", "xml")
	_, err := run(t, context.Background(), "counts")
	require.ErrorContains(t, err, "log format")
}
