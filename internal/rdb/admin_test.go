package rdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.add(t, AddRequest{})

	changed, err := f.r.Pause(ctx, f.q, true)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = f.r.Pause(ctx, f.q, true)
	require.NoError(t, err)
	require.False(t, changed)

	paused, err := f.r.IsPaused(ctx, f.q)
	require.NoError(t, err)
	require.True(t, paused)

	b := f.add(t, AddRequest{})
	require.Equal(t, StateWaiting, f.state(t, b))
	require.Nil(t, f.activate(t))
	m, err := f.r.NextMarker(ctx, f.q)
	require.NoError(t, err)
	require.Equal(t, int64(-1), m)

	_, err = f.r.Pause(ctx, f.q, false)
	require.NoError(t, err)
	require.Equal(t, a, f.activate(t).ID)
	require.Equal(t, b, f.activate(t).ID)
}

func TestClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := f.add(t, AddRequest{})
	f.activate(t)
	f.complete(t, done)
	waiting := f.add(t, AddRequest{})

	f.advance(time.Minute)
	fresh := f.add(t, AddRequest{})

	removed, err := f.r.Clean(ctx, f.q, StateCompleted, 30*time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, []string{done}, removed)

	removed, err = f.r.Clean(ctx, f.q, StateWaiting, 30*time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, []string{waiting}, removed)
	require.Equal(t, StateWaiting, f.state(t, fresh))

	_, err = f.r.Clean(ctx, f.q, StateActive, 0, 0)
	require.Error(t, err)
}

func TestClean_Limit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.add(t, AddRequest{Delay: time.Hour})
	}
	removed, err := f.r.Clean(ctx, f.q, StateDelayed, 0, 2)
	require.NoError(t, err)
	require.Len(t, removed, 2)

	c, err := f.r.Counts(ctx, f.q)
	require.NoError(t, err)
	require.Equal(t, int64(1), c[StateDelayed])
}

func TestObliterate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, AddRequest{})
	f.add(t, AddRequest{Delay: time.Hour, Dedup: &Dedup{ID: "d"}})
	id := f.add(t, AddRequest{})
	f.activate(t)
	_, err := f.r.AddLog(ctx, f.q, id, "line", 0)
	require.NoError(t, err)

	require.ErrorIs(t, f.r.Obliterate(ctx, f.q, false), ErrQueueNotPaused)
	_, err = f.r.Pause(ctx, f.q, true)
	require.NoError(t, err)
	require.ErrorIs(t, f.r.Obliterate(ctx, f.q, false), ErrQueueHasActiveJobs)

	require.NoError(t, f.r.Obliterate(ctx, f.q, true))
	require.Empty(t, f.s.Keys())
}

func TestRetryJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id := f.add(t, AddRequest{})
		ids = append(ids, id)
		f.activate(t)
		_, err := f.r.Fail(ctx, f.q, FailRequest{ID: id, Token: "tok", Reason: "x"})
		require.NoError(t, err)
	}

	n, err := f.r.RetryJobs(ctx, f.q, StateFailed, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for _, id := range ids {
		require.Equal(t, StateWaiting, f.state(t, id))
	}

	j, err := f.r.GetJob(ctx, f.q, ids[0])
	require.NoError(t, err)
	require.Zero(t, j.AttemptsMade)
	require.Empty(t, j.FailedReason)

	_, err = f.r.RetryJobs(ctx, f.q, StateActive, 0, 0)
	require.Error(t, err)
}

func TestReprocess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, AddRequest{})
	f.activate(t)
	f.complete(t, id)

	require.ErrorIs(t, f.r.Reprocess(ctx, f.q, id, StateFailed), ErrNotInState)
	require.NoError(t, f.r.Reprocess(ctx, f.q, id, StateCompleted))
	require.Equal(t, StateWaiting, f.state(t, id))
	require.ErrorIs(t, f.r.Reprocess(ctx, f.q, "nope", StateCompleted), ErrJobNotFound)
}

func TestPromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, AddRequest{Delay: time.Hour})
	require.NoError(t, f.r.Promote(ctx, f.q, id))
	require.Equal(t, StateWaiting, f.state(t, id))
	require.Equal(t, id, f.activate(t).ID)
	require.ErrorIs(t, f.r.Promote(ctx, f.q, id), ErrNotInState)
}

func TestRemoveJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locked := f.add(t, AddRequest{})
	f.activate(t)
	err := f.r.RemoveJob(ctx, f.q, locked, false)
	require.ErrorIs(t, err, ErrJobLocked)
	require.Equal(t, StateActive, f.state(t, locked))

	free := f.add(t, AddRequest{})
	require.NoError(t, f.r.RemoveJob(ctx, f.q, free, false))
	require.Equal(t, StateUnknown, f.state(t, free))
	require.ErrorIs(t, f.r.RemoveJob(ctx, f.q, free, false), ErrJobNotFound)
}

func TestRemoveJob_WithChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParent(t, "p")
	f.addChild(t, "c1", "p", PolicyNone)
	f.addChild(t, "c2", "p", PolicyNone)

	require.NoError(t, f.r.RemoveJob(ctx, f.q, "p", true))
	for _, id := range []string{"p", "c1", "c2"} {
		require.False(t, f.s.Exists(f.q.Job(id)))
	}
}

func TestRemoveJob_ChildReleasesParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addParent(t, "p")
	f.addChild(t, "c", "p", PolicyNone)
	require.NoError(t, f.r.RemoveJob(ctx, f.q, "c", false))
	require.Equal(t, StateWaiting, f.state(t, "p"))
}

func TestProgressAndLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, AddRequest{})

	require.NoError(t, f.r.UpdateProgress(ctx, f.q, id, []byte(`{"pct":50}`)))
	j, err := f.r.GetJob(ctx, f.q, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"pct":50}`, string(j.Progress))

	for _, l := range []string{"a", "b", "c"} {
		_, err := f.r.AddLog(ctx, f.q, id, l, 2)
		require.NoError(t, err)
	}
	lines, n, err := f.r.GetLogs(ctx, f.q, id, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, lines)
	require.Equal(t, int64(2), n)

	require.ErrorIs(t, f.r.UpdateProgress(ctx, f.q, "nope", []byte("1")), ErrJobNotFound)
}

func TestJobIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.add(t, AddRequest{ID: id})
	}
	ids, err := f.r.JobIDs(ctx, f.q, StateWaiting, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	ids, err = f.r.JobIDs(ctx, f.q, StateWaiting, 5, 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.add(t, AddRequest{Name: "email"})

	evs, err := f.r.Events(ctx, f.q, "", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, "added", evs[0].Name)
	require.Equal(t, id, evs[0].JobID)
	require.Equal(t, "email", evs[0].Fields["name"])
	require.Equal(t, "waiting", evs[1].Name)

	last, err := f.r.LastEventID(ctx, f.q)
	require.NoError(t, err)
	require.Equal(t, evs[1].ID, last)

	f.activate(t)
	evs, err = f.r.Events(ctx, f.q, last, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "active", evs[0].Name)
	require.Equal(t, "waiting", evs[0].Fields["prev"])
}
