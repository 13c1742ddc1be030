package repeat

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// 2023-11-14T22:13:20Z
var epoch = time.UnixMilli(1_700_000_000_000).UTC()

func newScheduler(t *testing.T) (*Scheduler, *rdb.RDB, clockwork.FakeClock, keys.Queue) {
	t.Helper()
	s := mrd.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := clockwork.NewFakeClockAt(epoch)
	r := rdb.New(client, rdb.WithClock(clock))
	return New(r), r, clock, keys.MustFor("", "q")
}

func TestNext_Every(t *testing.T) {
	next, ok, err := Next(Options{Every: time.Minute}, epoch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, epoch.Truncate(time.Minute).Add(time.Minute), next.UTC())

	next, _, err = Next(Options{Every: time.Minute, Offset: 10 * time.Second}, epoch)
	require.NoError(t, err)
	require.Equal(t, epoch.Truncate(time.Minute).Add(time.Minute+10*time.Second), next.UTC())
}

func TestNext_Cron(t *testing.T) {
	next, ok, err := Next(Options{Pattern: "0 * * * *"}, epoch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2023, 11, 14, 23, 0, 0, 0, time.UTC), next.UTC())

	// Seconds field is optional.
	next, _, err = Next(Options{Pattern: "*/30 * * * * *"}, epoch)
	require.NoError(t, err)
	require.Equal(t, time.Date(2023, 11, 14, 22, 13, 30, 0, time.UTC), next.UTC())

	next, _, err = Next(Options{Pattern: "0 9 * * *", TZ: "Asia/Tokyo"}, epoch)
	require.NoError(t, err)
	require.Equal(t, time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC), next.UTC())
}

func TestNext_StartAndEnd(t *testing.T) {
	start := epoch.Add(time.Hour).Truncate(time.Minute)
	next, ok, err := Next(Options{Pattern: "* * * * *", StartDate: start}, epoch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, start, next.UTC())

	_, ok, err = Next(Options{Every: time.Hour, EndDate: epoch.Add(time.Minute)}, epoch)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestValidate(t *testing.T) {
	require.ErrorIs(t, Validate(Options{}), ErrInvalidOptions)
	require.ErrorIs(t, Validate(Options{Pattern: "* * * * *", Every: time.Second}), ErrInvalidOptions)
	require.Error(t, Validate(Options{Pattern: "not a cron"}))
	require.Error(t, Validate(Options{Every: time.Second, TZ: "Nowhere/Else"}))
	require.NoError(t, Validate(Options{Pattern: "@daily"}))
}

func TestScheduler_UpsertAdvance(t *testing.T) {
	s, r, clock, q := newScheduler(t)
	ctx := context.Background()
	tpl := Template{Name: "report", Data: []byte(`{}`)}

	id, next, err := s.Upsert(ctx, q, "hourly", Options{Every: time.Hour}, tpl)
	require.NoError(t, err)
	want := epoch.Truncate(time.Hour).Add(time.Hour)
	require.Equal(t, want, next.UTC())

	st, err := r.GetState(ctx, q, id)
	require.NoError(t, err)
	require.Equal(t, rdb.StateDelayed, st)

	clock.Advance(want.Sub(epoch))
	a, err := r.Activate(ctx, q, "tok", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, a.Job.ID)

	nid, err := s.Advance(ctx, q, "hourly", id)
	require.NoError(t, err)
	info, err := s.Get(ctx, q, "hourly")
	require.NoError(t, err)
	require.Equal(t, nid, info.JobID)
	require.Equal(t, want.Add(time.Hour), info.Next.UTC())
	require.Equal(t, time.Hour, info.Options.Every)
	require.Equal(t, "report", info.Template.Name)

	// A second advance for the same occurrence is a no-op.
	again, err := s.Advance(ctx, q, "hourly", id)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestScheduler_AdvanceSkipsMissedRuns(t *testing.T) {
	s, _, clock, q := newScheduler(t)
	ctx := context.Background()
	id, _, err := s.Upsert(ctx, q, "m", Options{Every: time.Minute}, Template{Name: "x"})
	require.NoError(t, err)

	clock.Advance(10*time.Minute + time.Second)
	_, err = s.Advance(ctx, q, "m", id)
	require.NoError(t, err)
	info, err := s.Get(ctx, q, "m")
	require.NoError(t, err)
	require.Equal(t, clock.Now().Truncate(time.Minute).Add(time.Minute).UnixMilli(), info.Next.UnixMilli())
}

func TestScheduler_LimitEnds(t *testing.T) {
	s, _, _, q := newScheduler(t)
	ctx := context.Background()
	id, _, err := s.Upsert(ctx, q, "once", Options{Every: time.Second, Limit: 1}, Template{Name: "x"})
	require.NoError(t, err)
	nid, err := s.Advance(ctx, q, "once", id)
	require.NoError(t, err)
	require.Empty(t, nid)
	_, err = s.Get(ctx, q, "once")
	require.ErrorIs(t, err, rdb.ErrSchedulerNotFound)
}

func TestScheduler_UpsertPastEnd(t *testing.T) {
	s, _, _, q := newScheduler(t)
	_, _, err := s.Upsert(context.Background(), q, "x", Options{Every: time.Hour, EndDate: epoch}, Template{})
	require.ErrorIs(t, err, ErrNoNextRun)
}

func TestScheduler_ReconcileAdvancesLostOccurrence(t *testing.T) {
	s, r, clock, q := newScheduler(t)
	ctx := context.Background()
	id, next, err := s.Upsert(ctx, q, "m", Options{Every: time.Minute}, Template{Name: "x"})
	require.NoError(t, err)

	// Nothing is due yet.
	n, err := s.Reconcile(ctx, q)
	require.NoError(t, err)
	require.Zero(t, n)

	// The occurrence ran but nobody advanced the scheduler.
	clock.Advance(next.Sub(clock.Now()))
	_, err = r.Activate(ctx, q, "tok", time.Minute)
	require.NoError(t, err)
	_, err = r.Complete(ctx, q, rdb.CompleteRequest{ID: id, Token: "tok"})
	require.NoError(t, err)

	n, err = s.Reconcile(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	list, err := s.List(ctx, q)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotEqual(t, id, list[0].JobID)
}

func TestScheduler_Remove(t *testing.T) {
	s, r, _, q := newScheduler(t)
	ctx := context.Background()
	id, _, err := s.Upsert(ctx, q, "m", Options{Pattern: "@hourly"}, Template{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, q, "m"))

	_, err = r.GetJob(ctx, q, id)
	require.ErrorIs(t, err, rdb.ErrJobNotFound)
	list, err := s.List(ctx, q)
	require.NoError(t, err)
	require.Empty(t, list)
}
