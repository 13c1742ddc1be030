package jobq

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	f := newQueueFixture(t, "q-metrics")
	ctx := context.Background()
	_, err := f.q.Add(ctx, "t", nil)
	require.NoError(t, err)
	_, err = f.q.Add(ctx, "t", nil)
	require.NoError(t, err)
	_, err = f.q.Add(ctx, "t", nil, Delay(time.Minute))
	require.NoError(t, err)
	f.take(t)
	require.NoError(t, f.q.Pause(ctx))

	c := NewCollector(f.q)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	want := `
# HELP jobq_jobs Number of jobs per queue and state.
# TYPE jobq_jobs gauge
jobq_jobs{queue="q-metrics",state="active"} 1
jobq_jobs{queue="q-metrics",state="completed"} 0
jobq_jobs{queue="q-metrics",state="delayed"} 1
jobq_jobs{queue="q-metrics",state="failed"} 0
jobq_jobs{queue="q-metrics",state="prioritized"} 0
jobq_jobs{queue="q-metrics",state="waiting"} 1
jobq_jobs{queue="q-metrics",state="waiting-children"} 0
# HELP jobq_queue_paused Whether the queue is paused (1) or not (0).
# TYPE jobq_queue_paused gauge
jobq_queue_paused{queue="q-metrics"} 1
# HELP jobq_up Whether the last scrape of the queue succeeded.
# TYPE jobq_up gauge
jobq_up{queue="q-metrics"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want)))
}

func TestCollector_StoreDown(t *testing.T) {
	f := newQueueFixture(t, "q-metrics-down")
	c := NewCollector(f.q)
	f.s.Close()

	require.Equal(t, 1, testutil.CollectAndCount(c, "jobq_up"))
	require.Equal(t, 0, testutil.CollectAndCount(c, "jobq_jobs"))
	require.Equal(t, float64(0), testutil.ToFloat64(c))
}
