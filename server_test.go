package jobq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func newServerClient(t *testing.T) *redis.Client {
	t.Helper()
	s := mrd.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testServerConfig(queue string) ServerConfig {
	return ServerConfig{
		Queues:          map[string]int{queue: 1},
		Concurrency:     1,
		LockDuration:    10 * time.Second,
		StalledInterval: time.Second,
		DrainDelay:      100 * time.Millisecond,
		Logger:          nopLogger{},
	}
}

func waitJobState(t *testing.T, q *Queue, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := q.GetState(context.Background(), id)
		return err == nil && st == want
	}, waitFor, 10*time.Millisecond, "job %s never reached %s", id, want)
}

func TestServer_StartStop_Idempotent(t *testing.T) {
	client := newServerClient(t)
	mux := NewMux()
	mux.Handle("t", func(ctx context.Context, b []byte) error { return nil })
	cfg := testServerConfig("q")
	cfg.Logger = NewFmtLogger()
	srv, err := NewServer(client, cfg, mux)
	require.NoError(t, err)

	srv.Start()
	srv.Start()
	srv.Stop()
	srv.Stop()
}

func TestServer_StartStop_WithNilLogger(t *testing.T) {
	client := newServerClient(t)
	cfg := testServerConfig("q")
	cfg.Logger = nil
	srv, err := NewServer(client, cfg, NewMux())
	require.NoError(t, err)
	srv.Start()
	srv.Stop()
}

func TestServer_InvalidQueue(t *testing.T) {
	client := newServerClient(t)
	_, err := NewServer(client, testServerConfig("a:b"), NewMux())
	require.ErrorIs(t, err, ErrInvalidQueueName)
}

func TestServer_ProcessesJobs(t *testing.T) {
	client := newServerClient(t)
	q, err := NewQueue(client, "q-srv")
	require.NoError(t, err)

	type payload struct {
		Message string `json:"message"`
	}
	var (
		mu   sync.Mutex
		seen []string
	)
	mux := NewMux()
	mux.Handle("greet", func(ctx context.Context, b []byte) error {
		j, ok := JobFromContext(ctx)
		if !ok {
			return errors.New("no job in context")
		}
		var p payload
		if err := q.enc.Decode(b, &p); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, j.ID+":"+p.Message)
		mu.Unlock()
		if err := SetProgress(ctx, 50); err != nil {
			return err
		}
		if err := Log(ctx, "greeting %s", p.Message); err != nil {
			return err
		}
		return SetResult(ctx, map[string]string{"reply": "hi " + p.Message})
	})

	srv, err := NewServer(client, testServerConfig("q-srv"), mux)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Stop)

	ctx := context.Background()
	j, err := q.Add(ctx, "greet", payload{Message: "bob"})
	require.NoError(t, err)
	waitJobState(t, q, j.ID, StateCompleted)

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"reply":"hi bob"}`, string(got.Result))
	require.JSONEq(t, `50`, string(got.Progress))
	require.Equal(t, 1, got.AttemptsMade)
	require.False(t, got.FinishedOn.IsZero())

	logs, n, err := q.GetJobLogs(ctx, j.ID, 0, -1)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, []string{"greeting bob"}, logs)

	mu.Lock()
	require.Equal(t, []string{j.ID + ":bob"}, seen)
	mu.Unlock()
}

func TestServer_NoHandlerFailsWithoutRetry(t *testing.T) {
	client := newServerClient(t)
	q, err := NewQueue(client, "q-nohandler")
	require.NoError(t, err)
	srv, err := NewServer(client, testServerConfig("q-nohandler"), NewMux())
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Stop)

	ctx := context.Background()
	j, err := q.Add(ctx, "nonexistent", map[string]string{"test": "data"}, Attempts(3))
	require.NoError(t, err)
	waitJobState(t, q, j.ID, StateFailed)

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.AttemptsMade)
	require.Contains(t, got.FailedReason, "no handler")
}

func TestServer_RetriesAndUnrecoverable(t *testing.T) {
	client := newServerClient(t)
	q, err := NewQueue(client, "q-retries")
	require.NoError(t, err)

	mux := NewMux()
	var mu sync.Mutex
	calls := map[string]int{}
	mux.Handle("flaky", func(ctx context.Context, b []byte) error {
		j, _ := JobFromContext(ctx)
		mu.Lock()
		defer mu.Unlock()
		calls[j.ID]++
		if calls[j.ID] < 2 {
			return fmt.Errorf("attempt %d", calls[j.ID])
		}
		return nil
	})
	mux.Handle("bad", func(ctx context.Context, b []byte) error {
		return Unrecoverable(errors.New("bad input"))
	})

	srv, err := NewServer(client, testServerConfig("q-retries"), mux)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Stop)

	ctx := context.Background()
	flaky, err := q.Add(ctx, "flaky", nil, Attempts(3), Backoff(BackoffFixed, 10*time.Millisecond))
	require.NoError(t, err)
	bad, err := q.Add(ctx, "bad", nil, Attempts(5))
	require.NoError(t, err)

	waitJobState(t, q, flaky.ID, StateCompleted)
	waitJobState(t, q, bad.ID, StateFailed)

	got, err := q.GetJob(ctx, flaky.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AttemptsMade)

	got, err = q.GetJob(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.AttemptsMade)
	require.Contains(t, got.FailedReason, "bad input")
}

func TestServer_Middleware(t *testing.T) {
	client := newServerClient(t)
	q, err := NewQueue(client, "q-mw")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	mux := NewMux()
	mux.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, b []byte) error {
			mu.Lock()
			order = append(order, "mw")
			mu.Unlock()
			return next(ctx, b)
		}
	})
	mux.Handle("t", func(ctx context.Context, b []byte) error {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		return nil
	})
	srv, err := NewServer(client, testServerConfig("q-mw"), mux)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Stop)

	j, err := q.Add(context.Background(), "t", nil)
	require.NoError(t, err)
	waitJobState(t, q, j.ID, StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"mw", "handler"}, order)
}

func TestServer_DefaultRetention(t *testing.T) {
	client := newServerClient(t)
	q, err := NewQueue(client, "q-keep")
	require.NoError(t, err)
	mux := NewMux()
	mux.Handle("t", func(ctx context.Context, b []byte) error { return nil })
	cfg := testServerConfig("q-keep")
	cfg.RemoveOnComplete = &KeepNone
	srv, err := NewServer(client, cfg, mux)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Stop)

	j, err := q.Add(context.Background(), "t", nil)
	require.NoError(t, err)
	waitJobState(t, q, j.ID, StateUnknown)
}

func TestServer_NewServer_WithCustomLogger(t *testing.T) {
	client := newServerClient(t)
	logger := &testLogger{}
	cfg := testServerConfig("q")
	cfg.Logger = logger
	srv, err := NewServer(client, cfg, NewMux())
	require.NoError(t, err)

	srv.Start()
	srv.Stop()

	require.NotEmpty(t, logger.lines())
}

// testLogger records formatted log lines.
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) add(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, level+" "+fmt.Sprintf(format, args...))
}

func (l *testLogger) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

func (l *testLogger) Debugf(format string, args ...any) { l.add("[DEBUG]", format, args...) }
func (l *testLogger) Infof(format string, args ...any)  { l.add("[INFO]", format, args...) }
func (l *testLogger) Warnf(format string, args ...any)  { l.add("[WARN]", format, args...) }
func (l *testLogger) Errorf(format string, args ...any) { l.add("[ERROR]", format, args...) }
