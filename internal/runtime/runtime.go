// Package runtime runs the worker goroutines and per-queue maintenance loops
// behind the public Server.
package runtime

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
	"github.com/UniQw/jobq/internal/repeat"
	"github.com/google/uuid"
)

var (
	// ErrNoHandler indicates there is no handler for the job name; the job fails without retry.
	ErrNoHandler = errors.New("jobq: no handler")
	// ErrUnrecoverable marks handler errors that must not be retried.
	ErrUnrecoverable = errors.New("jobq: unrecoverable")
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Limiter caps activations per queue across all workers.
type Limiter struct {
	Max      int
	Duration time.Duration
}

type Config struct {
	// Queues maps queue names to their weight in the worker's queue selection.
	Queues      map[string]int
	Prefix      string
	Concurrency int

	LockDuration      time.Duration
	StalledInterval   time.Duration
	MaxStalledCount   int
	DrainDelay        time.Duration
	SchedulerInterval time.Duration

	Limiter          *Limiter
	RemoveOnComplete *rdb.KeepJobs
	RemoveOnFail     *rdb.KeepJobs

	Logger Logger
}

const (
	defaultLockDuration      = 30 * time.Second
	defaultStalledInterval   = 30 * time.Second
	defaultDrainDelay        = 5 * time.Second
	defaultSchedulerInterval = 5 * time.Second
	pollInterval             = 100 * time.Millisecond
	errorBackoff             = time.Second
)

func (c *Config) setDefaults() {
	if c.LockDuration <= 0 {
		c.LockDuration = defaultLockDuration
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = defaultStalledInterval
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = 1
	}
	if c.DrainDelay <= 0 {
		c.DrainDelay = defaultDrainDelay
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = defaultSchedulerInterval
	}
}

// Executor runs the handler registered for a job name. The job itself is
// reachable through hctx in ctx.
type Executor func(ctx context.Context, name string, payload []byte) error

type Runtime struct {
	rdb   *rdb.RDB
	sched *repeat.Scheduler
	cfg   Config
	exec  Executor

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	names     []string
	queueList []string
	qmap      map[string]keys.Queue
	markers   []string
	log       Logger

	// polling is set once the store rejected a blocking marker wait.
	polling  atomic.Bool
	pollOnce sync.Once
}

// New creates a new background runtime that manages workers and maintenance routines.
// Queue names must be valid, see keys.For.
func New(r *rdb.RDB, cfg Config, exec Executor) (*Runtime, error) {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	qmap := make(map[string]keys.Queue, len(cfg.Queues))
	names := make([]string, 0, len(cfg.Queues))
	for q := range cfg.Queues {
		k, err := keys.For(cfg.Prefix, q)
		if err != nil {
			cancel()
			return nil, err
		}
		qmap[q] = k
		names = append(names, q)
	}
	sort.Strings(names)
	markers := make([]string, 0, len(names))
	for _, q := range names {
		markers = append(markers, qmap[q].Marker)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		rdb:       r,
		sched:     repeat.New(r),
		cfg:       cfg,
		exec:      exec,
		ctx:       ctx,
		cancel:    cancel,
		names:     names,
		queueList: expandQueues(cfg.Queues),
		qmap:      qmap,
		markers:   markers,
		log:       lg,
	}, nil
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d queues=%d", rt.cfg.Concurrency, len(rt.cfg.Queues))

	if l := rt.cfg.Limiter; l != nil {
		for _, q := range rt.names {
			if err := rt.rdb.SetRateLimit(rt.ctx, rt.qmap[q], l.Max, l.Duration); err != nil {
				rt.log.Warnf("limiter: setup failed queue=%s err=%v", q, err)
			}
		}
	}

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		seed := time.Now().UnixNano() + int64(i)
		rng := rand.New(rand.NewSource(seed))
		go func(r *rand.Rand) {
			defer rt.wg.Done()
			rt.workerLoop(r)
		}(rng)
	}

	for _, q := range rt.names {
		rt.wg.Add(2)
		go func(queue string) {
			defer rt.wg.Done()
			rt.tick(rt.cfg.StalledInterval, func() { rt.sweepStalled(queue) })
		}(q)
		go func(queue string) {
			defer rt.wg.Done()
			rt.tick(rt.cfg.SchedulerInterval, func() { rt.reconcileSchedulers(queue) })
		}(q)
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
// Jobs whose handler was interrupted stay active and are reclaimed by the
// stall sweep once their lock expires.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

// tick runs fn right away and then every d until the runtime stops.
func (rt *Runtime) tick(d time.Duration, fn func()) {
	fn()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// stalledCheckTTL keeps the stalled-check key shorter lived than the sweep
// ticker, so a tick never finds the previous sweep's key still set.
func stalledCheckTTL(interval time.Duration) time.Duration {
	return interval - interval/10
}

func (rt *Runtime) sweepStalled(queue string) {
	ttl := stalledCheckTTL(rt.cfg.StalledInterval)
	res, err := rt.rdb.MoveStalledToWait(rt.ctx, rt.qmap[queue], rt.cfg.MaxStalledCount, ttl, rt.cfg.RemoveOnFail)
	if err != nil {
		if rt.ctx.Err() == nil {
			rt.log.Warnf("stalled: sweep failed queue=%s err=%v", queue, err)
		}
		return
	}
	for _, id := range res.Requeued {
		rt.log.Warnf("stalled: job moved back to wait id=%s queue=%s", id, queue)
	}
	for _, id := range res.Failed {
		rt.log.Errorf("stalled: job failed after too many stalls id=%s queue=%s", id, queue)
	}
}

func (rt *Runtime) reconcileSchedulers(queue string) {
	n, err := rt.sched.Reconcile(rt.ctx, rt.qmap[queue])
	if err != nil {
		if rt.ctx.Err() == nil {
			rt.log.Warnf("scheduler: reconcile failed queue=%s err=%v", queue, err)
		}
		return
	}
	if n > 0 {
		rt.log.Infof("scheduler: advanced %d stuck schedulers queue=%s", n, queue)
	}
}

func (rt *Runtime) workerLoop(rng *rand.Rand) {
	if len(rt.queueList) == 0 {
		return
	}
	// Every lock this goroutine takes carries the same token.
	token := uuid.NewString()
	var next *fetched
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}
		if next == nil {
			var wait time.Duration
			next, wait = rt.fetch(rng, token)
			if next == nil {
				rt.waitForWork(wait)
				continue
			}
		}
		next = rt.process(token, next)
	}
}

type fetched struct {
	queue string
	job   *rdb.JobRecord
}

// fetch tries to activate a job, starting with a weighted random queue.
// Without a job, it returns how long nothing can become ready (0 if unknown).
func (rt *Runtime) fetch(rng *rand.Rand, token string) (*fetched, time.Duration) {
	first := rt.queueList[rng.Intn(len(rt.queueList))]
	var wait time.Duration
	for i := -1; i < len(rt.names); i++ {
		q := first
		if i >= 0 {
			if q = rt.names[i]; q == first {
				continue
			}
		}
		a, err := rt.rdb.Activate(rt.ctx, rt.qmap[q], token, rt.cfg.LockDuration)
		if err != nil {
			if rt.ctx.Err() == nil {
				rt.log.Errorf("activate failed: queue=%s err=%v", q, err)
			}
			return nil, errorBackoff
		}
		if a.Job != nil {
			return &fetched{queue: q, job: a.Job}, 0
		}
		wait = minWait(wait, a.RateLimit)
		if a.NextDelayed > 0 {
			wait = minWait(wait, time.UnixMilli(a.NextDelayed).Sub(rt.rdb.Clock().Now()))
		}
	}
	return nil, wait
}

func minWait(cur, d time.Duration) time.Duration {
	if d <= 0 {
		return cur
	}
	if cur <= 0 || d < cur {
		return d
	}
	return cur
}

// waitForWork blocks until a marker of a served queue is set, d elapses, or
// the drain delay elapses, whichever comes first.
func (rt *Runtime) waitForWork(d time.Duration) {
	if d <= 0 || d > rt.cfg.DrainDelay {
		d = rt.cfg.DrainDelay
	}
	// Blocking commands round timeouts below one second up.
	if rt.polling.Load() || d < time.Second {
		rt.sleep(min(d, pollInterval))
		return
	}
	_, _, _, err := rt.rdb.WaitMarker(rt.ctx, rt.markers, d)
	if err == nil || rt.ctx.Err() != nil {
		return
	}
	if isUnsupported(err) {
		rt.pollOnce.Do(func() {
			rt.log.Warnf("marker wait unavailable, falling back to polling every %s: err=%v", pollInterval, err)
			rt.polling.Store(true)
		})
		return
	}
	rt.log.Warnf("marker wait failed: err=%v", err)
	rt.sleep(errorBackoff)
}

// isUnsupported reports errors meaning the store cannot serve BZPOPMIN on the
// marker set, e.g. an unknown command or markers spread over cluster slots.
func isUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown command") || strings.Contains(msg, "crossslot")
}

func (rt *Runtime) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-rt.ctx.Done():
	case <-t.C:
	}
}

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgQueues exposes configured queues mapping.
func (rt *Runtime) CfgQueues() map[string]int { return rt.cfg.Queues }

func expandQueues(q map[string]int) []string {
	n := 0
	for _, w := range q {
		n += w
	}
	out := make([]string, 0, n)
	for name, weight := range q {
		for i := 0; i < weight; i++ {
			out = append(out, name)
		}
	}
	return out
}
