package jobq

import (
	"sync"
	"time"

	"github.com/UniQw/jobq/internal/rdb"
	rtm "github.com/UniQw/jobq/internal/runtime"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Limiter caps how many jobs of a queue are activated per Duration, across
// all servers.
type Limiter struct {
	Max      int
	Duration time.Duration
}

// ServerConfig defines the configuration for a jobq server.
type ServerConfig struct {
	// Queues defines the queues to process and their relative weights.
	Queues map[string]int
	// Prefix is the key prefix of the queues; it must match the producers'.
	Prefix string
	// Concurrency is the number of worker goroutines.
	Concurrency int

	// LockDuration is how long a job stays locked by a worker without renewal.
	// Locks are renewed every LockDuration/2 while the handler runs.
	LockDuration time.Duration
	// StalledInterval is the period of the check for jobs whose lock expired.
	StalledInterval time.Duration
	// MaxStalledCount is how many times a job may stall before it fails.
	MaxStalledCount int
	// DrainDelay bounds how long an idle worker blocks before polling again.
	DrainDelay time.Duration
	// SchedulerInterval is the period of the job scheduler reconciliation.
	SchedulerInterval time.Duration

	// Limiter, if set, is applied to every queue of the server on Start.
	Limiter *Limiter
	// RemoveOnComplete and RemoveOnFail apply to jobs without their own policy.
	RemoveOnComplete *KeepJobs
	RemoveOnFail     *KeepJobs

	// Logger is the logger used for server events.
	Logger Logger
	// Clock is the time source passed to the store. Meant for tests.
	Clock clockwork.Clock
}

// Server processes jobs from Redis queues using workers.
type Server struct {
	rt      *rtm.Runtime
	mux     *Mux
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewServer creates a new jobq server. It returns ErrInvalidQueueName if a
// queue name is invalid.
func NewServer(client redis.UniversalClient, cfg ServerConfig, mux *Mux) (*Server, error) {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	var ropts []rdb.Option
	if cfg.Clock != nil {
		ropts = append(ropts, rdb.WithClock(cfg.Clock))
	}
	rtc := rtm.Config{
		Queues:            cfg.Queues,
		Prefix:            cfg.Prefix,
		Concurrency:       cfg.Concurrency,
		LockDuration:      cfg.LockDuration,
		StalledInterval:   cfg.StalledInterval,
		MaxStalledCount:   cfg.MaxStalledCount,
		DrainDelay:        cfg.DrainDelay,
		SchedulerInterval: cfg.SchedulerInterval,
		Logger:            l,
	}
	if cfg.Limiter != nil {
		rtc.Limiter = &rtm.Limiter{Max: cfg.Limiter.Max, Duration: cfg.Limiter.Duration}
	}
	if cfg.RemoveOnComplete != nil {
		rtc.RemoveOnComplete = cfg.RemoveOnComplete.record()
	}
	if cfg.RemoveOnFail != nil {
		rtc.RemoveOnFail = cfg.RemoveOnFail.record()
	}
	rt, err := rtm.New(rdb.New(client, ropts...), rtc, mux.ProcessJob)
	if err != nil {
		return nil, err
	}
	return &Server{rt: rt, mux: mux, log: l}, nil
}

// Start launches the server workers and background maintenance routines.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.log.Infof("starting server: concurrency=%d queues=%d", s.rt.CfgConcurrency(), len(s.rt.CfgQueues()))
	s.rt.Start()
}

// Stop gracefully shuts down the server, waiting for workers to finish
// current jobs. Jobs whose handler returns an error because of the shutdown
// are left to the stalled check of another server.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	s.log.Infof("stopping server")
	s.rt.Stop()
}
