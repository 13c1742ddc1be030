package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UniQw/jobq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newWorkCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process jobs of the configured queues",
		Long: `Start a server on the configured queues and serve Prometheus metrics
on metrics-addr. Job names are handled by a built-in "echo" handler that
completes with the payload as result and a "sleep" handler that waits for
the duration given as payload. Other names fail without retries.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.work(ctx)
		},
	}
	return cmd
}

func (a *app) work(ctx context.Context) error {
	logger := jobq.NewSlogLogger(a.log)
	srv, err := jobq.NewServer(a.client, jobq.ServerConfig{
		Queues:            a.cfg.Queues,
		Prefix:            a.cfg.Prefix,
		Concurrency:       a.cfg.Concurrency,
		LockDuration:      a.cfg.LockDuration,
		StalledInterval:   a.cfg.StalledInterval,
		MaxStalledCount:   a.cfg.MaxStalledCount,
		DrainDelay:        a.cfg.DrainDelay,
		SchedulerInterval: a.cfg.SchedulerInterval,
		Logger:            logger,
	}, builtinMux(logger))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	srv.Start()
	g.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		return nil
	})

	if a.cfg.MetricsAddr != "" {
		reg, err := a.registry()
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.log.Info("serving metrics", "addr", a.cfg.MetricsAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	return g.Wait()
}

func (a *app) registry() (*prometheus.Registry, error) {
	queues := make([]*jobq.Queue, 0, len(a.cfg.Queues))
	for _, name := range a.cfg.QueueNames() {
		q, err := a.queue(name)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		jobq.NewCollector(queues...),
	)
	return reg, nil
}

func builtinMux(l jobq.Logger) *jobq.Mux {
	mux := jobq.NewMux()
	mux.Use(func(next jobq.HandlerFunc) jobq.HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			start := time.Now()
			err := next(ctx, payload)
			if j, ok := jobq.JobFromContext(ctx); ok {
				l.Debugf("handled: id=%s name=%s queue=%s dur=%s err=%v", j.ID, j.Name, j.Queue, time.Since(start), err)
			}
			return err
		}
	})
	mux.Handle("echo", func(ctx context.Context, payload []byte) error {
		jobq.SetResultBytes(ctx, payload)
		return nil
	})
	mux.Handle("sleep", func(ctx context.Context, payload []byte) error {
		var s string
		if err := (&jobq.JSONEncoder{}).Decode(payload, &s); err != nil {
			return jobq.Unrecoverable(err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return jobq.Unrecoverable(err)
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return mux
}
