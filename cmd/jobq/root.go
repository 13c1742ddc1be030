package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/UniQw/jobq"
	"github.com/UniQw/jobq/internal/config"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app holds what the commands share. It is filled by the root command's
// PersistentPreRunE.
type app struct {
	cfgPath string
	cfg     *config.Config
	log     *slog.Logger
	client  redis.UniversalClient
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "jobq",
		Short:         "Redis job queues",
		Long:          "jobq runs workers for Redis job queues and inspects or administers the queues.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.client != nil {
				return a.client.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "YAML configuration file")

	root.AddCommand(
		newWorkCmd(a),
		newAddCmd(a),
		newCountsCmd(a),
		newJobCmd(a),
		newPauseCmd(a),
		newResumeCmd(a),
		newCleanCmd(a),
		newRetryCmd(a),
		newPromoteCmd(a),
		newObliterateCmd(a),
		newEventsCmd(a),
		newSchedulersCmd(a),
	)
	return root
}

func (a *app) init(logOut io.Writer) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	l, err := newLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = l
	a.client = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return nil
}

func (a *app) queue(name string) (*jobq.Queue, error) {
	return jobq.NewQueue(a.client, name,
		jobq.WithPrefix(a.cfg.Prefix),
		jobq.WithLogger(jobq.NewSlogLogger(a.log)),
	)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		noColor := true
		if f, ok := w.(*os.File); ok {
			noColor = !isTerminal(f)
		}
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
			NoColor:    noColor,
		})), nil
	}
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}
