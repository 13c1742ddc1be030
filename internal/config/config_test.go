package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "jobq.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), *cfg)
	require.Equal(t, []string{"default"}, cfg.QueueNames())
}

func TestLoad_File(t *testing.T) {
	p := writeFile(t, `
redis-addr: redis:6379
prefix: app
queues:
  emails: 3
  reports: 1
concurrency: 4
lock-duration: 1m
drain-delay: 500ms
metrics-addr: ":9090"
log-format: json
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
	require.Equal(t, "app", cfg.Prefix)
	require.Equal(t, map[string]int{"emails": 3, "reports": 1}, cfg.Queues)
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, time.Minute, cfg.LockDuration)
	require.Equal(t, 500*time.Millisecond, cfg.DrainDelay)
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, "json", cfg.LogFormat)
	// Untouched settings keep their defaults.
	require.Equal(t, 30*time.Second, cfg.StalledInterval)
	require.Equal(t, []string{"emails", "reports"}, cfg.QueueNames())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeFile(t, "concurrency: 4\nprefix: app\n")
	t.Setenv("JOBQ_CONCURRENCY", "8")
	t.Setenv("JOBQ_LOCK_DURATION", "45s")
	t.Setenv("JOBQ_QUEUES", "a=2, b")
	t.Setenv("JOBQ_REDIS_ADDR", "10.0.0.1:6379")

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Concurrency)
	require.Equal(t, "app", cfg.Prefix)
	require.Equal(t, 45*time.Second, cfg.LockDuration)
	require.Equal(t, map[string]int{"a": 2, "b": 1}, cfg.Queues)
	require.Equal(t, "10.0.0.1:6379", cfg.RedisAddr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "concurrency: 0\n"))
	require.ErrorContains(t, err, "concurrency")

	_, err = Load(writeFile(t, "log-format: xml\n"))
	require.ErrorContains(t, err, "log format")

	_, err = Load(writeFile(t, "queues:\n  a: -1\n"))
	require.ErrorContains(t, err, "weight")
}

func TestParseWeights(t *testing.T) {
	w, err := ParseWeights("emails=3,reports, ,bulk=1")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"emails": 3, "reports": 1, "bulk": 1}, w)

	_, err = ParseWeights("a=x")
	require.Error(t, err)
	_, err = ParseWeights("a=0")
	require.Error(t, err)
	_, err = ParseWeights(" , ")
	require.Error(t, err)
}
