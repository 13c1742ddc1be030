// Package config loads the configuration of the jobq command.
//
// Sources are applied in order, later ones overriding earlier ones:
// built-in defaults, an optional YAML file and JOBQ_* environment variables.
// Environment names map to keys by dropping the prefix, lower-casing and
// turning underscores into dashes: JOBQ_LOCK_DURATION sets lock-duration.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "JOBQ_"

// Config is the configuration of the jobq command.
type Config struct {
	RedisAddr     string `koanf:"redis-addr"`
	RedisPassword string `koanf:"redis-password"`
	RedisDB       int    `koanf:"redis-db"`

	Prefix string `koanf:"prefix"`
	// Queues maps queue names to their weight.
	Queues map[string]int `koanf:"queues"`

	Concurrency       int           `koanf:"concurrency"`
	LockDuration      time.Duration `koanf:"lock-duration"`
	StalledInterval   time.Duration `koanf:"stalled-interval"`
	MaxStalledCount   int           `koanf:"max-stalled-count"`
	DrainDelay        time.Duration `koanf:"drain-delay"`
	SchedulerInterval time.Duration `koanf:"scheduler-interval"`

	// MetricsAddr is the listen address of the Prometheus endpoint of the
	// work command. Empty disables it.
	MetricsAddr string `koanf:"metrics-addr"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `koanf:"log-level"`
	// LogFormat is "dev" for colored text or "json".
	LogFormat string `koanf:"log-format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RedisAddr:         "127.0.0.1:6379",
		Prefix:            "jobq",
		Queues:            map[string]int{"default": 1},
		Concurrency:       10,
		LockDuration:      30 * time.Second,
		StalledInterval:   30 * time.Second,
		MaxStalledCount:   1,
		DrainDelay:        5 * time.Second,
		SchedulerInterval: 5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "dev",
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped if path is empty) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}

	cfg := Default()
	if k.Exists("queues") {
		// The file or environment replaces the default queue set.
		cfg.Queues = nil
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envValue(key, value string) (string, any) {
	k := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, EnvPrefix), "_", "-"))
	if k == "queues" {
		w, err := ParseWeights(value)
		if err != nil {
			// Left as a string so that decoding reports it.
			return k, value
		}
		m := make(map[string]any, len(w))
		for q, n := range w {
			m[q] = n
		}
		return k, m
	}
	return k, value
}

// ParseWeights parses a queue list of the form "emails=3,reports". Queues
// without a weight get 1.
func ParseWeights(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, weight, found := strings.Cut(part, "=")
		n := 1
		if found {
			var err error
			n, err = strconv.Atoi(strings.TrimSpace(weight))
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("config: invalid weight for queue %q: %q", name, weight)
			}
		}
		out[strings.TrimSpace(name)] = n
	}
	if len(out) == 0 {
		return nil, errors.New("config: empty queue list")
	}
	return out, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Queues) == 0 {
		return errors.New("config: at least one queue is required")
	}
	for q, w := range c.Queues {
		if w <= 0 {
			return fmt.Errorf("config: queue %q: weight must be positive", q)
		}
	}
	if c.Concurrency <= 0 {
		return errors.New("config: concurrency must be positive")
	}
	switch c.LogFormat {
	case "dev", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}

// QueueNames returns the configured queue names, sorted.
func (c *Config) QueueNames() []string {
	return slices.Sorted(maps.Keys(c.Queues))
}
