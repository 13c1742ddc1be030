// Package rdb implements the queue state machine on Redis. Every state
// transition is one Lua script, so a transition is applied completely or not
// at all and concurrent workers never observe an intermediate state.
package rdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxEvents caps the events stream of a queue.
const DefaultMaxEvents = 10000

// RDB is a client interface to query and mutate queues.
type RDB struct {
	client    redis.UniversalClient
	clock     clockwork.Clock
	maxEvents int64
}

// Option configures an RDB.
type Option func(*RDB)

// WithClock sets the clock whose time is passed to every script.
func WithClock(c clockwork.Clock) Option {
	return func(r *RDB) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithMaxEvents sets the approximate cap of the events stream.
func WithMaxEvents(n int64) Option {
	return func(r *RDB) {
		if n > 0 {
			r.maxEvents = n
		}
	}
}

// New returns a new instance of RDB.
func New(client redis.UniversalClient, opts ...Option) *RDB {
	r := &RDB{client: client, clock: clockwork.NewRealClock(), maxEvents: DefaultMaxEvents}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Client returns the underlying redis client.
func (r *RDB) Client() redis.UniversalClient { return r.client }

// Clock returns the clock used for script timestamps.
func (r *RDB) Clock() clockwork.Clock { return r.clock }

func (r *RDB) nowMs() int64 { return r.clock.Now().UnixMilli() }

func (r *RDB) args(q keys.Queue, extra ...any) []any {
	argv := make([]any, 0, 3+len(extra))
	argv = append(argv, q.Base, r.nowMs(), r.maxEvents)
	return append(argv, extra...)
}

// run executes script against q and translates negative integer results
// into *Error values.
func (r *RDB) run(ctx context.Context, op string, script *redis.Script, q keys.Queue, extra ...any) (any, error) {
	res, err := script.Run(ctx, r.client, q.ScriptKeys(), r.args(q, extra...)...).Result()
	if err != nil {
		return nil, fmt.Errorf("jobq: %s: %w", op, err)
	}
	return checkCode(op, res)
}

func checkCode(op string, res any) (any, error) {
	if code, ok := res.(int64); ok && code < 0 {
		return nil, &Error{Code: code, Op: op}
	}
	return res, nil
}

func errUnexpected(res any) error {
	return fmt.Errorf("jobq: unexpected script result %T: %v", res, res)
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		return atoi(t)
	default:
		return 0
	}
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ignoreNil turns redis.Nil into a nil error.
func ignoreNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
