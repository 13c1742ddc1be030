package rdb

import (
	"context"
	"errors"
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Event is one entry of a queue's events stream.
type Event struct {
	// ID is the stream entry id; pass it back to read what follows.
	ID     string
	Name   string
	JobID  string
	Fields map[string]string
}

func toEvent(m redis.XMessage) Event {
	e := Event{ID: m.ID, Fields: make(map[string]string, len(m.Values))}
	for k, v := range m.Values {
		s := str(v)
		switch k {
		case "event":
			e.Name = s
		case "jobId":
			e.JobID = s
		default:
			e.Fields[k] = s
		}
	}
	return e
}

// Events returns up to count events after the entry id after ("" or "0" from the start).
func (r *RDB) Events(ctx context.Context, q keys.Queue, after string, count int64) ([]Event, error) {
	if after == "" {
		after = "0"
	}
	return r.ReadEvents(ctx, q, after, count, -1)
}

// ReadEvents reads events after the entry id after. A negative block returns
// immediately; otherwise it waits up to block (0 waits forever) for new ones.
// Use "$" to only receive events added from now on.
func (r *RDB) ReadEvents(ctx context.Context, q keys.Queue, after string, count int64, block time.Duration) ([]Event, error) {
	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{q.Events, after},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toEvent(m))
		}
	}
	return out, nil
}

// LastEventID returns the id of the newest event of q, or "0-0".
func (r *RDB) LastEventID(ctx context.Context, q keys.Queue) (string, error) {
	msgs, err := r.client.XRevRangeN(ctx, q.Events, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}
