package jobq

import (
	"context"
	"time"

	"github.com/UniQw/jobq/internal/rdb"
)

// EventType names a job or queue lifecycle event.
type EventType string

const (
	EventAdded            EventType = "added"
	EventWaiting          EventType = "waiting"
	EventActive           EventType = "active"
	EventDelayed          EventType = "delayed"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventStalled          EventType = "stalled"
	EventWaitingChildren  EventType = "waiting-children"
	EventRemoved          EventType = "removed"
	EventDeduplicated     EventType = "deduplicated"
	EventDuplicated       EventType = "duplicated"
	EventRetriesExhausted EventType = "retries-exhausted"
	EventProgress         EventType = "progress"
	EventDrained          EventType = "drained"
	EventPaused           EventType = "paused"
	EventResumed          EventType = "resumed"
)

// Event is one entry of the queue's capped events stream.
type Event struct {
	// ID is the stream entry id. Pass it back to read the events that follow.
	ID    string
	Type  EventType
	JobID string
	// Fields holds the event specific attributes, e.g. "failedReason" or "prev".
	Fields map[string]string
}

// Time returns the time the event was recorded, taken from its id.
func (e Event) Time() time.Time {
	var ms int64
	for _, c := range e.ID {
		if c < '0' || c > '9' {
			break
		}
		ms = ms*10 + int64(c-'0')
	}
	return msTime(ms)
}

func toEvents(in []rdb.Event) []Event {
	if len(in) == 0 {
		return nil
	}
	out := make([]Event, len(in))
	for i, e := range in {
		out[i] = Event{ID: e.ID, Type: EventType(e.Name), JobID: e.JobID, Fields: e.Fields}
	}
	return out
}

// Events returns up to count events recorded after afterID ("" reads from
// the oldest retained event). It does not block.
func (q *Queue) Events(ctx context.Context, afterID string, count int64) ([]Event, error) {
	evs, err := q.rdb.Events(ctx, q.keys, afterID, count)
	if err != nil {
		return nil, wrap("events", q.name, err)
	}
	return toEvents(evs), nil
}

// WaitEvents blocks up to block (0 waits until ctx is done) for events
// recorded after afterID and returns them. Use "$" or LastEventID to only
// see new events. It returns no events and no error on timeout.
func (q *Queue) WaitEvents(ctx context.Context, afterID string, block time.Duration) ([]Event, error) {
	if afterID == "" {
		afterID = "$"
	}
	evs, err := q.rdb.ReadEvents(ctx, q.keys, afterID, 0, block)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrap("wait events", q.name, err)
	}
	return toEvents(evs), nil
}

// LastEventID returns the id of the newest event, "0-0" if there is none.
func (q *Queue) LastEventID(ctx context.Context) (string, error) {
	id, err := q.rdb.LastEventID(ctx, q.keys)
	return id, wrap("last event id", q.name, err)
}
