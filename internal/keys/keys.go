// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
//
// Every key of a queue shares the "{queue}" hash tag so a queue lives in a
// single cluster slot and all of its keys can be touched by one script.
package keys

import (
	"errors"
	"strings"
)

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "jobq"

// ErrInvalidName is returned for prefixes or queue names that would break the key layout.
var ErrInvalidName = errors.New("keys: invalid prefix or queue name")

// Kind enumerates the per-queue keys.
type Kind int

const (
	Wait Kind = iota
	Paused
	Active
	Delayed
	Prioritized
	WaitingChildren
	Completed
	Failed
	Stalled
	Marker
	Meta
	Events
	ID
	PC
	Repeat
	Limiter
	StalledCheck

	numKinds
)

var suffixes = [numKinds]string{
	Wait:            "wait",
	Paused:          "paused",
	Active:          "active",
	Delayed:         "delayed",
	Prioritized:     "prioritized",
	WaitingChildren: "waiting-children",
	Completed:       "completed",
	Failed:          "failed",
	Stalled:         "stalled",
	Marker:          "marker",
	Meta:            "meta",
	Events:          "events",
	ID:              "id",
	PC:              "pc",
	Repeat:          "repeat",
	Limiter:         "limiter",
	StalledCheck:    "stalled-check",
}

// Suffix returns the key suffix of the kind.
func (k Kind) Suffix() string { return suffixes[k] }

// Kinds lists every queue key kind in script order.
func Kinds() []Kind {
	out := make([]Kind, numKinds)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// Job sub-key suffixes.
const (
	LockSuffix         = ":lock"
	LogsSuffix         = ":logs"
	DependenciesSuffix = ":dependencies"
	ProcessedSuffix    = ":processed"
	FailedSuffix       = ":failed"
	UnsuccessfulSuffix = ":unsuccessful"
)

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name   string
	Prefix string
	// Base is the common "<prefix>:{<name>}:" prefix of every key below.
	Base string

	Wait            string
	Paused          string
	Active          string
	Delayed         string
	Prioritized     string
	WaitingChildren string
	Completed       string
	Failed          string
	Stalled         string
	Marker          string
	Meta            string
	Events          string
	ID              string
	PC              string
	Repeat          string
	Limiter         string
	StalledCheck    string
}

// For validates the prefix and queue name and returns the queue's key set.
// Neither may contain hash tag braces, and the queue name may not contain ':'.
func For(prefix, queue string) (Queue, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if queue == "" || strings.ContainsAny(queue, "{}:") || strings.ContainsAny(prefix, "{}") {
		return Queue{}, ErrInvalidName
	}
	base := prefix + ":{" + queue + "}:"
	return Queue{
		Name:            queue,
		Prefix:          prefix,
		Base:            base,
		Wait:            base + suffixes[Wait],
		Paused:          base + suffixes[Paused],
		Active:          base + suffixes[Active],
		Delayed:         base + suffixes[Delayed],
		Prioritized:     base + suffixes[Prioritized],
		WaitingChildren: base + suffixes[WaitingChildren],
		Completed:       base + suffixes[Completed],
		Failed:          base + suffixes[Failed],
		Stalled:         base + suffixes[Stalled],
		Marker:          base + suffixes[Marker],
		Meta:            base + suffixes[Meta],
		Events:          base + suffixes[Events],
		ID:              base + suffixes[ID],
		PC:              base + suffixes[PC],
		Repeat:          base + suffixes[Repeat],
		Limiter:         base + suffixes[Limiter],
		StalledCheck:    base + suffixes[StalledCheck],
	}, nil
}

// MustFor is like For but panics on an invalid name. Meant for tests and constants.
func MustFor(prefix, queue string) Queue {
	q, err := For(prefix, queue)
	if err != nil {
		panic(err)
	}
	return q
}

// Key returns the key of the given kind.
func (q Queue) Key(k Kind) string { return q.Base + suffixes[k] }

// ScriptKeys returns every queue key in Kinds() order. Scripts receive them as KEYS.
func (q Queue) ScriptKeys() []string {
	out := make([]string, numKinds)
	for i := range out {
		out[i] = q.Base + suffixes[i]
	}
	return out
}

// Job returns the hash key of a job.
func (q Queue) Job(id string) string { return q.Base + "j:" + id }

func (q Queue) Lock(id string) string         { return q.Job(id) + LockSuffix }
func (q Queue) Logs(id string) string         { return q.Job(id) + LogsSuffix }
func (q Queue) Dependencies(id string) string { return q.Job(id) + DependenciesSuffix }
func (q Queue) Processed(id string) string    { return q.Job(id) + ProcessedSuffix }
func (q Queue) FailedChildren(id string) string {
	return q.Job(id) + FailedSuffix
}
func (q Queue) Unsuccessful(id string) string { return q.Job(id) + UnsuccessfulSuffix }

// Dedup returns the deduplication pointer key.
func (q Queue) Dedup(id string) string { return q.Base + "de:" + id }

// Scheduler returns the hash key holding a job scheduler record.
func (q Queue) Scheduler(id string) string { return q.Base + "repeat:" + id }

// Pattern matches every key of the queue, for SCAN.
func (q Queue) Pattern() string {
	return escapeGlob(q.Base) + "*"
}

// ParseJobKey splits a job key into its queue base and job id.
func ParseJobKey(key string) (base, id string, ok bool) {
	i := strings.Index(key, "}:j:")
	if i < 0 {
		return "", "", false
	}
	return key[:i+2], key[i+4:], key[i+4:] != ""
}

// QueueName extracts the queue name from any key of the layout, or "".
func QueueName(key string) string {
	start := strings.Index(key, "{")
	if start == -1 {
		return ""
	}
	end := strings.Index(key, "}")
	if end == -1 || end <= start+1 {
		return ""
	}
	return key[start+1 : end]
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return r.Replace(s)
}
