package jobq

import (
	"strings"
	"time"

	"github.com/UniQw/jobq/internal/backoff"
	"github.com/UniQw/jobq/internal/rdb"
	"github.com/jonboulle/clockwork"
)

// Backoff strategies for Backoff.
const (
	BackoffFixed             = backoff.TypeFixed
	BackoffExponential       = backoff.TypeExponential
	BackoffExponentialJitter = backoff.TypeExponentialJitter
)

// FailurePolicy decides what happens to a parent when one of its children fails.
type FailurePolicy string

const (
	// FailParent fails the parent once a worker picks it up. The parent is
	// released from waiting-children immediately.
	FailParent FailurePolicy = rdb.PolicyFail
	// ContinueParent records the failure and lets the parent run once its
	// remaining children finished.
	ContinueParent FailurePolicy = rdb.PolicyContinue
	// IgnoreDependency behaves like ContinueParent; the failure is only visible
	// through GetFailedChildren.
	IgnoreDependency FailurePolicy = rdb.PolicyIgnore
	// RemoveDependency drops the failed child from the parent's dependencies
	// without a trace.
	RemoveDependency FailurePolicy = rdb.PolicyRemove
)

// KeepJobs is a retention policy for finished jobs.
// Count < 0 keeps every job and Count 0 removes a job as soon as it finishes.
// A non-zero Age removes jobs finished longer ago; Age alone keeps any
// number of younger jobs.
type KeepJobs struct {
	Age   time.Duration
	Count int
}

// KeepAll keeps every finished job. It is the default.
var KeepAll = KeepJobs{Count: -1}

// KeepNone removes jobs as soon as they finish.
var KeepNone = KeepJobs{}

func (k KeepJobs) record() *rdb.KeepJobs {
	count := int64(k.Count)
	if count == 0 && k.Age > 0 {
		count = -1
	}
	return &rdb.KeepJobs{AgeMs: k.Age.Milliseconds(), Count: count}
}

// Dedup configures deduplication. While a job holding ID exists (or, with a
// TTL, until the TTL elapses) adding another job with the same ID returns
// the existing one.
type Dedup struct {
	ID  string
	TTL time.Duration
	// Extend refreshes the TTL on every deduplicated add.
	Extend bool
	// Replace swaps the payload and options of the existing job if it is
	// still delayed.
	Replace bool
}

type parentRef struct {
	queue string
	id    string
}

type options struct {
	id       string
	delay    time.Duration
	priority int
	lifo     bool
	attempts int
	backoff  *rdb.Backoff

	removeOnComplete *KeepJobs
	removeOnFail     *KeepJobs
	stackTraceLimit  int
	keepLogs         int

	parent       *parentRef
	parentPolicy FailurePolicy
	dedup        *Dedup
}

// Option is a function that configures job behavior during Add.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, the queue's counter
// assigns one. Adding a job with an id that already exists returns the
// existing job.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Delay schedules the job to be executed after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// MaxPriority is the largest job priority. A prioritized job's score packs
// the priority above a 32-bit insertion counter and must stay below 2^53.
const MaxPriority = 1<<21 - 1

// Priority orders the job among prioritized jobs; lower runs first.
// 0 means no priority. Values range from 0 to MaxPriority.
func Priority(p int) Option {
	return func(o *options) {
		o.priority = p
	}
}

// LIFO makes the job run before the jobs already waiting.
func LIFO() Option {
	return func(o *options) {
		o.lifo = true
	}
}

// Attempts sets the total number of attempts, the first one included.
func Attempts(n int) Option {
	return func(o *options) {
		o.attempts = n
	}
}

// Backoff sets the delay strategy between attempts. typ is one of
// BackoffFixed, BackoffExponential or BackoffExponentialJitter.
func Backoff(typ string, d time.Duration) Option {
	return func(o *options) {
		o.backoff = &rdb.Backoff{Type: typ, DelayMs: d.Milliseconds()}
	}
}

// RemoveOnComplete sets which completed jobs are kept.
func RemoveOnComplete(k KeepJobs) Option {
	return func(o *options) {
		o.removeOnComplete = &k
	}
}

// RemoveOnFail sets which failed jobs are kept.
func RemoveOnFail(k KeepJobs) Option {
	return func(o *options) {
		o.removeOnFail = &k
	}
}

// Parent makes the job a child of job id in queue. The parent does not run
// before all its children finished.
func Parent(queue, id string) Option {
	return func(o *options) {
		o.parent = &parentRef{queue: queue, id: id}
	}
}

// ParentFailurePolicy sets what happens to the parent if this job fails.
// Without a policy the parent keeps waiting.
func ParentFailurePolicy(p FailurePolicy) Option {
	return func(o *options) {
		o.parentPolicy = p
	}
}

// Deduplicate enables deduplication for the job.
func Deduplicate(d Dedup) Option {
	return func(o *options) {
		o.dedup = &d
	}
}

// StackTraceLimit caps the number of stack traces kept across attempts.
func StackTraceLimit(n int) Option {
	return func(o *options) {
		o.stackTraceLimit = n
	}
}

// KeepLogs caps the number of log lines kept for the job.
func KeepLogs(n int) Option {
	return func(o *options) {
		o.keepLogs = n
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) validate() error {
	if o.id != "" && (o.id == "0" || strings.Contains(o.id, ":")) {
		return ErrInvalidJobID
	}
	if o.priority < 0 || o.priority > MaxPriority {
		return ErrInvalidPriority
	}
	return nil
}

func (o *options) jobOpts() rdb.JobOpts {
	jo := rdb.JobOpts{
		Backoff:         o.backoff,
		StackTraceLimit: o.stackTraceLimit,
		KeepLogs:        o.keepLogs,
	}
	if o.removeOnComplete != nil {
		jo.RemoveOnComplete = o.removeOnComplete.record()
	}
	if o.removeOnFail != nil {
		jo.RemoveOnFail = o.removeOnFail.record()
	}
	return jo
}

func (o *options) dedupRecord() *rdb.Dedup {
	if o.dedup == nil || o.dedup.ID == "" {
		return nil
	}
	mode := rdb.DedupSimple
	switch {
	case o.dedup.Replace:
		mode = rdb.DedupReplace
	case o.dedup.Extend:
		mode = rdb.DedupExtend
	}
	return &rdb.Dedup{ID: o.dedup.ID, TTL: o.dedup.TTL, Mode: mode}
}

type queueOptions struct {
	prefix    string
	maxEvents int64
	logger    Logger
	encoder   Encoder
	clock     clockwork.Clock
}

// QueueOption configures a Queue.
type QueueOption func(*queueOptions)

// WithPrefix sets the key prefix shared by all queues of an application.
// The default is "jobq".
func WithPrefix(p string) QueueOption {
	return func(o *queueOptions) {
		o.prefix = p
	}
}

// WithMaxEvents caps the events stream of the queue (approximately).
func WithMaxEvents(n int64) QueueOption {
	return func(o *queueOptions) {
		o.maxEvents = n
	}
}

// WithLogger sets the logger of the queue.
func WithLogger(l Logger) QueueOption {
	return func(o *queueOptions) {
		o.logger = l
	}
}

// WithEncoder sets the payload encoder. The default is JSONEncoder.
func WithEncoder(e Encoder) QueueOption {
	return func(o *queueOptions) {
		o.encoder = e
	}
}

// WithClock sets the clock whose time is passed to the store. Meant for tests.
func WithClock(c clockwork.Clock) QueueOption {
	return func(o *queueOptions) {
		o.clock = c
	}
}
