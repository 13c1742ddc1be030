// Package repeat implements job schedulers: records that materialize one
// delayed job per occurrence of a cron pattern or fixed interval.
//
// A scheduler always has at most one pending occurrence. Its job id encodes
// the scheduler id and run time, so an upsert replaces the pending occurrence
// instead of adding a second one. The next occurrence is materialized when
// the current one is activated (Advance) or, if that never happened, by the
// periodic Reconcile.
package repeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/UniQw/jobq/internal/rdb"
	"github.com/jonboulle/clockwork"
	cronlib "github.com/robfig/cron/v3"
)

var (
	// ErrInvalidOptions is returned for schedules that are neither cron nor interval based.
	ErrInvalidOptions = errors.New("repeat: exactly one of pattern or every must be set")
	// ErrNoNextRun is returned by Upsert when the schedule has no future occurrence.
	ErrNoNextRun = errors.New("repeat: schedule has no future occurrence")
)

// cronParser accepts 5-field expressions, an optional leading seconds field
// and descriptors such as "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Options describes when a scheduler fires.
type Options struct {
	Pattern string
	TZ      string

	Every  time.Duration
	Offset time.Duration

	StartDate time.Time
	EndDate   time.Time
	// Limit caps the number of occurrences; 0 is unlimited.
	Limit int64
}

// Template is the job materialized for each occurrence.
type Template struct {
	Name     string
	Data     []byte
	Opts     []byte
	Attempts int
	Priority int
}

// Info is the stored state of a scheduler.
type Info struct {
	ID       string
	Options  Options
	Template Template
	// Next is the run time of the pending occurrence.
	Next  time.Time
	JobID string
	Count int64
}

type schedule struct {
	opts Options
	cron cronlib.Schedule
	loc  *time.Location
}

func compile(o Options) (*schedule, error) {
	if (o.Pattern == "") == (o.Every <= 0) {
		return nil, ErrInvalidOptions
	}
	s := &schedule{opts: o, loc: time.UTC}
	if o.TZ != "" {
		loc, err := time.LoadLocation(o.TZ)
		if err != nil {
			return nil, fmt.Errorf("repeat: time zone %q: %w", o.TZ, err)
		}
		s.loc = loc
	}
	if o.Pattern != "" {
		c, err := cronParser.Parse(o.Pattern)
		if err != nil {
			return nil, fmt.Errorf("repeat: pattern %q: %w", o.Pattern, err)
		}
		s.cron = c
	}
	return s, nil
}

// Validate reports whether o describes a usable schedule.
func Validate(o Options) error {
	_, err := compile(o)
	return err
}

// next returns the first occurrence strictly after ref. ok is false once the
// end date is passed.
func (s *schedule) next(ref time.Time) (time.Time, bool) {
	if !s.opts.StartDate.IsZero() && ref.Before(s.opts.StartDate) {
		ref = s.opts.StartDate.Add(-time.Millisecond)
	}
	var t time.Time
	if s.cron != nil {
		t = s.cron.Next(ref.In(s.loc))
	} else {
		every := s.opts.Every.Milliseconds()
		ms := ref.UnixMilli()
		t = time.UnixMilli(ms/every*every + every + s.opts.Offset.Milliseconds())
	}
	if !s.opts.EndDate.IsZero() && t.After(s.opts.EndDate) {
		return time.Time{}, false
	}
	return t, true
}

// fallback is the slot tried when the occurrence id at t is already taken.
// Cron schedules report a collision instead.
func (s *schedule) fallback(t time.Time) int64 {
	if s.cron != nil {
		return 0
	}
	return t.Add(s.opts.Every).UnixMilli()
}

// Next returns the first occurrence of o strictly after ref.
func Next(o Options, ref time.Time) (time.Time, bool, error) {
	s, err := compile(o)
	if err != nil {
		return time.Time{}, false, err
	}
	t, ok := s.next(ref)
	return t, ok, nil
}

// Scheduler manages the job schedulers of any queue.
type Scheduler struct {
	rdb   *rdb.RDB
	clock clockwork.Clock
}

// New returns a scheduler manager on top of r, using r's clock.
func New(r *rdb.RDB) *Scheduler {
	return &Scheduler{rdb: r, clock: r.Clock()}
}

// Upsert creates or replaces scheduler id and materializes its next occurrence.
func (s *Scheduler) Upsert(ctx context.Context, q keys.Queue, id string, o Options, tpl Template) (string, time.Time, error) {
	if id == "" {
		return "", time.Time{}, errors.New("repeat: empty scheduler id")
	}
	sch, err := compile(o)
	if err != nil {
		return "", time.Time{}, err
	}
	next, ok := sch.next(s.clock.Now())
	if !ok {
		return "", time.Time{}, ErrNoNextRun
	}
	jobID, ts, err := s.rdb.UpsertScheduler(ctx, q, toRecord(id, o, tpl), next.UnixMilli(), sch.fallback(next))
	if err != nil {
		return "", time.Time{}, err
	}
	if jobID == "" {
		return "", time.Time{}, ErrNoNextRun
	}
	return jobID, time.UnixMilli(ts), nil
}

// Advance materializes the occurrence following jobID, the occurrence being
// consumed. It returns "" when the scheduler ended, was removed, or another
// process already advanced it.
func (s *Scheduler) Advance(ctx context.Context, q keys.Queue, id, jobID string) (string, error) {
	rec, err := s.rdb.GetScheduler(ctx, q, id)
	if errors.Is(err, rdb.ErrSchedulerNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if rec.JobID != jobID {
		return "", nil
	}
	sch, err := compile(fromRecord(rec).Options)
	if err != nil {
		return "", err
	}
	// Missed occurrences are skipped rather than run in a burst.
	ref := s.clock.Now()
	if last := time.UnixMilli(rec.Next); last.After(ref) {
		ref = last
	}
	var nextMs, fallback int64
	if next, ok := sch.next(ref); ok {
		nextMs, fallback = next.UnixMilli(), sch.fallback(next)
	}
	nid, _, err := s.rdb.AdvanceScheduler(ctx, q, id, jobID, nextMs, fallback)
	if errors.Is(err, rdb.ErrSchedulerNotFound) {
		return "", nil
	}
	return nid, err
}

// Reconcile advances due schedulers whose pending occurrence is no longer
// waiting to run, e.g. because the worker that activated it died before
// advancing. It returns the number of schedulers advanced.
func (s *Scheduler) Reconcile(ctx context.Context, q keys.Queue) (int, error) {
	ids, err := s.rdb.SchedulerIDs(ctx, q, s.clock.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		rec, err := s.rdb.GetScheduler(ctx, q, id)
		if errors.Is(err, rdb.ErrSchedulerNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		state, err := s.rdb.GetState(ctx, q, rec.JobID)
		if err != nil {
			return n, err
		}
		switch state {
		case rdb.StateDelayed, rdb.StateWaiting, rdb.StatePrioritized:
			continue
		}
		nid, err := s.Advance(ctx, q, id, rec.JobID)
		if err != nil {
			return n, err
		}
		if nid != "" {
			n++
		}
	}
	return n, nil
}

// Remove deletes scheduler id and its pending occurrence.
func (s *Scheduler) Remove(ctx context.Context, q keys.Queue, id string) error {
	return s.rdb.RemoveScheduler(ctx, q, id)
}

// Get returns scheduler id.
func (s *Scheduler) Get(ctx context.Context, q keys.Queue, id string) (*Info, error) {
	rec, err := s.rdb.GetScheduler(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// List returns every scheduler of q ordered by next run.
func (s *Scheduler) List(ctx context.Context, q keys.Queue) ([]*Info, error) {
	ids, err := s.rdb.SchedulerIDs(ctx, q, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Info, 0, len(ids))
	for _, id := range ids {
		info, err := s.Get(ctx, q, id)
		if errors.Is(err, rdb.ErrSchedulerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toRecord(id string, o Options, tpl Template) rdb.SchedulerRecord {
	attempts := tpl.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return rdb.SchedulerRecord{
		ID:        id,
		Pattern:   o.Pattern,
		Every:     o.Every.Milliseconds(),
		Offset:    o.Offset.Milliseconds(),
		TZ:        o.TZ,
		StartDate: unixMilli(o.StartDate),
		EndDate:   unixMilli(o.EndDate),
		Limit:     o.Limit,
		Name:      tpl.Name,
		Data:      tpl.Data,
		Opts:      tpl.Opts,
		Attempts:  int64(attempts),
		Priority:  int64(tpl.Priority),
	}
}

func fromRecord(rec *rdb.SchedulerRecord) *Info {
	return &Info{
		ID: rec.ID,
		Options: Options{
			Pattern:   rec.Pattern,
			TZ:        rec.TZ,
			Every:     time.Duration(rec.Every) * time.Millisecond,
			Offset:    time.Duration(rec.Offset) * time.Millisecond,
			StartDate: fromUnixMilli(rec.StartDate),
			EndDate:   fromUnixMilli(rec.EndDate),
			Limit:     rec.Limit,
		},
		Template: Template{
			Name:     rec.Name,
			Data:     rec.Data,
			Opts:     rec.Opts,
			Attempts: int(rec.Attempts),
			Priority: int(rec.Priority),
		},
		Next:  fromUnixMilli(rec.Next),
		JobID: rec.JobID,
		Count: rec.Count,
	}
}
