package rdb

import (
	"context"
	"errors"
	"strconv"

	"github.com/UniQw/jobq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// SchedulerRecord is the persisted state of a job scheduler.
// Times are unix milliseconds; Every and Offset are milliseconds.
type SchedulerRecord struct {
	ID        string
	Pattern   string
	Every     int64
	Offset    int64
	TZ        string
	StartDate int64
	EndDate   int64
	Limit     int64
	// Count is the number of occurrences materialized so far.
	Count int64

	Name     string
	Data     []byte
	Opts     []byte
	Attempts int64
	Priority int64

	Next  int64
	JobID string
}

const occurrence = `
local function occurrenceId(sid, ts)
  return "repeat:" .. sid .. ":" .. ts
end

-- Picks a free occurrence id. ignoreId is an occurrence about to be replaced.
local function pickOccurrence(sid, nextTs, fallbackTs, ignoreId)
  local id = occurrenceId(sid, nextTs)
  if id == ignoreId or redis.call("EXISTS", jobKey(base, id)) == 0 then
    return id, nextTs
  end
  if fallbackTs ~= "0" then
    id = occurrenceId(sid, fallbackTs)
    if id == ignoreId or redis.call("EXISTS", jobKey(base, id)) == 0 then
      return id, fallbackTs
    end
  end
  return nil
end

local function createOccurrence(rk, sid, id, ts)
  local f = redis.call("HMGET", rk, "name", "data", "opts", "attempts", "priority")
  local jk = jobKey(base, id)
  local tsn = tonumber(ts)
  redis.call("HSET", jk, "name", f[1] or "", "data", f[2] or "", "opts", f[3] or "{}", "timestamp", now,
    "delay", tsn - now, "priority", f[5] or 0, "atm", 0, "ats", 0, "stc", 0, "attempts", f[4] or 1, "rjk", sid)
  pushDelayed(Q, id, tsn)
  redis.call("HINCRBY", rk, "count", 1)
  redis.call("HSET", rk, "next", ts, "jobId", id)
  redis.call("ZADD", Q.schedulers, ts, sid)
  emit(Q, "added", id, "name", f[1] or "")
  emit(Q, "delayed", id, "delay", ts)
end

local function endScheduler(rk, sid)
  redis.call("DEL", rk)
  redis.call("ZREM", Q.schedulers, sid)
end

local function limitReached(rk)
  local f = redis.call("HMGET", rk, "count", "limit")
  local limit = tonumber(f[2]) or 0
  return limit > 0 and (tonumber(f[1]) or 0) >= limit
end
`

// upsertSchedulerScript creates or replaces a scheduler and its pending occurrence.
//
//	ARGV[4]  -> scheduler id
//	ARGV[5]  -> next run ms
//	ARGV[6]  -> fallback run ms for id collisions, "0" for none
//	ARGV[7]  -> cron pattern
//	ARGV[8]  -> every ms
//	ARGV[9]  -> offset ms
//	ARGV[10] -> time zone
//	ARGV[11] -> start date ms
//	ARGV[12] -> end date ms
//	ARGV[13] -> limit
//	ARGV[14] -> job name
//	ARGV[15] -> job payload
//	ARGV[16] -> job options blob
//	ARGV[17] -> job attempts
//	ARGV[18] -> job priority
//
// Output: {occurrence id, next run} or {"", "ended"}, or an error code.
var upsertSchedulerScript = newScript(occurrence + `
local sid = ARGV[4]
local rk = base .. "repeat:" .. sid
local prevId = redis.call("HGET", rk, "jobId")
local replaceable = ""
if prevId and redis.call("ZSCORE", Q.delayed, prevId) then
  replaceable = prevId
end
local id, ts = pickOccurrence(sid, ARGV[5], ARGV[6], replaceable)
if not id then
  return -10
end
if replaceable ~= "" then
  removeJob(Q, replaceable, jobKey(base, replaceable), false, false)
end
redis.call("HSET", rk, "pattern", ARGV[7], "every", ARGV[8], "offset", ARGV[9], "tz", ARGV[10],
  "startDate", ARGV[11], "endDate", ARGV[12], "limit", ARGV[13], "name", ARGV[14], "data", ARGV[15],
  "opts", ARGV[16], "attempts", ARGV[17], "priority", ARGV[18])
redis.call("HSETNX", rk, "count", 0)
if limitReached(rk) then
  endScheduler(rk, sid)
  return {"", "ended"}
end
createOccurrence(rk, sid, id, ts)
return {id, ts}
`)

// advanceSchedulerScript materializes the occurrence after expectedJobId.
//
//	ARGV[4] -> scheduler id
//	ARGV[5] -> job id of the occurrence being consumed
//	ARGV[6] -> next run ms, "0" when the schedule is over
//	ARGV[7] -> fallback run ms, "0" for none
//
// Output: {occurrence id, next run}, {"", "stale"}, {"", "ended"}, or an error code.
var advanceSchedulerScript = newScript(occurrence + `
local sid = ARGV[4]
local rk = base .. "repeat:" .. sid
if redis.call("EXISTS", rk) == 0 then
  return -13
end
if redis.call("HGET", rk, "jobId") ~= ARGV[5] then
  return {"", "stale"}
end
if ARGV[6] == "0" or limitReached(rk) then
  endScheduler(rk, sid)
  return {"", "ended"}
end
local id, ts = pickOccurrence(sid, ARGV[6], ARGV[7], "")
if not id then
  return -10
end
createOccurrence(rk, sid, id, ts)
return {id, ts}
`)

// removeSchedulerScript
//
//	ARGV[4] -> scheduler id
var removeSchedulerScript = newScript(`
local sid = ARGV[4]
local rk = base .. "repeat:" .. sid
if redis.call("EXISTS", rk) == 0 then
  return -13
end
local prevId = redis.call("HGET", rk, "jobId")
if prevId and redis.call("ZSCORE", Q.delayed, prevId) then
  removeJob(Q, prevId, jobKey(base, prevId), false, false)
end
redis.call("DEL", rk)
redis.call("ZREM", Q.schedulers, sid)
return 1
`)

// Scheduler outcomes other than a new occurrence.
const (
	SchedulerEnded = "ended"
	SchedulerStale = "stale"
)

// UpsertScheduler stores rec and materializes its occurrence at next.
// fallback is tried when the occurrence id at next is taken; 0 disables it.
func (r *RDB) UpsertScheduler(ctx context.Context, q keys.Queue, rec SchedulerRecord, next, fallback int64) (string, int64, error) {
	res, err := r.run(ctx, "upsert job scheduler", upsertSchedulerScript, q,
		rec.ID, next, fallback, rec.Pattern, rec.Every, rec.Offset, rec.TZ, rec.StartDate, rec.EndDate,
		rec.Limit, rec.Name, rec.Data, rec.Opts, rec.Attempts, rec.Priority)
	if err != nil {
		return "", 0, err
	}
	return parseOccurrence(res)
}

// AdvanceScheduler moves a scheduler past the occurrence expectedJobID.
// The returned id is empty when the scheduler ended or was already advanced.
func (r *RDB) AdvanceScheduler(ctx context.Context, q keys.Queue, id, expectedJobID string, next, fallback int64) (string, int64, error) {
	res, err := r.run(ctx, "advance job scheduler", advanceSchedulerScript, q, id, expectedJobID, next, fallback)
	if err != nil {
		return "", 0, err
	}
	return parseOccurrence(res)
}

// RemoveScheduler deletes a scheduler and its pending occurrence.
func (r *RDB) RemoveScheduler(ctx context.Context, q keys.Queue, id string) error {
	_, err := r.run(ctx, "remove job scheduler", removeSchedulerScript, q, id)
	return err
}

// GetScheduler loads one scheduler record.
func (r *RDB) GetScheduler(ctx context.Context, q keys.Queue, id string) (*SchedulerRecord, error) {
	m, err := r.client.HGetAll(ctx, q.Scheduler(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, &Error{Code: CodeSchedulerNotFound, Op: "get job scheduler"}
	}
	return parseScheduler(id, m), nil
}

// SchedulerIDs lists scheduler ids ordered by next run, up to maxNext (inclusive).
// maxNext <= 0 lists all of them.
func (r *RDB) SchedulerIDs(ctx context.Context, q keys.Queue, maxNext int64) ([]string, error) {
	hi := "+inf"
	if maxNext > 0 {
		hi = strconv.FormatInt(maxNext, 10)
	}
	ids, err := r.client.ZRangeByScore(ctx, q.Repeat, &redis.ZRangeBy{Min: "-inf", Max: hi}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}

func parseOccurrence(res any) (string, int64, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return "", 0, errUnexpected(res)
	}
	id := str(arr[0])
	if id == "" {
		return "", 0, nil
	}
	ts, _ := strconv.ParseInt(str(arr[1]), 10, 64)
	return id, ts, nil
}

func parseScheduler(id string, m map[string]string) *SchedulerRecord {
	return &SchedulerRecord{
		ID:        id,
		Pattern:   m["pattern"],
		Every:     atoi(m["every"]),
		Offset:    atoi(m["offset"]),
		TZ:        m["tz"],
		StartDate: atoi(m["startDate"]),
		EndDate:   atoi(m["endDate"]),
		Limit:     atoi(m["limit"]),
		Count:     atoi(m["count"]),
		Name:      m["name"],
		Data:      []byte(m["data"]),
		Opts:      []byte(m["opts"]),
		Attempts:  atoi(m["attempts"]),
		Priority:  atoi(m["priority"]),
		Next:      atoi(m["next"]),
		JobID:     m["jobId"],
	}
}
