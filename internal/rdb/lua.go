package rdb

import (
	"strconv"
	"strings"

	"github.com/UniQw/jobq/internal/keys"
)

// luaNames maps each key kind to the field name scripts use for it.
var luaNames = map[keys.Kind]string{
	keys.Wait:            "wait",
	keys.Paused:          "paused",
	keys.Active:          "active",
	keys.Delayed:         "delayed",
	keys.Prioritized:     "prioritized",
	keys.WaitingChildren: "waitingChildren",
	keys.Completed:       "completed",
	keys.Failed:          "failed",
	keys.Stalled:         "stalled",
	keys.Marker:          "marker",
	keys.Meta:            "meta",
	keys.Events:          "events",
	keys.ID:              "id",
	keys.PC:              "pc",
	keys.Repeat:          "schedulers",
	keys.Limiter:         "limiter",
	keys.StalledCheck:    "stalledCheck",
}

// Every script runs with:
//
//	KEYS[1..n] -> the queue keys, in keys.Kinds() order
//	ARGV[1]    -> queue base ("<prefix>:{<queue>}:")
//	ARGV[2]    -> current time in ms
//	ARGV[3]    -> max length of the events stream
//
// Script specific arguments start at ARGV[4]. Keys of other queues (a parent
// living in another queue) are derived from the base embedded in job keys.
var prelude = buildPrelude()

func buildPrelude() string {
	var suffixes, names []string
	for _, k := range keys.Kinds() {
		suffixes = append(suffixes, strconv.Quote(k.Suffix()))
		names = append(names, strconv.Quote(luaNames[k]))
	}
	return `
local base = ARGV[1]
local now = tonumber(ARGV[2])
local maxEvents = tonumber(ARGV[3])

local SUFFIXES = {` + strings.Join(suffixes, ",") + `}
local NAMES = {` + strings.Join(names, ",") + `}
` + helpers
}

const helpers = `
local function keysFrom(list, b)
  local q = {base = b}
  for i, n in ipairs(NAMES) do q[n] = list[i] end
  return q
end

local function queueKeys(b)
  local list = {}
  for i, s in ipairs(SUFFIXES) do list[i] = b .. s end
  return keysFrom(list, b)
end

local Q = keysFrom(KEYS, base)

local function jobKey(b, id)
  return b .. "j:" .. id
end

local function parseJobKey(k)
  return string.match(k, "^(.-}:)j:(.+)$")
end

local function emit(q, event, id, ...)
  redis.call("XADD", q.events, "MAXLEN", "~", maxEvents, "*", "event", event, "jobId", id, ...)
end

-- Returns the list new ready jobs go to and whether workers must not be woken.
local function getTarget(q)
  local m = redis.call("HMGET", q.meta, "paused", "concurrency")
  if m[1] then
    return q.paused, true
  end
  if m[2] and redis.call("LLEN", q.active) >= tonumber(m[2]) then
    return q.wait, true
  end
  return q.wait, false
end

-- The marker only ever moves to an earlier time.
local function setMarker(q, ts)
  local cur = redis.call("ZSCORE", q.marker, "0")
  if (not cur) or tonumber(cur) > ts then
    redis.call("ZADD", q.marker, ts, "0")
  end
end

local function nextDelayedTimestamp(q)
  local r = redis.call("ZRANGE", q.delayed, 0, 0, "WITHSCORES")
  if r[1] then
    return math.floor(tonumber(r[2]) / 4096)
  end
  return 0
end

-- score = ts * 4096 + seq. A full millisecond band spills into the next one.
local function delayedScore(q, ts)
  while true do
    local lo = ts * 4096
    local hi = lo + 4095
    local r = redis.call("ZREVRANGEBYSCORE", q.delayed, hi, lo, "WITHSCORES", "LIMIT", 0, 1)
    if not r[1] then
      return lo
    end
    local top = tonumber(r[2])
    if top < hi then
      return top + 1
    end
    ts = ts + 1
  end
end

local function priorityScore(q, prio)
  local c = redis.call("INCR", q.pc)
  return prio * 4294967296 + (c % 4294967296)
end

local function pushDelayed(q, id, ts)
  local score = delayedScore(q, ts)
  redis.call("ZADD", q.delayed, score, id)
  if not redis.call("HGET", q.meta, "paused") then
    setMarker(q, math.floor(score / 4096))
  end
end

local function pushReady(q, id, prio, lifo)
  local target, noMarker = getTarget(q)
  if prio > 0 then
    redis.call("ZADD", q.prioritized, priorityScore(q, prio), id)
  elseif lifo then
    redis.call("RPUSH", target, id)
  else
    redis.call("LPUSH", target, id)
  end
  if not noMarker then
    setMarker(q, now)
  end
end

local function requeue(q, id, jk)
  local f = redis.call("HMGET", jk, "priority", "lifo")
  pushReady(q, id, tonumber(f[1]) or 0, f[2] == "1")
end

local function promoteDelayed(q)
  local ids = redis.call("ZRANGEBYSCORE", q.delayed, 0, (now + 1) * 4096 - 1, "LIMIT", 0, 1000)
  for _, id in ipairs(ids) do
    redis.call("ZREM", q.delayed, id)
    requeue(q, id, jobKey(q.base, id))
    emit(q, "waiting", id, "prev", "delayed")
  end
  return #ids
end

local function deleteJobKeys(jk)
  redis.call("DEL", jk, jk .. ":lock", jk .. ":logs", jk .. ":dependencies",
    jk .. ":processed", jk .. ":failed", jk .. ":unsuccessful")
end

local function clearDedup(q, jk, id, persistentOnly)
  local deid = redis.call("HGET", jk, "deid")
  if not deid then
    return
  end
  local dk = q.base .. "de:" .. deid
  if redis.call("GET", dk) == id then
    if (not persistentOnly) or redis.call("PTTL", dk) == -1 then
      redis.call("DEL", dk)
    end
  end
end

-- Moves a parent out of waiting-children once its last dependency is gone.
-- ZREM returning 1 guarantees the transition happens once.
local function moveParentIfReady(pk)
  if redis.call("SCARD", pk .. ":dependencies") > 0 then
    return
  end
  local pbase, pid = parseJobKey(pk)
  if not pbase then
    return
  end
  local pq = queueKeys(pbase)
  if redis.call("ZREM", pq.waitingChildren, pid) == 1 then
    local f = redis.call("HMGET", pk, "delay", "priority", "lifo")
    local delay = tonumber(f[1]) or 0
    if delay > 0 then
      pushDelayed(pq, pid, now + delay)
      emit(pq, "delayed", pid, "delay", now + delay, "prev", "waiting-children")
    else
      pushReady(pq, pid, tonumber(f[2]) or 0, f[3] == "1")
      emit(pq, "waiting", pid, "prev", "waiting-children")
    end
  end
end

local function linkParent(pk, jk, block)
  local pbase, pid = parseJobKey(pk)
  if not pbase then
    return
  end
  local pq = queueKeys(pbase)
  if redis.call("ZSCORE", pq.completed, pid) or redis.call("ZSCORE", pq.failed, pid) then
    return
  end
  redis.call("SADD", pk .. ":dependencies", jk)
  if not block or redis.call("ZSCORE", pq.waitingChildren, pid) then
    return
  end
  local removed = redis.call("LREM", pq.wait, 0, pid) + redis.call("LREM", pq.paused, 0, pid)
    + redis.call("ZREM", pq.prioritized, pid) + redis.call("ZREM", pq.delayed, pid)
  if removed > 0 then
    redis.call("ZADD", pq.waitingChildren, now, pid)
    emit(pq, "waiting-children", pid, "prev", "waiting")
  end
end

local function completeInParent(pk, jk, rv)
  if redis.call("SREM", pk .. ":dependencies", jk) == 1 then
    redis.call("HSET", pk .. ":processed", jk, rv)
    moveParentIfReady(pk)
  end
end

local function failInParent(pk, jk, policy, reason)
  if policy == "" then
    return
  end
  if redis.call("SREM", pk .. ":dependencies", jk) == 0 then
    return
  end
  if policy == "fail" then
    redis.call("SADD", pk .. ":unsuccessful", jk)
    redis.call("HSET", pk, "defa", "child " .. jk .. " failed")
    local pbase, pid = parseJobKey(pk)
    if not pbase then
      return
    end
    local pq = queueKeys(pbase)
    if redis.call("ZREM", pq.waitingChildren, pid) == 1 then
      local f = redis.call("HMGET", pk, "priority", "lifo")
      pushReady(pq, pid, tonumber(f[1]) or 0, f[2] == "1")
      emit(pq, "waiting", pid, "prev", "waiting-children")
    end
    return
  end
  if policy == "continue" or policy == "ignore" then
    redis.call("HSET", pk .. ":failed", jk, reason)
  end
  moveParentIfReady(pk)
end

local function trimFinished(q, set, keepAge, keepCount)
  if keepAge > 0 then
    local old = redis.call("ZRANGEBYSCORE", set, 0, now - keepAge, "LIMIT", 0, 1000)
    for _, oid in ipairs(old) do
      deleteJobKeys(jobKey(q.base, oid))
      redis.call("ZREM", set, oid)
    end
  end
  if keepCount > 0 then
    local old = redis.call("ZREVRANGE", set, keepCount, -1)
    for _, oid in ipairs(old) do
      deleteJobKeys(jobKey(q.base, oid))
    end
    if #old > 0 then
      redis.call("ZREMRANGEBYRANK", set, 0, -(keepCount + 1))
    end
  end
end

-- keepCount: -1 keeps everything, 0 deletes the job right away.
local function finish(q, set, id, jk, keepAge, keepCount)
  if keepCount == 0 then
    deleteJobKeys(jk)
    return
  end
  redis.call("ZADD", set, now, id)
  trimFinished(q, set, keepAge, keepCount)
end

local function checkOwner(q, id, jk, token)
  if redis.call("EXISTS", jk) == 0 then
    return -1
  end
  local cur = redis.call("GET", jk .. ":lock")
  if not cur then
    return -2
  end
  if cur ~= token then
    return -6
  end
  if not redis.call("LPOS", q.active, id) then
    return -3
  end
  return 0
end

local function activate(q, token, lockMs)
  promoteDelayed(q)
  local m = redis.call("HMGET", q.meta, "paused", "concurrency", "max", "duration")
  local maxJobs = tonumber(m[3])
  if maxJobs then
    local cur = tonumber(redis.call("GET", q.limiter) or "0")
    if cur >= maxJobs then
      local ttl = redis.call("PTTL", q.limiter)
      if ttl <= 0 then
        ttl = tonumber(m[4]) or 1000
        redis.call("PEXPIRE", q.limiter, ttl)
      end
      return {{}, "", ttl, 0}
    end
  end
  if m[1] then
    return {{}, "", 0, 0}
  end
  if m[2] and redis.call("LLEN", q.active) >= tonumber(m[2]) then
    return {{}, "", 0, 0}
  end
  local id
  local top = redis.call("ZPOPMIN", q.prioritized)
  if top[1] then
    id = top[1]
    redis.call("LPUSH", q.active, id)
  else
    id = redis.call("RPOPLPUSH", q.wait, q.active)
  end
  if not id then
    return {{}, "", 0, nextDelayedTimestamp(q)}
  end
  local jk = jobKey(q.base, id)
  if redis.call("EXISTS", jk) == 0 then
    redis.call("LREM", q.active, 1, id)
    setMarker(q, now)
    return {{}, "", 0, 0}
  end
  if maxJobs then
    if redis.call("INCR", q.limiter) == 1 then
      redis.call("PEXPIRE", q.limiter, tonumber(m[4]) or 1000)
    end
  end
  redis.call("SET", jk .. ":lock", token, "PX", lockMs)
  redis.call("HINCRBY", jk, "ats", 1)
  redis.call("HSET", jk, "processedOn", now)
  emit(q, "active", id, "prev", "waiting")
  if redis.call("LLEN", q.wait) > 0 or redis.call("ZCARD", q.prioritized) > 0 then
    setMarker(q, now)
  end
  return {redis.call("HGETALL", jk), id, 0, 0}
end

local function afterFinish(fetch, token, lockMs)
  if redis.call("LLEN", Q.wait) == 0 and redis.call("ZCARD", Q.prioritized) == 0 then
    emit(Q, "drained", "")
  end
  if fetch then
    return activate(Q, token, lockMs)
  end
  return {{}, "", 0, 0}
end

local function childKeys(jk)
  local out = {}
  for _, ck in ipairs(redis.call("SMEMBERS", jk .. ":dependencies")) do table.insert(out, ck) end
  for _, ck in ipairs(redis.call("HKEYS", jk .. ":processed")) do table.insert(out, ck) end
  for _, ck in ipairs(redis.call("HKEYS", jk .. ":failed")) do table.insert(out, ck) end
  for _, ck in ipairs(redis.call("SMEMBERS", jk .. ":unsuccessful")) do table.insert(out, ck) end
  return out
end

local function isLocked(jk, withChildren)
  if redis.call("EXISTS", jk .. ":lock") == 1 then
    return true
  end
  if withChildren then
    for _, ck in ipairs(childKeys(jk)) do
      if redis.call("EXISTS", ck) == 1 and isLocked(ck, true) then
        return true
      end
    end
  end
  return false
end

local function removeJob(q, id, jk, withChildren, fromParent)
  if withChildren then
    for _, ck in ipairs(childKeys(jk)) do
      local cbase, cid = parseJobKey(ck)
      if cbase and redis.call("EXISTS", ck) == 1 then
        removeJob(queueKeys(cbase), cid, ck, true, true)
      end
    end
  end
  if not fromParent then
    local pk = redis.call("HGET", jk, "parentKey")
    if pk and redis.call("SREM", pk .. ":dependencies", jk) == 1 then
      moveParentIfReady(pk)
    end
  end
  redis.call("LREM", q.wait, 0, id)
  redis.call("LREM", q.paused, 0, id)
  redis.call("LREM", q.active, 0, id)
  redis.call("ZREM", q.delayed, id)
  redis.call("ZREM", q.prioritized, id)
  redis.call("ZREM", q.waitingChildren, id)
  redis.call("ZREM", q.completed, id)
  redis.call("ZREM", q.failed, id)
  redis.call("SREM", q.stalled, id)
  clearDedup(q, jk, id, false)
  deleteJobKeys(jk)
  emit(q, "removed", id)
end

local function resetForRetry(jk)
  redis.call("HSET", jk, "atm", 0, "stc", 0)
  redis.call("HDEL", jk, "finishedOn", "processedOn", "failedReason", "returnvalue", "stacktrace", "defa")
  for _, ck in ipairs(redis.call("SMEMBERS", jk .. ":unsuccessful")) do
    redis.call("SADD", jk .. ":dependencies", ck)
  end
  redis.call("DEL", jk .. ":unsuccessful")
end

-- Re-admits a finished job: back to waiting-children while it still has
-- dependencies, else to wait/prioritized.
local function reenqueue(q, id, jk, prev)
  if redis.call("SCARD", jk .. ":dependencies") > 0 then
    redis.call("ZADD", q.waitingChildren, now, id)
    emit(q, "waiting-children", id, "prev", prev)
  else
    requeue(q, id, jk)
    emit(q, "waiting", id, "prev", prev)
  end
end

local function moveList(src, dst)
  if redis.call("EXISTS", src) == 0 then
    return
  end
  if redis.call("EXISTS", dst) == 0 then
    redis.call("RENAME", src, dst)
    return
  end
  while redis.call("RPOPLPUSH", src, dst) do end
end
`
