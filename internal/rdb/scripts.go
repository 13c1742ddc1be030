package rdb

import "github.com/redis/go-redis/v9"

func newScript(body string) *redis.Script {
	return redis.NewScript(prelude + body)
}

// admit is shared by the four admission scripts. place(id, jk) puts the new
// job into its initial state.
//
//	ARGV[4]  -> custom job id, "" to allocate one
//	ARGV[5]  -> name
//	ARGV[6]  -> payload
//	ARGV[7]  -> options blob (JSON)
//	ARGV[8]  -> delay ms
//	ARGV[9]  -> priority
//	ARGV[10] -> "1" for LIFO
//	ARGV[11] -> attempts
//	ARGV[12] -> parent job key, "" for none
//	ARGV[13] -> parent failure policy
//	ARGV[14] -> "1" when the child blocks its parent
//	ARGV[15] -> scheduler id, "" for none
//	ARGV[16] -> deduplication id, "" for none
//	ARGV[17] -> deduplication ttl ms
//	ARGV[18] -> deduplication mode: "simple", "extend" or "replace"
//
// Output:
// {id, "added" | "duplicate" | "deduplicated"}, or an error code.
const admit = `
local function admit(place)
  local customId = ARGV[4]
  local parentKey = ARGV[12]
  if parentKey ~= "" and redis.call("EXISTS", parentKey) == 0 then
    return -5
  end
  if customId ~= "" then
    local jk = jobKey(base, customId)
    if redis.call("EXISTS", jk) == 1 then
      if parentKey ~= "" then
        local epk = redis.call("HGET", jk, "parentKey")
        if epk and epk ~= parentKey then
          return -7
        end
        if not epk then
          redis.call("HSET", jk, "parentKey", parentKey, "ppol", ARGV[13])
        end
        if redis.call("ZSCORE", Q.completed, customId) then
          redis.call("HSET", parentKey .. ":processed", jk, redis.call("HGET", jk, "returnvalue") or "")
          moveParentIfReady(parentKey)
        elseif redis.call("ZSCORE", Q.failed, customId) then
          if not epk then
            -- Settle the failure as if it happened after linking.
            linkParent(parentKey, jk, ARGV[14] == "1")
            failInParent(parentKey, jk, ARGV[13], redis.call("HGET", jk, "failedReason") or "")
          end
        else
          linkParent(parentKey, jk, ARGV[14] == "1")
        end
      end
      emit(Q, "duplicated", customId)
      return {customId, "duplicate"}
    end
  end

  local deid = ARGV[16]
  local dk
  if deid ~= "" then
    dk = base .. "de:" .. deid
    local existing = redis.call("GET", dk)
    if existing then
      if ARGV[18] == "replace" and redis.call("ZSCORE", Q.delayed, existing) then
        removeJob(Q, existing, jobKey(base, existing), false, false)
      else
        local ttl = tonumber(ARGV[17]) or 0
        if ARGV[18] == "extend" and ttl > 0 then
          redis.call("PEXPIRE", dk, ttl)
        end
        emit(Q, "deduplicated", existing, "deduplicationId", deid)
        return {existing, "deduplicated"}
      end
    end
  end

  local id = customId
  if id == "" then
    repeat
      id = tostring(redis.call("INCR", Q.id))
    until redis.call("EXISTS", jobKey(base, id)) == 0
  end
  local jk = jobKey(base, id)
  redis.call("HSET", jk, "name", ARGV[5], "data", ARGV[6], "opts", ARGV[7], "timestamp", now,
    "delay", ARGV[8], "priority", ARGV[9], "atm", 0, "ats", 0, "stc", 0, "attempts", ARGV[11])
  if ARGV[10] == "1" then
    redis.call("HSET", jk, "lifo", 1)
  end
  if parentKey ~= "" then
    redis.call("HSET", jk, "parentKey", parentKey, "ppol", ARGV[13])
  end
  if ARGV[15] ~= "" then
    redis.call("HSET", jk, "rjk", ARGV[15])
  end
  if dk then
    redis.call("HSET", jk, "deid", deid)
    local ttl = tonumber(ARGV[17]) or 0
    if ttl > 0 then
      redis.call("SET", dk, id, "PX", ttl)
    else
      redis.call("SET", dk, id)
    end
  end
  emit(Q, "added", id, "name", ARGV[5])
  if parentKey ~= "" then
    linkParent(parentKey, jk, ARGV[14] == "1")
  end
  place(id, jk)
  return {id, "added"}
end
`

var addStandardScript = newScript(admit + `
return admit(function(id, jk)
  pushReady(Q, id, 0, ARGV[10] == "1")
  emit(Q, "waiting", id)
end)
`)

var addDelayedScript = newScript(admit + `
return admit(function(id, jk)
  local ts = now + tonumber(ARGV[8])
  pushDelayed(Q, id, ts)
  emit(Q, "delayed", id, "delay", ts)
end)
`)

var addPrioritizedScript = newScript(admit + `
return admit(function(id, jk)
  pushReady(Q, id, tonumber(ARGV[9]), false)
  emit(Q, "waiting", id)
end)
`)

// Parent of a flow: parks in waiting-children until its children finish.
var addWaitingChildrenScript = newScript(admit + `
return admit(function(id, jk)
  redis.call("ZADD", Q.waitingChildren, now, id)
  emit(Q, "waiting-children", id)
end)
`)

// moveToActiveScript
//
//	ARGV[4] -> lock token
//	ARGV[5] -> lock duration ms
//
// Output: {job fields, id, rate limit ttl, next delayed timestamp}
var moveToActiveScript = newScript(`
return activate(Q, ARGV[4], tonumber(ARGV[5]))
`)

// moveToCompletedScript
//
//	ARGV[4]  -> job id
//	ARGV[5]  -> lock token
//	ARGV[6]  -> return value
//	ARGV[7]  -> keep age ms, 0 for no age limit
//	ARGV[8]  -> keep count, -1 keeps all
//	ARGV[9]  -> "1" to fetch the next job
//	ARGV[10] -> lock duration ms for the next job
//
// Output: same as moveToActive, or an error code.
var moveToCompletedScript = newScript(`
local id, token = ARGV[4], ARGV[5]
local jk = jobKey(base, id)
local rc = checkOwner(Q, id, jk, token)
if rc < 0 then
  return rc
end
if redis.call("SCARD", jk .. ":dependencies") > 0 then
  return -4
end
if redis.call("SCARD", jk .. ":unsuccessful") > 0 then
  return -9
end
redis.call("LREM", Q.active, -1, id)
redis.call("DEL", jk .. ":lock")
redis.call("SREM", Q.stalled, id)
redis.call("HINCRBY", jk, "atm", 1)
redis.call("HSET", jk, "returnvalue", ARGV[6], "finishedOn", now)
emit(Q, "completed", id, "returnvalue", ARGV[6], "prev", "active")
local pk = redis.call("HGET", jk, "parentKey")
if pk then
  completeInParent(pk, jk, ARGV[6])
end
clearDedup(Q, jk, id, true)
finish(Q, Q.completed, id, jk, tonumber(ARGV[7]), tonumber(ARGV[8]))
return afterFinish(ARGV[9] == "1", token, tonumber(ARGV[10]))
`)

// moveToFailedScript retries the job while attempts remain, else fails it.
//
//	ARGV[4]  -> job id
//	ARGV[5]  -> lock token
//	ARGV[6]  -> failed reason
//	ARGV[7]  -> stack traces (JSON array)
//	ARGV[8]  -> "1" if the error may be retried
//	ARGV[9]  -> backoff ms before the retry
//	ARGV[10] -> keep age ms
//	ARGV[11] -> keep count
//	ARGV[12] -> "1" to fetch the next job
//	ARGV[13] -> lock duration ms for the next job
//
// Output: same as moveToActive plus "retried" or "failed", or an error code.
var moveToFailedScript = newScript(`
local id, token = ARGV[4], ARGV[5]
local jk = jobKey(base, id)
local rc = checkOwner(Q, id, jk, token)
if rc < 0 then
  return rc
end
redis.call("LREM", Q.active, -1, id)
redis.call("DEL", jk .. ":lock")
redis.call("SREM", Q.stalled, id)
local atm = redis.call("HINCRBY", jk, "atm", 1)
local f = redis.call("HMGET", jk, "attempts", "parentKey", "ppol")
local attempts = tonumber(f[1]) or 1
redis.call("HSET", jk, "failedReason", ARGV[6], "stacktrace", ARGV[7])
local outcome = "failed"
if ARGV[8] == "1" and atm < attempts then
  local backoff = tonumber(ARGV[9]) or 0
  if backoff > 0 then
    pushDelayed(Q, id, now + backoff)
    emit(Q, "delayed", id, "delay", now + backoff, "prev", "active")
  else
    requeue(Q, id, jk)
    emit(Q, "waiting", id, "prev", "active")
  end
  outcome = "retried"
else
  redis.call("HSET", jk, "finishedOn", now)
  if attempts > 1 and atm >= attempts then
    emit(Q, "retries-exhausted", id, "attemptsMade", atm)
  end
  emit(Q, "failed", id, "failedReason", ARGV[6], "prev", "active")
  if f[2] then
    failInParent(f[2], jk, f[3] or "", ARGV[6])
  end
  clearDedup(Q, jk, id, true)
  finish(Q, Q.failed, id, jk, tonumber(ARGV[10]), tonumber(ARGV[11]))
end
local nxt = afterFinish(ARGV[12] == "1", token, tonumber(ARGV[13]))
table.insert(nxt, outcome)
return nxt
`)

// extendLockScript
//
//	ARGV[4] -> job id
//	ARGV[5] -> lock token
//	ARGV[6] -> lock duration ms
var extendLockScript = newScript(`
local lk = jobKey(base, ARGV[4]) .. ":lock"
local cur = redis.call("GET", lk)
if not cur then
  return -2
end
if cur ~= ARGV[5] then
  return -6
end
redis.call("PEXPIRE", lk, ARGV[6])
redis.call("SREM", Q.stalled, ARGV[4])
return 1
`)

// moveStalledJobsToWaitScript reclaims active jobs whose lock expired.
//
//	ARGV[4] -> max stalled count
//	ARGV[5] -> stalled-check mutex ttl ms
//	ARGV[6] -> keep age ms for jobs failed here
//	ARGV[7] -> keep count for jobs failed here
//
// Output: {requeued ids, failed ids}
var moveStalledJobsToWaitScript = newScript(`
if not redis.call("SET", Q.stalledCheck, now, "NX", "PX", ARGV[5]) then
  return {{}, {}}
end
local maxStalled = tonumber(ARGV[4])
for _, id in ipairs(redis.call("LRANGE", Q.active, 0, -1)) do
  if redis.call("EXISTS", jobKey(base, id) .. ":lock") == 0 then
    redis.call("SADD", Q.stalled, id)
  end
end
local requeued, failed = {}, {}
for _, id in ipairs(redis.call("SMEMBERS", Q.stalled)) do
  redis.call("SREM", Q.stalled, id)
  local jk = jobKey(base, id)
  if redis.call("EXISTS", jk .. ":lock") == 0 and redis.call("LREM", Q.active, 1, id) > 0
    and redis.call("EXISTS", jk) == 1 then
    local stc = redis.call("HINCRBY", jk, "stc", 1)
    local f = redis.call("HMGET", jk, "rjk", "parentKey", "ppol")
    if stc > maxStalled and not f[1] then
      local reason = "job stalled more than allowable limit"
      redis.call("HSET", jk, "failedReason", reason, "finishedOn", now)
      emit(Q, "failed", id, "failedReason", reason, "prev", "active")
      if f[2] then
        failInParent(f[2], jk, f[3] or "", reason)
      end
      clearDedup(Q, jk, id, true)
      finish(Q, Q.failed, id, jk, tonumber(ARGV[6]), tonumber(ARGV[7]))
      table.insert(failed, id)
    else
      requeue(Q, id, jk)
      emit(Q, "stalled", id, "prev", "active")
      table.insert(requeued, id)
    end
  end
end
return {requeued, failed}
`)

// moveToWaitingChildrenScript parks an active job until its children finish.
//
//	ARGV[4] -> job id
//	ARGV[5] -> lock token
//
// Output: 1 if moved, 0 if no child is pending, or an error code.
var moveToWaitingChildrenScript = newScript(`
local id = ARGV[4]
local jk = jobKey(base, id)
local rc = checkOwner(Q, id, jk, ARGV[5])
if rc < 0 then
  return rc
end
if redis.call("SCARD", jk .. ":dependencies") == 0 then
  return 0
end
redis.call("LREM", Q.active, -1, id)
redis.call("DEL", jk .. ":lock")
redis.call("ZADD", Q.waitingChildren, now, id)
emit(Q, "waiting-children", id, "prev", "active")
return 1
`)

// pauseScript
//
//	ARGV[4] -> "1" to pause, "0" to resume
var pauseScript = newScript(`
if ARGV[4] == "1" then
  if redis.call("HEXISTS", Q.meta, "paused") == 1 then
    return 0
  end
  redis.call("HSET", Q.meta, "paused", 1)
  moveList(Q.wait, Q.paused)
  redis.call("DEL", Q.marker)
  emit(Q, "paused", "")
  return 1
end
if redis.call("HEXISTS", Q.meta, "paused") == 0 then
  return 0
end
redis.call("HDEL", Q.meta, "paused")
moveList(Q.paused, Q.wait)
if redis.call("LLEN", Q.wait) > 0 or redis.call("ZCARD", Q.prioritized) > 0 then
  setMarker(Q, now)
else
  local nd = nextDelayedTimestamp(Q)
  if nd > 0 then
    setMarker(Q, nd)
  end
end
emit(Q, "resumed", "")
return 1
`)

// cleanScript removes unlocked jobs older than the grace period from a state.
//
//	ARGV[4] -> state: wait, delayed, prioritized, waitingChildren, completed or failed
//	ARGV[5] -> grace ms
//	ARGV[6] -> limit, 0 for no limit
//
// Output: removed ids
var cleanScript = newScript(`
local state = ARGV[4]
local cutoff = now - tonumber(ARGV[5])
local limit = tonumber(ARGV[6])
local removed = {}

local function full()
  return limit > 0 and #removed >= limit
end

local function consider(q, id, ts)
  if ts and ts <= cutoff then
    local jk = jobKey(base, id)
    if redis.call("EXISTS", jk .. ":lock") == 0 then
      removeJob(q, id, jk, false, false)
      table.insert(removed, id)
    end
  end
end

if state == "completed" or state == "failed" then
  local ids
  if limit > 0 then
    ids = redis.call("ZRANGEBYSCORE", Q[state], 0, cutoff, "LIMIT", 0, limit)
  else
    ids = redis.call("ZRANGEBYSCORE", Q[state], 0, cutoff)
  end
  for _, id in ipairs(ids) do
    consider(Q, id, 0)
  end
  return removed
end

local lists = {}
if state == "wait" then
  lists = {Q.wait, Q.paused}
end
for _, k in ipairs(lists) do
  local ids = redis.call("LRANGE", k, 0, -1)
  for i = #ids, 1, -1 do
    if full() then
      return removed
    end
    consider(Q, ids[i], tonumber(redis.call("HGET", jobKey(base, ids[i]), "timestamp")))
  end
end
if state == "delayed" or state == "prioritized" or state == "waitingChildren" then
  for _, id in ipairs(redis.call("ZRANGE", Q[state], 0, -1)) do
    if full() then
      return removed
    end
    consider(Q, id, tonumber(redis.call("HGET", jobKey(base, id), "timestamp")))
  end
end
return removed
`)

// obliterateScript deletes a paused queue in batches.
//
//	ARGV[4] -> "1" to also drop active jobs
//	ARGV[5] -> max jobs to delete per call
//
// Output: 1 if more work remains, 0 when the queue is gone, or an error code.
var obliterateScript = newScript(`
if redis.call("HEXISTS", Q.meta, "paused") == 0 then
  return -12
end
if ARGV[4] ~= "1" and redis.call("LLEN", Q.active) > 0 then
  return -11
end
local budget = tonumber(ARGV[5])
local function drop(ids)
  for _, id in ipairs(ids) do
    local jk = jobKey(base, id)
    clearDedup(Q, jk, id, false)
    deleteJobKeys(jk)
  end
  budget = budget - #ids
end
for _, k in ipairs({Q.active, Q.wait, Q.paused}) do
  if budget <= 0 then
    return 1
  end
  local ids = redis.call("LRANGE", k, 0, budget - 1)
  drop(ids)
  if #ids > 0 then
    redis.call("LTRIM", k, #ids, -1)
  end
end
for _, k in ipairs({Q.delayed, Q.prioritized, Q.waitingChildren, Q.completed, Q.failed}) do
  if budget <= 0 then
    return 1
  end
  local ids = redis.call("ZRANGE", k, 0, budget - 1)
  drop(ids)
  if #ids > 0 then
    redis.call("ZREMRANGEBYRANK", k, 0, #ids - 1)
  end
end
for _, k in ipairs({Q.active, Q.wait, Q.paused, Q.delayed, Q.prioritized, Q.waitingChildren, Q.completed, Q.failed}) do
  if redis.call("EXISTS", k) == 1 then
    return 1
  end
end
for _, sid in ipairs(redis.call("ZRANGE", Q.schedulers, 0, -1)) do
  redis.call("DEL", base .. "repeat:" .. sid)
end
redis.call("DEL", unpack(KEYS))
return 0
`)

// retryJobsScript moves finished jobs back to wait.
//
//	ARGV[4] -> completed or failed
//	ARGV[5] -> max jobs per call
//	ARGV[6] -> only jobs finished at or before this timestamp
//
// Output: number of jobs moved
var retryJobsScript = newScript(`
local state = ARGV[4]
local ids = redis.call("ZRANGEBYSCORE", Q[state], 0, ARGV[6], "LIMIT", 0, ARGV[5])
for _, id in ipairs(ids) do
  local jk = jobKey(base, id)
  redis.call("ZREM", Q[state], id)
  if redis.call("EXISTS", jk) == 1 then
    resetForRetry(jk)
    reenqueue(Q, id, jk, state)
  end
end
return #ids
`)

// reprocessJobScript moves one finished job back to wait.
//
//	ARGV[4] -> job id
//	ARGV[5] -> completed or failed
var reprocessJobScript = newScript(`
local id = ARGV[4]
local jk = jobKey(base, id)
if redis.call("EXISTS", jk) == 0 then
  return -1
end
if redis.call("ZREM", Q[ARGV[5]], id) == 0 then
  return -3
end
resetForRetry(jk)
reenqueue(Q, id, jk, ARGV[5])
return 1
`)

// promoteScript
//
//	ARGV[4] -> job id
var promoteScript = newScript(`
local id = ARGV[4]
local jk = jobKey(base, id)
if redis.call("EXISTS", jk) == 0 then
  return -1
end
if redis.call("ZREM", Q.delayed, id) == 0 then
  return -3
end
redis.call("HSET", jk, "delay", 0)
requeue(Q, id, jk)
emit(Q, "waiting", id, "prev", "delayed")
return 1
`)

// removeJobScript
//
//	ARGV[4] -> job id
//	ARGV[5] -> "1" to remove children too
var removeJobScript = newScript(`
local id = ARGV[4]
local jk = jobKey(base, id)
if redis.call("EXISTS", jk) == 0 then
  return -1
end
local withChildren = ARGV[5] == "1"
if isLocked(jk, withChildren) then
  return -8
end
removeJob(Q, id, jk, withChildren, false)
return 1
`)

// getStateScript
//
//	ARGV[4] -> job id
var getStateScript = newScript(`
local id = ARGV[4]
if redis.call("ZSCORE", Q.completed, id) then
  return "completed"
end
if redis.call("ZSCORE", Q.failed, id) then
  return "failed"
end
if redis.call("ZSCORE", Q.delayed, id) then
  return "delayed"
end
if redis.call("ZSCORE", Q.prioritized, id) then
  return "prioritized"
end
if redis.call("ZSCORE", Q.waitingChildren, id) then
  return "waiting-children"
end
if redis.call("LPOS", Q.active, id) then
  return "active"
end
if redis.call("LPOS", Q.wait, id) or redis.call("LPOS", Q.paused, id) then
  return "waiting"
end
return "unknown"
`)

// updateProgressScript
//
//	ARGV[4] -> job id
//	ARGV[5] -> progress (JSON)
var updateProgressScript = newScript(`
local jk = jobKey(base, ARGV[4])
if redis.call("EXISTS", jk) == 0 then
  return -1
end
redis.call("HSET", jk, "progress", ARGV[5])
emit(Q, "progress", ARGV[4], "data", ARGV[5])
return 1
`)

// addLogScript
//
//	ARGV[4] -> job id
//	ARGV[5] -> log line
//	ARGV[6] -> lines to keep, 0 keeps all
//
// Output: number of stored lines
var addLogScript = newScript(`
local jk = jobKey(base, ARGV[4])
if redis.call("EXISTS", jk) == 0 then
  return -1
end
local lk = jk .. ":logs"
local n = redis.call("RPUSH", lk, ARGV[5])
local keep = tonumber(ARGV[6])
if keep > 0 and n > keep then
  redis.call("LTRIM", lk, -keep, -1)
  n = keep
end
return n
`)
