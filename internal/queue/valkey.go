package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Every state transition runs as a Lua script so it is atomic on the server
// and visible to all processes sharing the Valkey instance. Job hash keys are
// derived inside the scripts from the queue prefix. All keys of a queue share
// one hash tag, so a queue always lives on a single slot.
//
// Scores are formatted as integers before ZADD/HSET: a bare Lua number is
// converted with %.14g, which loses the sequence part of large scores.

var enqueueScript = valkey.NewLuaScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then
  return 0
end
local seq = redis.call('INCR', KEYS[4])
local score = string.format('%d', tonumber(ARGV[3]) * 1000000000000 + seq)
local now = tonumber(ARGV[5])
local runAt = tonumber(ARGV[6])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'payload', ARGV[2], 'priority', ARGV[3],
  'max_attempts', ARGV[4], 'attempt', 0, 'enqueued_at', ARGV[5], 'run_at', ARGV[6], 'score', score,
  'max_throttles', ARGV[7], 'throttles', 0)
if runAt > now then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], runAt, ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('ZADD', KEYS[2], score, ARGV[1])
end
return 1
`)

var claimScript = valkey.NewLuaScript(`
local now = tonumber(ARGV[1])
local function requeue(from, ids)
  for _, id in ipairs(ids) do
    local jk = ARGV[3] .. id
    local score = redis.call('HGET', jk, 'score')
    redis.call('ZREM', from, id)
    if score then
      redis.call('ZADD', KEYS[1], score, id)
      redis.call('HSET', jk, 'state', 'waiting')
    end
  end
end
requeue(KEYS[2], redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100))
requeue(KEYS[3], redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100))
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
local jk = ARGV[3] .. id
redis.call('ZREM', KEYS[1], id)
if redis.call('EXISTS', jk) == 0 then
  return false
end
redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), id)
redis.call('HINCRBY', jk, 'attempt', 1)
redis.call('HSET', jk, 'state', 'active')
return redis.call('HGETALL', jk)
`)

var ackScript = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[2], 'attempt') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

var retryScript = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[3], 'attempt') ~= ARGV[4] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'delayed', 'run_at', ARGV[2], 'last_error', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var deferScript = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[3], 'attempt') ~= ARGV[4] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[3], 'attempt', -1)
redis.call('HINCRBY', KEYS[3], 'throttles', 1)
redis.call('HSET', KEYS[3], 'state', 'delayed', 'run_at', ARGV[2], 'last_error', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var deadScript = valkey.NewLuaScript(`
if redis.call('HGET', KEYS[3], 'attempt') ~= ARGV[4] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'dead', 'dead_at', ARGV[2], 'last_error', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var statsScript = valkey.NewLuaScript(`
return {
  redis.call('ZCARD', KEYS[1]),
  redis.call('ZCARD', KEYS[2]),
  redis.call('ZCARD', KEYS[3]),
  redis.call('ZCARD', KEYS[4])
}
`)

var deadListScript = valkey.NewLuaScript(`
local ids = redis.call('ZREVRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
local out = {}
for _, id in ipairs(ids) do
  local h = redis.call('HGETALL', ARGV[2] .. id)
  if #h > 0 then
    table.insert(out, h)
  end
end
return out
`)

var pruneScript = valkey.NewLuaScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
end
if #ids > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return #ids
`)

// ValkeyBackend stores jobs in Valkey so every dispatcher process sees the
// same queues.
type ValkeyBackend struct {
	client    valkey.Client
	prefix    string
	opTimeout time.Duration
	now       func() time.Time
}

func NewValkeyBackend(client valkey.Client, prefix string, opTimeout time.Duration) *ValkeyBackend {
	if prefix == "" {
		prefix = "dispatch"
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &ValkeyBackend{
		client:    client,
		prefix:    prefix,
		opTimeout: opTimeout,
		now:       time.Now,
	}
}

type queueKeys struct {
	wait, delayed, active, dead, seq, jobPrefix string
}

func (b *ValkeyBackend) keys(queue string) queueKeys {
	base := fmt.Sprintf("{%s:queue:%s}:", b.prefix, queue)
	return queueKeys{
		wait:      base + "wait",
		delayed:   base + "delayed",
		active:    base + "active",
		dead:      base + "dead",
		seq:       base + "seq",
		jobPrefix: base + "job:",
	}
}

func (b *ValkeyBackend) Enqueue(ctx context.Context, job *Job) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	k := b.keys(job.Queue)
	created, err := enqueueScript.Exec(ctx, b.client,
		[]string{k.jobPrefix + job.ID, k.wait, k.delayed, k.seq, k.dead},
		[]string{
			job.ID,
			string(job.Payload),
			strconv.Itoa(job.Priority),
			strconv.Itoa(job.MaxAttempts),
			strconv.FormatInt(b.now().UnixMilli(), 10),
			strconv.FormatInt(job.RunAt.UnixMilli(), 10),
			strconv.Itoa(job.MaxThrottles),
		},
	).AsInt64()
	if err != nil {
		return false, err
	}
	return created == 1, nil
}

func (b *ValkeyBackend) Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	k := b.keys(queue)
	fields, err := claimScript.Exec(ctx, b.client,
		[]string{k.wait, k.delayed, k.active},
		[]string{
			strconv.FormatInt(b.now().UnixMilli(), 10),
			strconv.FormatInt(lease.Milliseconds(), 10),
			k.jobPrefix,
		},
	).AsStrMap()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromHash(queue, fields)
}

func (b *ValkeyBackend) transition(ctx context.Context, script *valkey.Lua, keys, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	ok, err := script.Exec(ctx, b.client, keys, args).AsInt64()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *ValkeyBackend) Ack(ctx context.Context, job *Job) error {
	k := b.keys(job.Queue)
	return b.transition(ctx, ackScript,
		[]string{k.active, k.jobPrefix + job.ID},
		[]string{job.ID, strconv.Itoa(job.Attempt)},
	)
}

func (b *ValkeyBackend) Retry(ctx context.Context, job *Job, runAt time.Time, cause string) error {
	k := b.keys(job.Queue)
	return b.transition(ctx, retryScript,
		[]string{k.active, k.delayed, k.jobPrefix + job.ID},
		[]string{job.ID, strconv.FormatInt(runAt.UnixMilli(), 10), cause, strconv.Itoa(job.Attempt)},
	)
}

func (b *ValkeyBackend) Defer(ctx context.Context, job *Job, runAt time.Time, cause string) error {
	k := b.keys(job.Queue)
	return b.transition(ctx, deferScript,
		[]string{k.active, k.delayed, k.jobPrefix + job.ID},
		[]string{job.ID, strconv.FormatInt(runAt.UnixMilli(), 10), cause, strconv.Itoa(job.Attempt)},
	)
}

func (b *ValkeyBackend) DeadLetter(ctx context.Context, job *Job, cause string) error {
	k := b.keys(job.Queue)
	return b.transition(ctx, deadScript,
		[]string{k.active, k.dead, k.jobPrefix + job.ID},
		[]string{job.ID, strconv.FormatInt(b.now().UnixMilli(), 10), cause, strconv.Itoa(job.Attempt)},
	)
}

func (b *ValkeyBackend) Stats(ctx context.Context, queue string) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	k := b.keys(queue)
	counts, err := statsScript.Exec(ctx, b.client, []string{k.wait, k.delayed, k.active, k.dead}, nil).AsIntSlice()
	if err != nil {
		return Stats{}, err
	}
	if len(counts) != 4 {
		return Stats{}, fmt.Errorf("unexpected stats reply length %d", len(counts))
	}
	return Stats{Queue: queue, Waiting: counts[0], Delayed: counts[1], Active: counts[2], Dead: counts[3]}, nil
}

func (b *ValkeyBackend) DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	k := b.keys(queue)
	entries, err := deadListScript.Exec(ctx, b.client, []string{k.dead}, []string{strconv.Itoa(limit), k.jobPrefix}).ToArray()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		fields, err := entry.AsStrMap()
		if err != nil {
			return nil, err
		}
		job, err := jobFromHash(queue, fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *ValkeyBackend) PruneDead(ctx context.Context, queue string, olderThan time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	k := b.keys(queue)
	n, err := pruneScript.Exec(ctx, b.client, []string{k.dead}, []string{strconv.FormatInt(olderThan.UnixMilli(), 10), k.jobPrefix}).AsInt64()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func jobFromHash(queue string, fields map[string]string) (*Job, error) {
	atoi := func(name string) (int64, error) {
		v, ok := fields[name]
		if !ok || v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed job field %s=%q: %w", name, v, err)
		}
		return n, nil
	}

	priority, err := atoi("priority")
	if err != nil {
		return nil, err
	}
	attempt, err := atoi("attempt")
	if err != nil {
		return nil, err
	}
	maxAttempts, err := atoi("max_attempts")
	if err != nil {
		return nil, err
	}
	enqueuedAt, err := atoi("enqueued_at")
	if err != nil {
		return nil, err
	}
	runAt, err := atoi("run_at")
	if err != nil {
		return nil, err
	}
	deadAtMs, err := atoi("dead_at")
	if err != nil {
		return nil, err
	}
	throttles, err := atoi("throttles")
	if err != nil {
		return nil, err
	}
	maxThrottles, err := atoi("max_throttles")
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:          fields["id"],
		Queue:       queue,
		Payload:     []byte(fields["payload"]),
		Priority:    int(priority),
		Attempt:     int(attempt),
		MaxAttempts: int(maxAttempts),
		State:       State(fields["state"]),
		EnqueuedAt:  time.UnixMilli(enqueuedAt),
		RunAt:       time.UnixMilli(runAt),
		LastError:   fields["last_error"],

		Throttles:    int(throttles),
		MaxThrottles: int(maxThrottles),
	}
	if deadAtMs > 0 {
		deadAt := time.UnixMilli(deadAtMs)
		job.DeadAt = &deadAt
	}
	return job, nil
}
