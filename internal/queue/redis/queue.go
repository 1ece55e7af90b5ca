// Package redis provides a Redis-backed capture job queue. Jobs move between
// a ready list, a scheduled set scored by run time and an inflight set scored
// by lease deadline; every state transition is a single Lua script.
//
// The scripts derive job record keys from the prefix, so every key shares
// the prefix's {hash tag} and lands in one Redis Cluster slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

const (
	defaultPrefix       = "{chartsnap:queue}"
	defaultLockDuration = 2 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
	defaultRetention    = 24 * time.Hour
	defaultBatch        = 100
)

// Config tunes the queue.
type Config struct {
	// Prefix namespaces every key the queue touches. A prefix without a
	// {hash tag} is wrapped in one.
	Prefix string
	// Capacity bounds unsettled jobs; 0 is unbounded.
	Capacity int
	// LockDuration is the lease granted on Dequeue and extended by Heartbeat.
	LockDuration time.Duration
	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration
	// Retention is how long settled job records are kept for deduplication.
	Retention time.Duration
	// Batch limits how many scheduled or stalled jobs one call moves.
	Batch int
}

// Queue implements capture.Queue on Redis.
type Queue struct {
	client *goredis.Client
	cfg    Config
	now    func() time.Time

	readyKey     string
	inflightKey  string
	scheduledKey string
	statsKey     string
	jobPrefix    string

	closeOnce sync.Once
	done      chan struct{}
}

var _ capture.Queue = (*Queue)(nil)

// Option customizes the queue.
type Option func(*Queue)

// WithClock overrides the time source used for lease and schedule scores.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue builds a queue on an existing client. The client is owned by the
// caller and is not closed by Close.
func NewQueue(client *goredis.Client, cfg Config, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis queue: client is required")
	}
	cfg.Prefix = hashTagged(cfg.Prefix)
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = defaultLockDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	q := &Queue{
		client:       client,
		cfg:          cfg,
		now:          time.Now,
		readyKey:     cfg.Prefix + ":ready",
		inflightKey:  cfg.Prefix + ":inflight",
		scheduledKey: cfg.Prefix + ":scheduled",
		statsKey:     cfg.Prefix + ":stats",
		jobPrefix:    cfg.Prefix + ":job:",
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func hashTagged(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	switch {
	case prefix == "":
		return defaultPrefix
	case strings.Contains(prefix, "{") && strings.Contains(prefix, "}"):
		return prefix
	default:
		return "{" + prefix + "}"
	}
}

func (q *Queue) jobKey(id string) string {
	return q.jobPrefix + id
}

func (q *Queue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Enqueue stores the job record and pushes it onto the ready list unless a
// record with the same id exists.
func (q *Queue) Enqueue(ctx context.Context, job capture.Job) (bool, error) {
	if q.closed() {
		return false, capture.ErrQueueClosed
	}
	if err := job.Validate(); err != nil {
		return false, err
	}
	job.Attempt = 0
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	keys := []string{q.jobKey(job.ID), q.readyKey, q.scheduledKey, q.inflightKey}
	res, err := enqueueScript.Run(ctx, q.client, keys, job.ID, payload, job.MaxAttempts, q.cfg.Capacity).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, capture.ErrQueueFull
	default:
		return false, nil
	}
}

// Dequeue promotes due scheduled jobs, then claims the head of the ready
// list, polling until a job is available.
func (q *Queue) Dequeue(ctx context.Context) (capture.Job, error) {
	for {
		if q.closed() {
			return capture.Job{}, capture.ErrQueueClosed
		}
		job, ok, err := q.claim(ctx)
		if err != nil {
			return capture.Job{}, err
		}
		if ok {
			return job, nil
		}
		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return capture.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			timer.Stop()
			return capture.Job{}, capture.ErrQueueClosed
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (capture.Job, bool, error) {
	now := q.now()
	lease := uuid.NewString()
	keys := []string{q.readyKey, q.inflightKey, q.scheduledKey}
	res, err := dequeueScript.Run(ctx, q.client, keys,
		now.UnixMilli(), now.Add(q.cfg.LockDuration).UnixMilli(), q.jobPrefix, q.cfg.Batch, lease).Slice()
	if errors.Is(err, goredis.Nil) {
		return capture.Job{}, false, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return capture.Job{}, false, fmt.Errorf("dequeue canceled: %w", ctxErr)
		}
		return capture.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	if len(res) != 3 {
		return capture.Job{}, false, fmt.Errorf("unexpected claim reply of length %d", len(res))
	}
	job, err := decodeJob(res[1], res[2])
	if err != nil {
		return capture.Job{}, false, err
	}
	job.Lease = lease
	return job, true, nil
}

// Heartbeat pushes the lease deadline forward while job.Lease still owns the
// inflight job.
func (q *Queue) Heartbeat(ctx context.Context, job capture.Job) error {
	deadline := q.now().Add(q.cfg.LockDuration).UnixMilli()
	keys := []string{q.inflightKey, q.jobKey(job.ID)}
	ok, err := heartbeatScript.Run(ctx, q.client, keys, job.ID, deadline, job.Lease).Int()
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", job.ID, capture.ErrLeaseLost)
	}
	return nil
}

// Ack settles an inflight job and lets its record expire after the retention
// window.
func (q *Queue) Ack(ctx context.Context, job capture.Job, status capture.AlertStatus) error {
	state := string(capture.AlertStatusFailed)
	if status == capture.AlertStatusCompleted {
		state = string(capture.AlertStatusCompleted)
	}
	keys := []string{q.inflightKey, q.jobKey(job.ID), q.statsKey}
	ok, err := ackScript.Run(ctx, q.client, keys,
		job.ID, state, int64(q.cfg.Retention/time.Second), job.Lease).Int()
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", job.ID, capture.ErrLeaseLost)
	}
	return nil
}

// Retry moves an inflight job to the scheduled set, or straight back to the
// ready list when delay is not positive.
func (q *Queue) Retry(ctx context.Context, job capture.Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	delayed := "0"
	if delay > 0 {
		delayed = "1"
	}
	runAt := q.now().Add(delay).UnixMilli()
	keys := []string{q.inflightKey, q.jobKey(job.ID), q.scheduledKey, q.readyKey}
	ok, err := retryScript.Run(ctx, q.client, keys, job.ID, payload, runAt, delayed, job.Lease).Int()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("job %s: %w", job.ID, capture.ErrLeaseLost)
	}
	return nil
}

// ReclaimStalled returns expired leases to the ready list, or settles them as
// failed once the attempt budget is spent.
func (q *Queue) ReclaimStalled(ctx context.Context) (capture.Reclaimed, error) {
	var out capture.Reclaimed
	keys := []string{q.inflightKey, q.readyKey, q.statsKey}
	res, err := reclaimScript.Run(ctx, q.client, keys,
		q.now().UnixMilli(), q.jobPrefix, q.cfg.Batch, int64(q.cfg.Retention/time.Second)).Slice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return out, fmt.Errorf("reclaim stalled jobs: %w", err)
	}
	for i := 0; i+3 < len(res); i += 4 {
		id, _ := res[i].(string)
		kind, _ := res[i+1].(string)
		if kind != "exhausted" {
			out.Requeued = append(out.Requeued, id)
			continue
		}
		job, err := decodeJob(res[i+2], res[i+3])
		if err != nil {
			job = capture.Job{ID: id}
		}
		out.Exhausted = append(out.Exhausted, job)
	}
	return out, nil
}

// Stats reports list and set sizes plus settled counters.
func (q *Queue) Stats(ctx context.Context) (capture.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	settled := pipe.HGetAll(ctx, q.statsKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return capture.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	counts := settled.Val()
	completed, _ := strconv.ParseInt(counts[string(capture.AlertStatusCompleted)], 10, 64)
	failed, _ := strconv.ParseInt(counts[string(capture.AlertStatusFailed)], 10, 64)
	return capture.QueueStats{
		Pending:    ready.Val(),
		Scheduled:  scheduled.Val(),
		Processing: inflight.Val(),
		Completed:  completed,
		Failed:     failed,
	}, nil
}

// Close stops blocked and future Dequeue calls.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func decodeJob(rawPayload, rawAttempt any) (capture.Job, error) {
	payload, ok := rawPayload.(string)
	if !ok {
		return capture.Job{}, fmt.Errorf("unexpected payload type %T", rawPayload)
	}
	var job capture.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return capture.Job{}, fmt.Errorf("decode job: %w", err)
	}
	switch v := rawAttempt.(type) {
	case int64:
		job.Attempt = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return capture.Job{}, fmt.Errorf("decode attempt: %w", err)
		}
		job.Attempt = n
	}
	return job, nil
}

// KEYS: job, ready, scheduled, inflight. ARGV: id, payload, max attempts, capacity.
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local capacity = tonumber(ARGV[4])
if capacity > 0 then
  local open = redis.call('LLEN', KEYS[2]) + redis.call('ZCARD', KEYS[3]) + redis.call('ZCARD', KEYS[4])
  if open >= capacity then
    return -1
  end
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'attempt', 0, 'max', ARGV[3], 'state', 'pending')
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: ready, inflight, scheduled. ARGV: now ms, lease deadline ms, job key prefix, batch, lease.
var dequeueScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HSET', ARGV[3] .. id, 'state', 'pending')
  redis.call('RPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return nil
  end
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'state') == 'pending' then
    local attempt = redis.call('HINCRBY', key, 'attempt', 1)
    redis.call('HSET', key, 'state', 'processing', 'owner', ARGV[5])
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    return {id, redis.call('HGET', key, 'payload'), attempt}
  end
end
`)

// KEYS: inflight, job. ARGV: id, lease deadline ms, lease.
var heartbeatScript = goredis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('HGET', KEYS[2], 'owner') ~= ARGV[3] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: inflight, job, stats. ARGV: id, state, retention seconds, lease.
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[4] or redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], 'owner')
redis.call('HSET', KEYS[2], 'state', ARGV[2])
redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
if tonumber(ARGV[3]) > 0 then
  redis.call('EXPIRE', KEYS[2], ARGV[3])
end
return 1
`)

// KEYS: inflight, job, scheduled, ready. ARGV: id, payload, run at ms, delayed flag, lease.
var retryScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[5] or redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], 'owner')
if ARGV[4] == '1' then
  redis.call('HSET', KEYS[2], 'payload', ARGV[2], 'state', 'scheduled')
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
else
  redis.call('HSET', KEYS[2], 'payload', ARGV[2], 'state', 'pending')
  redis.call('RPUSH', KEYS[4], ARGV[1])
end
return 1
`)

// KEYS: inflight, ready, stats. ARGV: now ms, job key prefix, batch, retention seconds.
// Replies with a flat list of (id, outcome, payload, attempt) groups.
var reclaimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  redis.call('HDEL', key, 'owner')
  local attempt = tonumber(redis.call('HGET', key, 'attempt') or '0')
  local max = tonumber(redis.call('HGET', key, 'max') or '1')
  if attempt >= max then
    redis.call('HSET', key, 'state', 'failed')
    redis.call('HINCRBY', KEYS[3], 'failed', 1)
    if tonumber(ARGV[4]) > 0 then
      redis.call('EXPIRE', key, ARGV[4])
    end
    table.insert(out, id)
    table.insert(out, 'exhausted')
    table.insert(out, redis.call('HGET', key, 'payload') or '')
    table.insert(out, attempt)
  else
    redis.call('HSET', key, 'state', 'pending')
    redis.call('RPUSH', KEYS[2], id)
    table.insert(out, id)
    table.insert(out, 'requeued')
    table.insert(out, '')
    table.insert(out, attempt)
  end
end
return out
`)
