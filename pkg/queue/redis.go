package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// dequeueScript returns expired deliveries to the head of the ready list, then
// pops one job and records it as in flight until ARGV[2].
var dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, tok in ipairs(expired) do
  local body = redis.call('HGET', KEYS[3], tok)
  redis.call('ZREM', KEYS[2], tok)
  redis.call('HDEL', KEYS[3], tok)
  if body then
    redis.call('LPUSH', KEYS[1], body)
  end
end
local body = redis.call('LPOP', KEYS[1])
if not body then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[3], body)
return body
`)

var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
return 1
`)

// RedisQueue stores jobs in Redis: a ready list, a sorted set of in-flight
// delivery tokens scored by visibility deadline, and a hash of token -> payload.
type RedisQueue struct {
	client *redis.Client
	name   string
	clock  func() time.Time
	logger *zap.Logger
}

// NewRedisQueue creates a Redis-backed job queue under the given key prefix.
func NewRedisQueue(client *redis.Client, name string, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = DefaultName
	}
	return &RedisQueue{client: client, name: name, clock: time.Now, logger: logger}
}

func (q *RedisQueue) readyKey() string    { return q.name + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.name + ":inflight" }
func (q *RedisQueue) payloadKey() string  { return q.name + ":payloads" }

// Enqueue appends a processing job for sceneID.
func (q *RedisQueue) Enqueue(ctx context.Context, sceneID uuid.UUID) (Handle, error) {
	job := newJob(sceneID, q.clock())
	raw, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return Handle{}, fmt.Errorf("%w: rpush: %v", ErrUnavailable, err)
	}
	q.logger.Debug("enqueued scene job", zap.String("job_id", job.ID), zap.String("scene_id", sceneID.String()))
	return Handle{JobID: job.ID}, nil
}

// Dequeue pops the next job and hides it for visibility.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*Job, error) {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	now := q.clock()
	token := workerID + ":" + uuid.New().String()
	keys := []string{q.readyKey(), q.inflightKey(), q.payloadKey()}
	res, err := dequeueScript.Run(ctx, q.client, keys,
		now.UnixMilli(), now.Add(visibility).UnixMilli(), token, requeueBatch).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: dequeue: %v", ErrUnavailable, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(res), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", res), zap.Error(err))
		// Drop the poison entry so it is not redelivered forever.
		_ = q.Acknowledge(ctx, token)
		return nil, nil
	}
	job.DeliveryToken = token
	return &job, nil
}

// Acknowledge removes an in-flight delivery permanently.
func (q *RedisQueue) Acknowledge(ctx context.Context, token string) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.inflightKey(), q.payloadKey()}, token).Int()
	if err != nil {
		return fmt.Errorf("%w: ack: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrUnknownToken
	}
	return nil
}

// ExtendVisibility pushes the delivery's deadline to now + d.
func (q *RedisQueue) ExtendVisibility(ctx context.Context, token string, d time.Duration) error {
	deadline := q.clock().Add(d).UnixMilli()
	n, err := extendScript.Run(ctx, q.client, []string{q.inflightKey()}, token, deadline).Int()
	if err != nil {
		return fmt.Errorf("%w: extend visibility: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrUnknownToken
	}
	return nil
}

// Depth returns the number of ready and in-flight jobs.
func (q *RedisQueue) Depth(ctx context.Context) (ready, inflight int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.LLen(ctx, q.readyKey())
	inflightCmd := pipe.ZCard(ctx, q.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("%w: depth: %v", ErrUnavailable, err)
	}
	return readyCmd.Val(), inflightCmd.Val(), nil
}
