package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue hands generation job IDs from the API to worker processes.
// A dequeued ID stays in the in-flight set until it is acked; leases that
// expire are pushed back onto the ready list.
type RedisQueue struct {
	client        redis.UniversalClient
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue under the given list name.
func NewRedisQueue(client redis.UniversalClient, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "generation:dispatch"
	}
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name,
		inflightKey:   name + ":inflight",
		visibilityTTL: visibility,
	}
}

// Enqueue appends a job ID to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.RPush(ctx, q.readyKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// DequeueWithLease pops the oldest ready job and records it as in flight.
// It returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Visibility is how long a lease lasts without being extended.
func (q *RedisQueue) Visibility() time.Duration {
	return q.visibilityTTL
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the number of jobs waiting to be picked up.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
