// Package queue is the Redis-backed work queue between the API and the
// executor pool. One task carries one job id. Delivery is at-least-once:
// tasks move from pending to a processing list on dequeue and are removed
// only after the handler finishes, so a crashed worker's tasks survive and
// are requeued at the next startup.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/waaall/opencode-agent/internal/metrics"
)

// Task is one unit of work. Attempt starts at 1 and increments on each
// scheduled retry.
type Task struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw is the exact list member this task was dequeued as, kept so Ack
	// can LREM it from the processing list.
	raw string
}

// promoteDueScript atomically moves due retry tasks from the delayed zset to
// the pending list.
// KEYS[1] = delayed zset
// KEYS[2] = pending list
// ARGV[1] = current unix timestamp
var promoteDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, task in ipairs(due) do
    redis.call("LPUSH", KEYS[2], task)
    redis.call("ZREM", KEYS[1], task)
end
return #due
`)

// Queue is a namespaced task queue on one Redis instance. It is safe for
// concurrent use.
type Queue struct {
	client    *redis.Client
	namespace string
}

// New returns a Queue using the given client. Namespace defaults to
// "opencode".
func New(client *redis.Client, namespace string) *Queue {
	if namespace == "" {
		namespace = "opencode"
	}
	return &Queue{client: client, namespace: namespace}
}

func (q *Queue) pendingKey() string    { return q.namespace + ":queue:pending" }
func (q *Queue) processingKey() string { return q.namespace + ":queue:processing" }
func (q *Queue) delayedKey() string    { return q.namespace + ":queue:delayed" }

// Ping verifies the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: ping: %w", err)
	}
	return nil
}

// Enqueue pushes a fresh task for jobID and returns the task id.
func (q *Queue) Enqueue(ctx context.Context, jobID string) (string, error) {
	task := Task{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("queue: marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return "", fmt.Errorf("queue: enqueue job %s: %w", jobID, err)
	}
	return task.ID, nil
}

// Retry schedules the task to run again after backoff, with the attempt
// counter bumped. The original delivery must still be acked separately.
func (q *Queue) Retry(ctx context.Context, task *Task, backoff time.Duration) error {
	next := Task{
		ID:         task.ID,
		JobID:      task.JobID,
		Attempt:    task.Attempt + 1,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("queue: marshal retry task: %w", err)
	}
	member := redis.Z{
		Score:  unixSeconds(time.Now().Add(backoff)),
		Member: string(raw),
	}
	if err := q.client.ZAdd(ctx, q.delayedKey(), member).Err(); err != nil {
		return fmt.Errorf("queue: schedule retry for job %s: %w", task.JobID, err)
	}
	return nil
}

// Dequeue promotes due retries and then blocks up to timeout for the next
// task, moving it to the processing list. It returns (nil, nil) when the
// wait times out with nothing pending.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	now := unixSeconds(time.Now())
	if err := promoteDueScript.Run(ctx, q.client, []string{q.delayedKey(), q.pendingKey()}, now).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: promote delayed: %w", err)
	}

	raw, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// A malformed member would redeliver forever, drop it.
		_ = q.client.LRem(ctx, q.processingKey(), 1, raw).Err()
		return nil, fmt.Errorf("queue: decode task: %w", err)
	}
	task.raw = raw
	return &task, nil
}

// Ack removes a delivered task from the processing list.
func (q *Queue) Ack(ctx context.Context, task *Task) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, task.raw).Err(); err != nil {
		return fmt.Errorf("queue: ack task %s: %w", task.ID, err)
	}
	return nil
}

// RequeueProcessing moves every in-flight task back to pending. Called once
// at worker startup to recover deliveries a previous process never acked.
func (q *Queue) RequeueProcessing(ctx context.Context) (int64, error) {
	var moved int64
	for {
		err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Err()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("queue: requeue processing: %w", err)
		}
		moved++
	}
}

// Depth reports pending plus delayed tasks and refreshes the queue depth
// gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pending, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	depth := pending + delayed
	metrics.QueueDepth.Set(float64(depth))
	return depth, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
