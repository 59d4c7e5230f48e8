// Package broker implements the primary task broker on Redis. Each physical
// queue is a sorted set; the score orders members by descending numeric
// priority, FIFO within the same priority.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "github.com/lumenforge/generation-service/config"
)

// maxPriority bounds the numeric priority accepted on a task (0-10).
const maxPriority = 10

// TaskMessage is the wire format pushed onto a queue.
type TaskMessage struct {
	Task       string          `json:"task"`
	Args       json.RawMessage `json:"args"`
	Queue      string          `json:"queue"`
	Priority   int             `json:"priority"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Broker is a thin client over the Redis task queues.
type Broker struct {
	client redis.UniversalClient
}

// New builds a broker from config.
func New(cfg appconfig.RedisConfig) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Broker{client: client}
}

// NewWithClient wraps an existing client, used by tests.
func NewWithClient(client redis.UniversalClient) *Broker {
	return &Broker{client: client}
}

func queueKey(queue string) string {
	return "queue:ready:" + queue
}

// score orders higher priority first, then enqueue time. The millisecond
// clock fits comfortably in the float64 mantissa alongside the priority bias.
func score(priority int, now time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return float64(maxPriority-priority)*1e13 + float64(now.UnixMilli())
}

// Publish pushes a task message onto the named queue. Any error is a
// transport failure from the caller's point of view.
func (b *Broker) Publish(ctx context.Context, queue string, priority int, task string, args json.RawMessage, metadata map[string]any) error {
	now := time.Now().UTC()
	msg := TaskMessage{
		Task:       task,
		Args:       args,
		Queue:      queue,
		Priority:   priority,
		Metadata:   metadata,
		EnqueuedAt: now,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	if err := b.client.ZAdd(ctx, queueKey(queue), redis.Z{
		Score:  score(priority, now),
		Member: string(body),
	}).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Dequeue pops the highest-priority message across the given queues, checked
// in order. Returns nil when all queues are empty.
func (b *Broker) Dequeue(ctx context.Context, queues []string) (*TaskMessage, error) {
	keys := make([]string, 0, len(queues))
	for _, q := range queues {
		keys = append(keys, queueKey(q))
	}

	res, err := dequeueScript.Run(ctx, b.client, keys).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	body, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	var msg TaskMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal task message: %w", err)
	}
	return &msg, nil
}

// QueueDepth returns the number of pending messages per queue.
func (b *Broker) QueueDepth(ctx context.Context, queues []string) (map[string]int64, error) {
	pipe := b.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(queues))
	for _, q := range queues {
		cmds[q] = pipe.ZCard(ctx, queueKey(q))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	depths := make(map[string]int64, len(queues))
	for q, c := range cmds {
		depths[q] = c.Val()
	}
	return depths, nil
}

// Ping checks broker connectivity, used by the health endpoint.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}

var dequeueScript = redis.NewScript(`
for i=1,#KEYS do
  local popped = redis.call('ZPOPMIN', KEYS[i])
  if popped[1] then
    return popped[1]
  end
end
return nil
`)
