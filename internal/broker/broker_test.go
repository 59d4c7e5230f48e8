package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client)
}

func TestPublishDequeueRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	args := json.RawMessage(`{"prompt":"sunset"}`)
	meta := map[string]any{"job_id": "j1"}
	require.NoError(t, b.Publish(ctx, "generation.default", 5, "generation.run_image", args, meta))

	msg, err := b.Dequeue(ctx, []string{"generation.default"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "generation.run_image", msg.Task)
	assert.Equal(t, "generation.default", msg.Queue)
	assert.Equal(t, 5, msg.Priority)
	assert.JSONEq(t, string(args), string(msg.Args))
	assert.Equal(t, "j1", msg.Metadata["job_id"])
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	b := newTestBroker(t)

	msg, err := b.Dequeue(context.Background(), []string{"generation.default"})
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestHigherPriorityDequeuedFirst(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", 2, "low", json.RawMessage(`{}`), nil))
	require.NoError(t, b.Publish(ctx, "q", 9, "high", json.RawMessage(`{}`), nil))
	require.NoError(t, b.Publish(ctx, "q", 5, "mid", json.RawMessage(`{}`), nil))

	var order []string
	for i := 0; i < 3; i++ {
		msg, err := b.Dequeue(ctx, []string{"q"})
		require.NoError(t, err)
		require.NotNil(t, msg)
		order = append(order, msg.Task)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestSamePriorityIsFIFO(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	// Distinct args keep the sorted-set members unique; the small sleep
	// guarantees distinct enqueue timestamps at millisecond resolution.
	for n := 1; n <= 3; n++ {
		require.NoError(t, b.Publish(ctx, "q", 5, "t", json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)), nil))
		time.Sleep(2 * time.Millisecond)
	}

	for i := 1; i <= 3; i++ {
		msg, err := b.Dequeue(ctx, []string{"q"})
		require.NoError(t, err)
		require.NotNil(t, msg)

		var args struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(msg.Args, &args))
		assert.Equal(t, i, args.N, "same-priority messages must come out in enqueue order")
	}
}

func TestDequeueChecksQueuesInOrder(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "generation.batch", 9, "batch-task", json.RawMessage(`{}`), nil))
	require.NoError(t, b.Publish(ctx, "generation.realtime", 2, "realtime-task", json.RawMessage(`{}`), nil))

	// The realtime queue is listed first, so its message wins even with a
	// lower numeric priority than the batch one.
	msg, err := b.Dequeue(ctx, []string{"generation.realtime", "generation.batch"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "realtime-task", msg.Task)
}

func TestQueueDepth(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "a", 5, "t1", json.RawMessage(`{"n":1}`), nil))
	require.NoError(t, b.Publish(ctx, "a", 5, "t2", json.RawMessage(`{"n":2}`), nil))
	require.NoError(t, b.Publish(ctx, "b", 5, "t3", json.RawMessage(`{}`), nil))

	depths, err := b.QueueDepth(ctx, []string{"a", "b", "empty"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 2, "b": 1, "empty": 0}, depths)
}
