package localqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenforge/generation-service/internal/localqueue"
	"github.com/lumenforge/generation-service/internal/testutil"
)

type recordingPublisher struct {
	failTasks map[string]bool
	published []string
}

func (p *recordingPublisher) Publish(ctx context.Context, queue string, priority int, task string, args json.RawMessage, metadata map[string]any) error {
	if p.failTasks[task] {
		return errors.New("broker unreachable")
	}
	p.published = append(p.published, task)
	return nil
}

func newTestQueue(t *testing.T) *localqueue.Queue {
	t.Helper()
	pool := testutil.StartPostgres(t)
	logger := zerolog.Nop()
	return localqueue.New(pool, &logger)
}

func entry(task, queue string) localqueue.Entry {
	return localqueue.Entry{
		TaskName:  task,
		Args:      json.RawMessage(`{"prompt":"x"}`),
		QueueName: queue,
		Priority:  5,
		Metadata:  map[string]any{"job_id": "j-" + task},
	}
}

func TestEnqueueAssignsMonotonicSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, entry("t1", "q"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, entry("t2", "q"))
	require.NoError(t, err)
	assert.Greater(t, second, first)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDrainDeliversInFIFOOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t)
	ctx := context.Background()

	for _, task := range []string{"t1", "t2", "t3"} {
		_, err := q.Enqueue(ctx, entry(task, "q"))
		require.NoError(t, err)
	}

	pub := &recordingPublisher{}
	stats, err := q.Drain(ctx, pub, 100)
	require.NoError(t, err)

	assert.Equal(t, localqueue.DrainStats{Attempted: 3, Delivered: 3}, stats)
	assert.Equal(t, []string{"t1", "t2", "t3"}, pub.published)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "delivered entries are deleted")
}

func TestDrainRequeuesFailedEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t)
	ctx := context.Background()

	okSeq, err := q.Enqueue(ctx, entry("ok", "q"))
	require.NoError(t, err)
	badSeq, err := q.Enqueue(ctx, entry("bad", "q"))
	require.NoError(t, err)
	require.Greater(t, badSeq, okSeq)

	pub := &recordingPublisher{failTasks: map[string]bool{"bad": true}}
	stats, err := q.Drain(ctx, pub, 100)
	require.NoError(t, err)

	assert.Equal(t, localqueue.DrainStats{Attempted: 2, Delivered: 1, Requeued: 1}, stats)
	assert.Equal(t, []string{"ok"}, pub.published)

	// The failed entry survives as a fresh row with the same payload.
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pub.failTasks = nil
	stats, err = q.Drain(ctx, pub, 100)
	require.NoError(t, err)
	assert.Equal(t, localqueue.DrainStats{Attempted: 1, Delivered: 1}, stats)
	assert.Equal(t, []string{"ok", "bad"}, pub.published)
}

func TestDrainRespectsBatchLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t)
	ctx := context.Background()

	for _, task := range []string{"t1", "t2", "t3", "t4"} {
		_, err := q.Enqueue(ctx, entry(task, "q"))
		require.NoError(t, err)
	}

	pub := &recordingPublisher{}
	stats, err := q.Drain(ctx, pub, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, []string{"t1", "t2"}, pub.published, "oldest entries drain first")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDrainEmptyQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t)

	stats, err := q.Drain(context.Background(), &recordingPublisher{}, 100)
	require.NoError(t, err)
	assert.Equal(t, localqueue.DrainStats{}, stats)
}

func TestDrainPreservesMetadata(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, localqueue.Entry{
		TaskName:  "generation.run_image",
		Args:      json.RawMessage(`{"prompt":"sunset"}`),
		QueueName: "generation.realtime",
		Priority:  9,
		Metadata:  map[string]any{"job_id": "j1"},
	})
	require.NoError(t, err)

	var got struct {
		queue    string
		priority int
		args     json.RawMessage
		metadata map[string]any
	}
	capture := publisherFunc(func(ctx context.Context, queue string, priority int, task string, args json.RawMessage, metadata map[string]any) error {
		got.queue = queue
		got.priority = priority
		got.args = args
		got.metadata = metadata
		return nil
	})

	_, err = q.Drain(ctx, capture, 100)
	require.NoError(t, err)

	assert.Equal(t, "generation.realtime", got.queue)
	assert.Equal(t, 9, got.priority)
	assert.JSONEq(t, `{"prompt":"sunset"}`, string(got.args))
	assert.Equal(t, "j1", got.metadata["job_id"])
}

type publisherFunc func(ctx context.Context, queue string, priority int, task string, args json.RawMessage, metadata map[string]any) error

func (f publisherFunc) Publish(ctx context.Context, queue string, priority int, task string, args json.RawMessage, metadata map[string]any) error {
	return f(ctx, queue, priority, task, args, metadata)
}

// slowPublisher records every delivered task, holding each publish open long
// enough for drains to overlap.
type slowPublisher struct {
	mu    sync.Mutex
	tasks []string
}

func (p *slowPublisher) Publish(ctx context.Context, queue string, priority int, task string, args json.RawMessage, metadata map[string]any) error {
	time.Sleep(20 * time.Millisecond)
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	return nil
}

func TestConcurrentDrainsNeverDoublePublish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := testutil.StartPostgres(t)
	logger := zerolog.Nop()
	ctx := context.Background()

	first := localqueue.New(pool, &logger)
	for _, task := range []string{"t1", "t2", "t3", "t4", "t5"} {
		_, err := first.Enqueue(ctx, entry(task, "q"))
		require.NoError(t, err)
	}

	// Two queue instances over the same table, as with the server's
	// scheduler drain and the CLI drain running in separate processes.
	second := localqueue.New(pool, &logger)

	pub := &slowPublisher{}
	var wg sync.WaitGroup
	for _, q := range []*localqueue.Queue{first, second} {
		wg.Add(1)
		go func(q *localqueue.Queue) {
			defer wg.Done()
			_, err := q.Drain(ctx, pub, 100)
			assert.NoError(t, err)
		}(q)
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, task := range pub.tasks {
		seen[task]++
	}
	for task, n := range seen {
		assert.Equal(t, 1, n, "task %s published %d times", task, n)
	}

	n, err := first.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "every entry delivered exactly once and removed")
}
