package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenforge/generation-service/internal/broker"
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/notify"
)

type memJobStore struct {
	jobs   map[string]*jobstore.Job
	events []string
}

func newMemJobStore(jobs ...jobstore.Job) *memJobStore {
	m := &memJobStore{jobs: make(map[string]*jobstore.Job)}
	for i := range jobs {
		j := jobs[i]
		m.jobs[j.ID] = &j
	}
	return m
}

func (m *memJobStore) Get(ctx context.Context, id string) (jobstore.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return jobstore.Job{}, jobstore.ErrNotFound
	}
	return *j, nil
}

func (m *memJobStore) Transition(ctx context.Context, id string, from, to jobstore.JobStatus, reason string) (bool, error) {
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	j.LastReason = reason
	return true, nil
}

func (m *memJobStore) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	m.events = append(m.events, jobID+":"+event)
	return nil
}

type queueSource struct {
	msgs []*broker.TaskMessage
}

func (s *queueSource) Dequeue(ctx context.Context, queues []string) (*broker.TaskMessage, error) {
	if len(s.msgs) == 0 {
		return nil, nil
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg, nil
}

type fakeNotifier struct {
	pushed []string
}

func (f *fakeNotifier) Push(ctx context.Context, level notify.Level, title, message, category string, metadata map[string]any, tags []string) (*notify.Record, error) {
	f.pushed = append(f.pushed, title)
	return &notify.Record{}, nil
}

func taskFor(jobID string) *broker.TaskMessage {
	return &broker.TaskMessage{
		Task:     "generation.run_image",
		Args:     json.RawMessage(`{}`),
		Queue:    "generation.default",
		Priority: 5,
		Metadata: map[string]any{"job_id": jobID},
	}
}

func queuedJob(id string, typ jobstore.JobType) jobstore.Job {
	return jobstore.Job{ID: id, Type: typ, Status: jobstore.StatusQueued, Payload: json.RawMessage(`{}`)}
}

type pipelineFunc func(ctx context.Context, job jobstore.Job) error

func (f pipelineFunc) Run(ctx context.Context, job jobstore.Job) error { return f(ctx, job) }

func newTestWorker(source Source, jobs JobStore, pipeline Pipeline, notifier Notifier) *Worker {
	logger := zerolog.Nop()
	return New(source, jobs, BuildHandlers(pipeline), notifier, &logger, Config{
		Queues:       []string{"generation.default"},
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
	})
}

func TestExecuteCompletesJob(t *testing.T) {
	store := newMemJobStore(queuedJob("j1", jobstore.TypeImage))
	source := &queueSource{msgs: []*broker.TaskMessage{taskFor("j1")}}
	var ran []string
	pipeline := pipelineFunc(func(ctx context.Context, job jobstore.Job) error {
		ran = append(ran, job.ID)
		return nil
	})

	w := newTestWorker(source, store, pipeline, nil)
	w.drainReady(context.Background(), 0)

	assert.Equal(t, []string{"j1"}, ran)
	assert.Equal(t, jobstore.StatusCompleted, store.jobs["j1"].Status)
	assert.Contains(t, store.events, "j1:completed")
}

func TestExecuteFailsJobAndNotifies(t *testing.T) {
	store := newMemJobStore(queuedJob("j1", jobstore.TypeVideo))
	source := &queueSource{msgs: []*broker.TaskMessage{taskFor("j1")}}
	pipeline := pipelineFunc(func(ctx context.Context, job jobstore.Job) error {
		return errors.New("render crashed")
	})
	notifier := &fakeNotifier{}

	w := newTestWorker(source, store, pipeline, notifier)
	w.drainReady(context.Background(), 0)

	assert.Equal(t, jobstore.StatusFailed, store.jobs["j1"].Status)
	assert.Equal(t, "render crashed", store.jobs["j1"].LastReason)
	assert.Contains(t, store.events, "j1:failed")
	assert.Equal(t, []string{"Generation job failed"}, notifier.pushed)
}

func TestExecuteSkipsCancelledJob(t *testing.T) {
	cancelled := queuedJob("j1", jobstore.TypeImage)
	cancelled.Status = jobstore.StatusCancelled
	store := newMemJobStore(cancelled)
	source := &queueSource{msgs: []*broker.TaskMessage{taskFor("j1")}}
	var ran bool
	pipeline := pipelineFunc(func(ctx context.Context, job jobstore.Job) error {
		ran = true
		return nil
	})

	w := newTestWorker(source, store, pipeline, nil)
	w.drainReady(context.Background(), 0)

	assert.False(t, ran, "cancelled jobs must not execute")
	assert.Equal(t, jobstore.StatusCancelled, store.jobs["j1"].Status)
}

func TestExecutePreservesMidRunCancellation(t *testing.T) {
	store := newMemJobStore(queuedJob("j1", jobstore.TypeImage))
	source := &queueSource{msgs: []*broker.TaskMessage{taskFor("j1")}}
	pipeline := pipelineFunc(func(ctx context.Context, job jobstore.Job) error {
		// Cancellation lands while the pipeline is running.
		store.jobs["j1"].Status = jobstore.StatusCancelled
		return nil
	})

	w := newTestWorker(source, store, pipeline, nil)
	w.drainReady(context.Background(), 0)

	assert.Equal(t, jobstore.StatusCancelled, store.jobs["j1"].Status,
		"the completion guard must not overwrite a cancellation")
}

func TestExecuteDropsMessageWithoutJobID(t *testing.T) {
	store := newMemJobStore(queuedJob("j1", jobstore.TypeImage))
	msg := taskFor("j1")
	msg.Metadata = nil
	source := &queueSource{msgs: []*broker.TaskMessage{msg}}
	var ran bool
	pipeline := pipelineFunc(func(ctx context.Context, job jobstore.Job) error {
		ran = true
		return nil
	})

	w := newTestWorker(source, store, pipeline, nil)
	w.drainReady(context.Background(), 0)

	assert.False(t, ran)
	assert.Equal(t, jobstore.StatusQueued, store.jobs["j1"].Status)
}

func TestStartStopDrainsQueue(t *testing.T) {
	store := newMemJobStore(queuedJob("j1", jobstore.TypeImage), queuedJob("j2", jobstore.TypeVideo))
	source := &queueSource{msgs: []*broker.TaskMessage{taskFor("j1"), taskFor("j2")}}
	pipeline := pipelineFunc(func(ctx context.Context, job jobstore.Job) error { return nil })

	w := newTestWorker(source, store, pipeline, nil)
	w.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	assert.Equal(t, jobstore.StatusCompleted, store.jobs["j1"].Status)
	assert.Equal(t, jobstore.StatusCompleted, store.jobs["j2"].Status)
}

func TestBuildHandlersCoversAllTypes(t *testing.T) {
	handlers := BuildHandlers(pipelineFunc(func(ctx context.Context, job jobstore.Job) error { return nil }))
	for _, typ := range []jobstore.JobType{jobstore.TypeImage, jobstore.TypeVideo, jobstore.TypeVideoTimeline} {
		_, ok := handlers[typ]
		require.True(t, ok, "missing handler for %s", typ)
	}
}
