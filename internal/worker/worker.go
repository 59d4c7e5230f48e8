// Package worker consumes tasks from the broker queues and executes the
// generation pipelines, recording every status transition in the job store.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenforge/generation-service/internal/broker"
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/notify"
)

// Handler executes one job type.
type Handler func(ctx context.Context, job jobstore.Job) error

// BuildHandlers returns the closed dispatch table from job type to handler.
// Every supported type is enumerated here; there is no dynamic lookup.
func BuildHandlers(pipeline Pipeline) map[jobstore.JobType]Handler {
	run := func(ctx context.Context, job jobstore.Job) error {
		return pipeline.Run(ctx, job)
	}
	return map[jobstore.JobType]Handler{
		jobstore.TypeImage:         run,
		jobstore.TypeVideo:         run,
		jobstore.TypeVideoTimeline: run,
	}
}

// JobStore is the slice of persistence the worker needs.
type JobStore interface {
	Get(ctx context.Context, id string) (jobstore.Job, error)
	Transition(ctx context.Context, id string, from, to jobstore.JobStatus, reason string) (bool, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Source supplies task messages, normally the Redis broker.
type Source interface {
	Dequeue(ctx context.Context, queues []string) (*broker.TaskMessage, error)
}

// Notifier surfaces execution failures; may be nil.
type Notifier interface {
	Push(ctx context.Context, level notify.Level, title, message, category string, metadata map[string]any, tags []string) (*notify.Record, error)
}

// Config tunes the worker pool.
type Config struct {
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
}

// Worker pulls jobs from the named priority queues and runs them.
type Worker struct {
	source   Source
	jobs     JobStore
	handlers map[jobstore.JobType]Handler
	notifier Notifier
	logger   *zerolog.Logger
	cfg      Config

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func New(source Source, jobs JobStore, handlers map[jobstore.JobType]Handler, notifier Notifier, logger *zerolog.Logger, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		source:   source,
		jobs:     jobs,
		handlers: handlers,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().
		Strs("queues", w.cfg.Queues).
		Int("concurrency", w.cfg.Concurrency).
		Msg("Starting worker pool")

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

// Stop signals the loops and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	w.logger.Info().Msg("Worker stopping, waiting for in-flight jobs")
	w.wg.Wait()
	w.logger.Info().Msg("Worker stopped")
}

func (w *Worker) loop(ctx context.Context, n int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.drainReady(ctx, n)
		}
	}
}

// drainReady pops and executes messages until the queues are empty.
func (w *Worker) drainReady(ctx context.Context, n int) {
	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		msg, err := w.source.Dequeue(ctx, w.cfg.Queues)
		if err != nil {
			w.logger.Error().Err(err).Msg("Dequeue failed")
			return
		}
		if msg == nil {
			return
		}
		w.execute(ctx, msg)
	}
}

func (w *Worker) execute(ctx context.Context, msg *broker.TaskMessage) {
	jobID, _ := msg.Metadata["job_id"].(string)
	if jobID == "" {
		w.logger.Error().Str("task", msg.Task).Msg("Task message carries no job id, dropping")
		return
	}

	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		return
	}

	// Cancellation checkpoint: cancelled (or otherwise non-queued) jobs are
	// acked by dropping the message.
	if job.Status != jobstore.StatusQueued {
		w.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Skipping stale task message")
		return
	}

	started, err := w.jobs.Transition(ctx, job.ID, jobstore.StatusQueued, jobstore.StatusProcessing, "")
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job processing")
		return
	}
	if !started {
		return // another worker won the job
	}

	handler, ok := w.handlers[job.Type]
	if !ok {
		w.fail(ctx, job, fmt.Sprintf("no handler for job type %q", job.Type))
		return
	}

	w.logger.Info().Str("job_id", job.ID).Str("type", string(job.Type)).Msg("Executing job")
	if err := handler(ctx, job); err != nil {
		w.fail(ctx, job, err.Error())
		return
	}

	completed, err := w.jobs.Transition(ctx, job.ID, jobstore.StatusProcessing, jobstore.StatusCompleted, "")
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job completed")
		return
	}
	if !completed {
		// Cancelled mid-run; the cooperative checkpoint is the guard itself.
		w.logger.Info().Str("job_id", job.ID).Msg("Job finished but was cancelled, leaving status")
		return
	}
	if err := w.jobs.AppendEvent(ctx, job.ID, "completed", ""); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record completion event")
	}
}

func (w *Worker) fail(ctx context.Context, job jobstore.Job, reason string) {
	failed, err := w.jobs.Transition(ctx, job.ID, jobstore.StatusProcessing, jobstore.StatusFailed, reason)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
		return
	}
	if !failed {
		return
	}
	w.logger.Error().Str("job_id", job.ID).Str("reason", reason).Msg("Job failed")

	if err := w.jobs.AppendEvent(ctx, job.ID, "failed", reason); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record failure event")
	}
	if w.notifier != nil {
		_, err := w.notifier.Push(ctx, notify.LevelError,
			"Generation job failed",
			reason,
			"generation",
			map[string]any{"job_id": job.ID, "job_type": string(job.Type)},
			[]string{"worker"},
		)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to push failure notification")
		}
	}
}
