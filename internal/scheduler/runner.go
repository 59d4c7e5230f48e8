// Package scheduler runs named periodic background tasks. Each task is
// single-flight: a tick is skipped while the previous run is still going.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_runs_total",
		Help: "Background task runs by name and outcome",
	}, []string{"task", "outcome"})
)

// TaskFunc is one scheduled unit of work.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	running  atomic.Bool
}

// Runner owns the background scheduling domain. Tasks communicate with the
// request-serving side only through the shared persistence layer.
type Runner struct {
	logger   *zerolog.Logger
	tasks    []*task
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

func NewRunner(logger *zerolog.Logger) *Runner {
	return &Runner{
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Register adds a named periodic task. Must be called before Start.
func (r *Runner) Register(name string, interval time.Duration, fn TaskFunc) {
	r.tasks = append(r.tasks, &task{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per registered task.
func (r *Runner) Start(ctx context.Context) {
	r.started = true
	for _, t := range r.tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	r.logger.Info().Int("tasks", len(r.tasks)).Msg("Background scheduler started")
}

// Stop signals all task loops and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	if !r.started {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info().Msg("Background scheduler stopped")
}

func (r *Runner) loop(ctx context.Context, t *task) {
	defer r.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.runOnce(ctx, t)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, t *task) {
	if !t.running.CompareAndSwap(false, true) {
		r.logger.Debug().Str("task", t.name).Msg("Previous run still in flight, skipping tick")
		runsTotal.WithLabelValues(t.name, "skipped").Inc()
		return
	}
	defer t.running.Store(false)

	if err := t.fn(ctx); err != nil {
		r.logger.Error().Err(err).Str("task", t.name).Msg("Background task failed")
		runsTotal.WithLabelValues(t.name, "error").Inc()
		return
	}
	runsTotal.WithLabelValues(t.name, "ok").Inc()
}
