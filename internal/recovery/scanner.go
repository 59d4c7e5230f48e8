// Package recovery sweeps persisted job state for stuck and failed jobs and
// re-dispatches them through the task router with bounded retry accounting.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	appconfig "github.com/lumenforge/generation-service/config"
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/router"
)

// Recovery reset reasons recorded on the job.
const (
	ReasonStuck  = "stuck"
	ReasonFailed = "failed"
)

// JobStore is the slice of job persistence the scanner needs.
type JobStore interface {
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]jobstore.Job, error)
	ListFailedSince(ctx context.Context, lookback time.Duration, limit int) ([]jobstore.Job, error)
	ResetForRecovery(ctx context.Context, id string, expected jobstore.JobStatus, reason string, incrementRetries bool) (bool, error)
	Transition(ctx context.Context, id string, from, to jobstore.JobStatus, reason string) (bool, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Dispatcher plans and publishes re-dispatches.
type Dispatcher interface {
	Plan(job jobstore.Job) (router.Dispatch, error)
	Publish(ctx context.Context, d router.Dispatch) error
}

// StuckStats summarizes one stuck-job sweep.
type StuckStats struct {
	Scanned  int `json:"scanned"`
	Requeued int `json:"requeued"`
}

// RetryStats summarizes one failed-job retry sweep.
type RetryStats struct {
	Inspected int `json:"inspected"`
	Retried   int `json:"retried"`
}

// Scanner runs the two recovery sweeps. Both are idempotent: every reset is
// guarded by the job's expected status, so a concurrent completion or
// cancellation turns the reset into a no-op.
type Scanner struct {
	jobs       JobStore
	dispatcher Dispatcher
	logger     *zerolog.Logger
	cfg        appconfig.RecoveryConfig
}

func NewScanner(jobs JobStore, dispatcher Dispatcher, logger *zerolog.Logger, cfg appconfig.RecoveryConfig) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scanner{jobs: jobs, dispatcher: dispatcher, logger: logger, cfg: cfg}
}

// Run executes one full recovery pass: stuck jobs first, then failed-job
// retries. The fixed order keeps behavior deterministic when both sweeps
// could observe the same job in a cycle.
func (s *Scanner) Run(ctx context.Context) error {
	stuck, err := s.ResumeStuckJobs(ctx, s.cfg.StuckAfter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Stuck-job sweep failed")
	}
	retry, err := s.RetryFailedJobs(ctx, s.cfg.MaxRetries, s.cfg.Lookback)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed-job retry sweep failed")
	}

	if stuck.Requeued > 0 || retry.Retried > 0 {
		s.logger.Info().
			Int("stuck_scanned", stuck.Scanned).
			Int("stuck_requeued", stuck.Requeued).
			Int("failed_inspected", retry.Inspected).
			Int("failed_retried", retry.Retried).
			Msg("Recovery pass requeued jobs")
	}
	return nil
}

// ResumeStuckJobs resets processing jobs whose last update exceeds the
// threshold back to queued and re-dispatches them.
func (s *Scanner) ResumeStuckJobs(ctx context.Context, olderThan time.Duration) (StuckStats, error) {
	var stats StuckStats

	jobs, err := s.jobs.ListStuck(ctx, olderThan, s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(jobs)

	for _, job := range jobs {
		dispatch, err := s.dispatcher.Plan(job)
		if err != nil {
			// Unknown route: fatal for this cycle, job left untouched.
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Cannot resolve route for stuck job")
			continue
		}

		reset, err := s.jobs.ResetForRecovery(ctx, job.ID, jobstore.StatusProcessing, ReasonStuck, false)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reset stuck job")
			continue
		}
		if !reset {
			// Job moved on (completed or cancelled) since it was selected.
			continue
		}

		if err := s.dispatcher.Publish(ctx, dispatch); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to re-dispatch stuck job")
			s.park(ctx, job.ID, err)
			continue
		}

		stats.Requeued++
		requeuedTotal.WithLabelValues(ReasonStuck).Inc()
		if err := s.jobs.AppendEvent(ctx, job.ID, "recovered", ReasonStuck); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record recovery event")
		}
	}

	return stats, nil
}

// park moves a job whose re-dispatch was refused by both the broker and the
// fallback store to failed, so the next retry sweep picks it up again. Left
// queued it would be invisible to every sweep.
func (s *Scanner) park(ctx context.Context, jobID string, cause error) {
	parked, err := s.jobs.Transition(ctx, jobID, jobstore.StatusQueued, jobstore.StatusFailed, "dispatch failed: "+cause.Error())
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to park undispatched job")
		return
	}
	if parked {
		s.logger.Warn().Str("job_id", jobID).Msg("Parked undispatched job as failed")
	}
}

// RetryFailedJobs re-dispatches failed jobs within the lookback window whose
// retry budget is not exhausted. Jobs at the budget are skipped and left for
// manual inspection.
func (s *Scanner) RetryFailedJobs(ctx context.Context, maxRetries int, lookback time.Duration) (RetryStats, error) {
	var stats RetryStats

	jobs, err := s.jobs.ListFailedSince(ctx, lookback, s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, job := range jobs {
		stats.Inspected++

		if job.Retries >= maxRetries {
			continue // permanently failed
		}

		dispatch, err := s.dispatcher.Plan(job)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Cannot resolve route for failed job")
			continue
		}

		reset, err := s.jobs.ResetForRecovery(ctx, job.ID, jobstore.StatusFailed, ReasonFailed, true)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reset failed job")
			continue
		}
		if !reset {
			continue
		}

		if err := s.dispatcher.Publish(ctx, dispatch); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to re-dispatch failed job")
			s.park(ctx, job.ID, err)
			continue
		}

		stats.Retried++
		requeuedTotal.WithLabelValues(ReasonFailed).Inc()
		if err := s.jobs.AppendEvent(ctx, job.ID, "retried", ReasonFailed); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record retry event")
		}
	}

	return stats, nil
}
