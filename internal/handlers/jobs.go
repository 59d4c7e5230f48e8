package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lumenforge/generation-service/internal/jobstore"
)

// CreateJobRequest is the job-creation payload. Params are opaque to this
// service and handed to the pipeline untouched.
type CreateJobRequest struct {
	Type     string          `json:"type" binding:"required"`
	Priority string          `json:"priority,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// CreateJobResponse is the 202 response when a job is accepted.
type CreateJobResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Queue   string `json:"queue"`
	PollURL string `json:"pollUrl"`
}

// JobResponse is the job detail view.
type JobResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Priority   string          `json:"priority,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Retries    int             `json:"retries"`
	LastReason string          `json:"lastReason,omitempty"`
	CreatedAt  string          `json:"createdAt"`
	UpdatedAt  string          `json:"updatedAt"`
}

// CreateJob accepts a generation job, persists it, and dispatches it through
// the task router.
// POST /internal/jobs
func (h *Handlers) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !jobstore.IsValidType(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid job type: %s", req.Type),
		})
		return
	}

	ctx := c.Request.Context()
	job, err := h.Jobs.Create(ctx, jobstore.CreateParams{
		Type:     jobstore.JobType(req.Type),
		Priority: req.Priority,
		Payload:  req.Params,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	status := job.Status
	if err := h.Router.DispatchJob(ctx, job); err != nil {
		// Both the broker and the fallback store refused the task. Park the
		// job as failed so the retry sweep re-dispatches it; only failed and
		// stale-processing jobs are swept, a queued job would be orphaned.
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to dispatch job")
		parked, tErr := h.Jobs.Transition(ctx, job.ID, jobstore.StatusQueued, jobstore.StatusFailed, "dispatch failed: "+err.Error())
		if tErr != nil {
			log.Error().Err(tErr).Str("job_id", job.ID).Msg("Failed to park undispatched job")
		} else if parked {
			status = jobstore.StatusFailed
		}
	}

	target := h.Router.Route(job.Type, job.Priority)
	c.JSON(http.StatusAccepted, CreateJobResponse{
		JobID:   job.ID,
		Status:  string(status),
		Queue:   target.QueueName,
		PollURL: fmt.Sprintf("/internal/jobs/%s", job.ID),
	})
}

// GetJob returns a job by id.
// GET /internal/jobs/:jobId
func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.Jobs.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, jobResponse(job))
}

// CancelJob cancels a queued or processing job. Cancellation is cooperative:
// a running pipeline finishes its current step, and the status guard keeps
// the result from overwriting the cancelled state.
// POST /internal/jobs/:jobId/cancel
func (h *Handlers) CancelJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("jobId")

	cancelled, err := h.Jobs.Cancel(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not cancellable"})
		return
	}
	if err := h.Jobs.AppendEvent(ctx, id, "cancelled", "requested via API"); err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("Failed to record cancel event")
	}

	c.JSON(http.StatusOK, gin.H{"jobId": id, "status": string(jobstore.StatusCancelled)})
}

func jobResponse(job jobstore.Job) JobResponse {
	return JobResponse{
		ID:         job.ID,
		Type:       string(job.Type),
		Status:     string(job.Status),
		Priority:   job.Priority,
		Params:     job.Payload,
		Retries:    job.Retries,
		LastReason: job.LastReason,
		CreatedAt:  job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
