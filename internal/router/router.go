// Package router maps logical jobs onto physical broker queues and performs
// the publish, falling back to the durable local queue when the broker is
// unreachable.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	appconfig "github.com/lumenforge/generation-service/config"
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/localqueue"
)

// ErrUnknownRoute is returned when a job type has no registered task name.
var ErrUnknownRoute = errors.New("unknown route")

// QueueTarget is the physical destination resolved for a logical job.
type QueueTarget struct {
	QueueName string `json:"queue_name"`
	Priority  int    `json:"priority"`
}

// Dispatch is a fully resolved publication, ready to send.
type Dispatch struct {
	TaskName string
	Args     json.RawMessage
	Target   QueueTarget
	Metadata map[string]any
}

// Broker is the primary transport used for direct delivery.
type Broker interface {
	Publish(ctx context.Context, queue string, priority int, task string, args json.RawMessage, metadata map[string]any) error
}

// Fallback stores publications that could not reach the broker.
type Fallback interface {
	Enqueue(ctx context.Context, e localqueue.Entry) (int64, error)
}

// taskNames is the closed dispatch table from job type to task name.
var taskNames = map[jobstore.JobType]string{
	jobstore.TypeImage:         "generation.run_image",
	jobstore.TypeVideo:         "generation.run_video",
	jobstore.TypeVideoTimeline: "generation.run_video_timeline",
}

// Router resolves queue targets from a static table and publishes tasks.
type Router struct {
	table         map[string]QueueTarget
	defaultTarget QueueTarget
	broker        Broker
	fallback      Fallback
	logger        *zerolog.Logger
}

func New(cfg appconfig.RoutingConfig, broker Broker, fallback Fallback, logger *zerolog.Logger) *Router {
	table := make(map[string]QueueTarget, len(cfg.Table))
	for tag, t := range cfg.Table {
		table[tag] = QueueTarget{QueueName: t.Queue, Priority: t.Priority}
	}
	return &Router{
		table:         table,
		defaultTarget: QueueTarget{QueueName: cfg.DefaultQueue, Priority: cfg.DefaultPriority},
		broker:        broker,
		fallback:      fallback,
		logger:        logger,
	}
}

// Route resolves a queue target for a priority tag. It is deterministic and
// total: unrecognized tags fall back to the default target.
func (r *Router) Route(jobType jobstore.JobType, priorityTag string) QueueTarget {
	if target, ok := r.table[priorityTag]; ok {
		return target
	}
	return r.defaultTarget
}

// Plan resolves a job into a dispatch without side effects. A job type with
// no task name yields ErrUnknownRoute.
func (r *Router) Plan(job jobstore.Job) (Dispatch, error) {
	task, ok := taskNames[job.Type]
	if !ok {
		return Dispatch{}, fmt.Errorf("%w: job type %q", ErrUnknownRoute, job.Type)
	}
	return Dispatch{
		TaskName: task,
		Args:     job.Payload,
		Target:   r.Route(job.Type, job.Priority),
		Metadata: map[string]any{"job_id": job.ID},
	}, nil
}

// Publish attempts direct delivery; on transport failure the task is stored
// in the local fallback queue and the caller still observes success. Only a
// fallback persistence failure is surfaced, since at that point the task
// would otherwise be lost.
func (r *Router) Publish(ctx context.Context, d Dispatch) error {
	err := r.broker.Publish(ctx, d.Target.QueueName, d.Target.Priority, d.TaskName, d.Args, d.Metadata)
	if err == nil {
		publishedTotal.WithLabelValues(d.Target.QueueName, "direct").Inc()
		return nil
	}

	r.logger.Warn().Err(err).
		Str("task", d.TaskName).
		Str("queue", d.Target.QueueName).
		Msg("Broker publish failed, storing fallback entry")

	_, fbErr := r.fallback.Enqueue(ctx, localqueue.Entry{
		TaskName:  d.TaskName,
		Args:      d.Args,
		QueueName: d.Target.QueueName,
		Priority:  d.Target.Priority,
		Metadata:  d.Metadata,
	})
	if fbErr != nil {
		return fmt.Errorf("broker publish failed (%v) and fallback enqueue failed: %w", err, fbErr)
	}

	publishedTotal.WithLabelValues(d.Target.QueueName, "fallback").Inc()
	return nil
}

// DispatchJob plans and publishes a job in one step.
func (r *Router) DispatchJob(ctx context.Context, job jobstore.Job) error {
	d, err := r.Plan(job)
	if err != nil {
		return err
	}
	return r.Publish(ctx, d)
}
