package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumenforge/generation-service/internal/broker"
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/localqueue"
	"github.com/lumenforge/generation-service/internal/router"
)

var (
	enqueuePriority string
	enqueueParams   string
)

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type>",
	Short: "Create and dispatch an ad-hoc generation job",
	Example: `  generation-service enqueue image --params '{"prompt":"sunset"}'
  generation-service enqueue video --priority realtime`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "", "Priority tag (realtime, batch, ...)")
	enqueueCmd.Flags().StringVar(&enqueueParams, "params", "{}", "Job parameters as JSON")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	jobType := args[0]
	if !jobstore.IsValidType(jobType) {
		return fmt.Errorf("invalid job type: %s", jobType)
	}
	if !json.Valid([]byte(enqueueParams)) {
		return fmt.Errorf("--params is not valid JSON")
	}

	taskBroker := broker.New(cfg.Redis)
	defer taskBroker.Close()

	jobs := jobstore.New(pool)
	fallback := localqueue.New(pool, logger)
	taskRouter := router.New(cfg.Routing, taskBroker, fallback, logger)

	job, err := jobs.Create(ctx, jobstore.CreateParams{
		Type:     jobstore.JobType(jobType),
		Priority: enqueuePriority,
		Payload:  json.RawMessage(enqueueParams),
	})
	if err != nil {
		return err
	}

	if err := taskRouter.DispatchJob(ctx, job); err != nil {
		return err
	}

	target := taskRouter.Route(job.Type, job.Priority)
	fmt.Printf("job_id=%s queue=%s priority=%d\n", job.ID, target.QueueName, target.Priority)
	return nil
}
