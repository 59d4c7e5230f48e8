package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumenforge/generation-service/internal/broker"
	"github.com/lumenforge/generation-service/internal/jobstore"
	"github.com/lumenforge/generation-service/internal/localqueue"
	"github.com/lumenforge/generation-service/internal/recovery"
	"github.com/lumenforge/generation-service/internal/router"
)

var sweepKind string

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a recovery sweep over persisted job state",
	Long: `Run one recovery pass: reset stuck processing jobs and retry failed
jobs within their retry budget, re-dispatching each through the task router.`,
	Example: `  generation-service sweep
  generation-service sweep --kind stuck
  generation-service sweep --kind failed`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVar(&sweepKind, "kind", "all", "Which sweep to run: stuck, failed, or all")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	taskBroker := broker.New(cfg.Redis)
	defer taskBroker.Close()

	jobs := jobstore.New(pool)
	fallback := localqueue.New(pool, logger)
	taskRouter := router.New(cfg.Routing, taskBroker, fallback, logger)
	scanner := recovery.NewScanner(jobs, taskRouter, logger, cfg.Recovery)

	switch sweepKind {
	case "stuck":
		stats, err := scanner.ResumeStuckJobs(ctx, cfg.Recovery.StuckAfter)
		if err != nil {
			return err
		}
		fmt.Printf("scanned=%d requeued=%d\n", stats.Scanned, stats.Requeued)
	case "failed":
		stats, err := scanner.RetryFailedJobs(ctx, cfg.Recovery.MaxRetries, cfg.Recovery.Lookback)
		if err != nil {
			return err
		}
		fmt.Printf("inspected=%d retried=%d\n", stats.Inspected, stats.Retried)
	case "all":
		if err := scanner.Run(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown sweep kind: %s", sweepKind)
	}
	return nil
}
