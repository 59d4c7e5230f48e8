package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumenforge/generation-service/internal/broker"
	"github.com/lumenforge/generation-service/internal/localqueue"
)

var drainBatch int

// drainCmd represents the drain command
var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the local fallback queue",
	Long: `Re-attempt delivery of fallback entries to the primary broker in FIFO
order. Delivered entries are removed; failed attempts are re-enqueued for the
next cycle.`,
	RunE: runDrain,
}

func init() {
	rootCmd.AddCommand(drainCmd)

	drainCmd.Flags().IntVar(&drainBatch, "batch", 50, "Maximum entries to attempt")
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	taskBroker := broker.New(cfg.Redis)
	defer taskBroker.Close()

	fallback := localqueue.New(pool, logger)
	stats, err := fallback.Drain(ctx, taskBroker, drainBatch)
	if err != nil {
		return err
	}

	fmt.Printf("attempted=%d delivered=%d requeued=%d\n", stats.Attempted, stats.Delivered, stats.Requeued)
	return nil
}
