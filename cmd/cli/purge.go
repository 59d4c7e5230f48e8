package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumenforge/generation-service/internal/notify"
)

var purgeRetentionDays int

// purgeCmd represents the purge command
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge stale notification records",
	RunE:  runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().IntVar(&purgeRetentionDays, "retention-days", 0, "Override configured retention (days)")
}

func runPurge(cmd *cobra.Command, args []string) error {
	retention := cfg.Notify.RetentionDays
	if purgeRetentionDays > 0 {
		retention = purgeRetentionDays
	}

	store := notify.NewStore(pool)
	removed, err := store.PurgeStale(context.Background(), retention)
	if err != nil {
		return err
	}

	fmt.Printf("removed=%d retention_days=%d\n", removed, retention)
	return nil
}
