package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/entityplatform/core/internal/config"
	"github.com/entityplatform/core/internal/jobqueue"
	"github.com/entityplatform/core/internal/sqlstore"
	"github.com/entityplatform/core/internal/timer"
)

var rehydrateTenant string

// rehydrateTimersCmd re-enqueues a tenant's still-future scheduled timers
// (spec §4.C11 "Rehydrate"), for recovering a delayed-job queue that was
// flushed or rebuilt without losing timers the business transaction
// already committed. Only RehydrateTimers' dependencies (the store and
// the job queue) are wired; the policy/instance/record/transitioner
// lookups a live Service needs to process a fire are irrelevant to a
// rehydrate-only run.
var rehydrateTimersCmd = &cobra.Command{
	Use:   "rehydrate-timers",
	Short: "Re-enqueue a tenant's still-future scheduled timers onto the job queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if rehydrateTenant == "" {
			return fmt.Errorf("--tenant is required")
		}

		db, err := sqlstore.Open(config.GetString(config.KeySQLDriver), config.GetString(config.KeySQLDSN))
		if err != nil {
			return fmt.Errorf("open sql store: %w", err)
		}
		store := timer.NewSQLStore(db)

		client := redis.NewClient(&redis.Options{Addr: config.GetString(config.KeyCacheKVAddr), DB: config.GetInt(config.KeyCacheKVDB)})
		queue := jobqueue.NewRedis(client, "")

		svc := timer.NewService(store, queue, nil, nil, nil, nil, nil)
		count, err := svc.RehydrateTimers(cmd.Context(), rehydrateTenant)
		if err != nil {
			return fmt.Errorf("rehydrate timers: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rehydrated %d timer schedules for tenant %s\n", count, rehydrateTenant)
		return nil
	},
}

func init() {
	rehydrateTimersCmd.Flags().StringVar(&rehydrateTenant, "tenant", "", "tenant ID to rehydrate timers for (required)")
	rootCmd.AddCommand(rehydrateTimersCmd)
}
