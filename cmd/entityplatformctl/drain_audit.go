package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entityplatform/core/internal/audit"
	"github.com/entityplatform/core/internal/config"
	"github.com/entityplatform/core/internal/sqlstore"
)

// drainAuditCmd runs one outbox-drain batch against the configured SQL
// store (spec §4.C12 "Drain worker"), the way an operator would kick the
// drain loop by hand outside its normal periodic schedule.
var drainAuditCmd = &cobra.Command{
	Use:   "drain-audit",
	Short: "Drain one batch of the audit outbox into the durable audit log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := sqlstore.Open(config.GetString(config.KeySQLDriver), config.GetString(config.KeySQLDSN))
		if err != nil {
			return fmt.Errorf("open sql store: %w", err)
		}

		outbox := audit.NewSQLOutbox(db)
		log := audit.NewSQLLog(db)
		drainer := audit.NewDrainer(outbox, log, audit.DrainOptions{
			BatchSize:    config.GetInt(config.KeyAuditDrainBatchSize),
			LockDuration: config.GetDuration(config.KeyAuditLockDuration),
			WorkerID:     "entityplatformctl",
		}, nil)

		persisted, err := drainer.DrainOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("drain audit outbox: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "drained %d outbox entries\n", persisted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(drainAuditCmd)
}
