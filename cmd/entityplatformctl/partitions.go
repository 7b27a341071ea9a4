package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entityplatform/core/internal/audit"
	"github.com/entityplatform/core/internal/config"
	"github.com/entityplatform/core/internal/sqlstore"
)

// partitionsCmd runs one pass of the audit log's daily partition lifecycle
// (spec §4.C12 "Partition lifecycle (daily)") against the configured SQL
// store, for operators who want to run it outside its normal schedule
// (e.g. right after a retention policy change).
var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Run one pass of the audit log partition lifecycle (create, check, drop, vacuum)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := sqlstore.Open(config.GetString(config.KeySQLDriver), config.GetString(config.KeySQLDSN))
		if err != nil {
			return fmt.Errorf("open sql store: %w", err)
		}

		admin := audit.NewSQLPartitionAdmin(db)
		manager := audit.NewPartitionManager(admin, audit.PartitionOptions{
			LookaheadMonths: config.GetInt(config.KeyAuditPartitionLookaheadMonths),
			RetentionDays:   config.GetInt(config.KeyAuditRetentionDays),
		}, nil)

		if err := manager.Run(cmd.Context()); err != nil {
			return fmt.Errorf("run partition lifecycle: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "partition lifecycle run complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
}
