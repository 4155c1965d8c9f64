package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/rdsync/rdsync/internal/stream"
)

var dropSlotCmd = &cobra.Command{
	Use:   "drop-slot",
	Short: "Drop the replication slot on the source",
	Long: `Drop-slot removes the logical replication slot from the source so the
server stops retaining WAL for it. Run this after a migration is fully
switched over; a dangling slot will eventually fill the source's disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Source.Empty() {
			return errors.New("source connection is required")
		}

		client, err := stream.Connect(cmd.Context(), cfg.Source.ReplicationDSN(),
			cfg.Replication.SlotName, cfg.Replication.Plugin, 0, logger)
		if err != nil {
			return err
		}
		defer client.Close(cmd.Context())

		if err := client.DropSlot(cmd.Context()); err != nil {
			return err
		}
		logger.Info().Str("slot", cfg.Replication.SlotName).Msg("replication slot dropped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dropSlotCmd)
}
