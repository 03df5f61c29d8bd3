package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/uib-gmbh/confd/internal/config"
	"github.com/uib-gmbh/confd/internal/logfabric"
)

func newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Run idempotent startup bootstrap",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.LogDirectory, 0o750); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
			if err := logfabric.PurgeOld(cfg.LogDirectory, logPurgeAge); err != nil {
				return fmt.Errorf("purge old logs: %w", err)
			}
			log.Info().Str("dir", cfg.LogDirectory).Msg("purged client logs older than 30 days")

			// The schema/migrations/ORM, SSL/CA issuance, and system-user
			// provisioning this subcommand drives in the original are out of
			// scope here; this leaves the seam so an operator-facing setup
			// routine has somewhere to hook in.
			fmt.Println("setup complete")
			return nil
		},
	}
}
