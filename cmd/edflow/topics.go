package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-edflow/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List board topics and consumer lag",
		RunE: func(cmd *cobra.Command, args []string) error {
			ensure, _ := cmd.Flags().GetBool("ensure")

			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
				return err
			}

			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			if ensure {
				created, err := admin.EnsureTopics(ctx)
				if err != nil {
					return err
				}
				logger.Info("topics ensured", zap.Strings("created", created))
			}

			names, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintln(out, name)
			}

			lags, err := admin.Lag(ctx, cfg.KafkaGroupID, redpanda.IngestTopics())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nlag for group %s\n", cfg.KafkaGroupID)
			for _, l := range lags {
				fmt.Fprintf(out, "%-24s partitions=%d lag=%d\n", l.Topic, l.Partitions, l.Total)
			}
			return nil
		},
	}
	cmd.Flags().Bool("ensure", false, "Create missing board topics first")
	return cmd
}
