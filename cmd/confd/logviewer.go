package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/uib-gmbh/confd/internal/config"
	"github.com/uib-gmbh/confd/internal/logfabric"
)

func newLogViewerCommand() *cobra.Command {
	var node string
	var follow bool
	var count int64
	cmd := &cobra.Command{
		Use:   "log-viewer",
		Short: "Tail a node's log stream, or fan it out to per-client rotating files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if node == "" {
				node, _ = os.Hostname()
			}

			opts, err := redis.ParseURL(cfg.RedisInternalURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			client := redis.NewClient(opts)
			defer client.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if !follow {
				records, err := logfabric.Tail(ctx, client, node, count)
				if err != nil {
					return err
				}
				for _, rec := range records {
					fmt.Printf("%s [%s] %s\n", rec.Time.Format("2006-01-02T15:04:05"), rec.Level, rec.Message)
				}
				return nil
			}

			fanout := logfabric.NewFanout(cfg.LogDirectory, cfg.LogMaxSizeMB, cfg.KeepRotatedLogs)
			err = fanout.Run(ctx, client, node)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "node name whose log stream to read (default: hostname)")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream new records and fan them out to per-client log files")
	cmd.Flags().Int64Var(&count, "count", 200, "number of recent records to print in non-follow mode")
	return cmd
}
