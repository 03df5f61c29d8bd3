package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/uib-gmbh/confd/internal/config"
)

func newHealthCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Check Redis connectivity and the request port, exit non-zero on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			opts, err := redis.ParseURL(cfg.RedisInternalURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			client := redis.NewClient(opts)
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis unreachable: %w", err)
			}

			addr := net.JoinHostPort(cfg.Interface, fmt.Sprintf("%d", cfg.Port))
			conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
			if err != nil {
				return fmt.Errorf("request port unreachable: %w", err)
			}
			_ = conn.Close()

			fmt.Println("ok")
			return nil
		},
	}
}
