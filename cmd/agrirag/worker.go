package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/agrichat/knowledge/internal/ingest"
	"github.com/agrichat/knowledge/internal/queue/streams"
	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func workerCMD(load loader) *cobra.Command {
	var (
		lagEvery      time.Duration
		maxDeliveries int
	)
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Consume ingestion jobs from the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

			deps, err := runtime.Bootstrap(ctx, cfg, "agrirag-worker")
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())
			if deps.Redis == nil {
				return errors.New("worker requires storage.redis")
			}
			if err := deps.Store.CheckDimensions(ctx, cfg.Embedding.Dimensions); err != nil {
				return err
			}
			deps.CheckEmbedding(ctx, logger)

			orch, err := deps.Orchestrator(nil)
			if err != nil {
				return err
			}
			stream, group := cfg.Ingestion.Stream, cfg.Ingestion.Group
			if err := streams.EnsureGroup(ctx, deps.Redis, stream, group); err != nil {
				return fmt.Errorf("ensure group: %w", err)
			}
			consumer := streams.NewConsumer(deps.Redis, deps.Registry, group, "worker-"+uuid.NewString()[:8])
			publisher := streams.NewPublisher(deps.Redis, deps.Registry)

			if lagEvery > 0 {
				go reportLag(ctx, logger, deps.Redis, stream, group, lagEvery)
			}
			w := ingest.NewStreamWorker(logger, orch, consumer, publisher, stream)
			w.Abandon = deps.Store
			w.MaxDeliveries = maxDeliveries
			return w.Start(ctx)
		},
	}
	worker.Flags().IntVar(&maxDeliveries, "max-deliveries", 3, "fail a job instead of running it after this many deliveries (0 disables)")
	worker.Flags().DurationVar(&lagEvery, "lag-interval", time.Minute, "how often to log consumer group lag (0 disables)")
	return worker
}

func reportLag(ctx context.Context, logger *log.Logger, rdb *redis.Client, stream, group string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := streams.GroupLag(ctx, rdb, stream, group)
			if err != nil {
				logger.Printf("warn: group lag: %v", err)
				continue
			}
			logger.Printf("stream %s group %s: pending=%d lag=%d consumers=%d oldest_idle=%s redelivered=%d max_attempts=%d",
				stream, group, m.Pending, m.Lag, m.Consumers, m.OldestIdle.Round(time.Second), m.Redelivered, m.MaxAttempts)
		}
	}
}
