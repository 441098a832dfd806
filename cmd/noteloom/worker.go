package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/noteloom/noteloom/config"
	"github.com/noteloom/noteloom/internal/queue/streams"
	"github.com/noteloom/noteloom/internal/runtime"
	"github.com/noteloom/noteloom/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run the document pipeline worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
			svc, err := runtime.BuildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			for _, stream := range []string{streams.StreamIngest, streams.StreamSummarize, streams.StreamSynthesize} {
				if err := streams.EnsureGroup(ctx, svc.Redis, stream, worker.GroupName); err != nil {
					return fmt.Errorf("ensure group %s: %w", stream, err)
				}
			}

			consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
			consumer := streams.NewConsumer(svc.Redis, worker.GroupName, consumerName)
			processor := worker.NewProcessor(logger, consumer, svc.Pipeline, cfg.Pipeline.StageTimeout)

			cleaner, err := worker.NewCleaner(logger, svc.Store, svc.Pipeline, svc.Redis,
				cfg.Cleanup.CronSpec, cfg.Cleanup.FailedTTL)
			if err != nil {
				return fmt.Errorf("cleanup schedule: %w", err)
			}
			go cleaner.Start(ctx)

			return processor.Start(ctx)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}
