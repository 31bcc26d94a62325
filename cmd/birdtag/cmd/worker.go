package cmd

import (
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/birdtag/birdtag/internal/app"
	"github.com/birdtag/birdtag/internal/config"
	"github.com/birdtag/birdtag/internal/logger"
)

// WorkerCmd consumes object-created events from MQTT without serving HTTP.
func WorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume ingest events from the MQTT broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger.Init(cfg.IsDevelopment(), cfg.SentryDSN, cfg.AppEnv)

			if !cfg.MQTTEnabled() {
				return errors.New("MQTT_BROKER is not set")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeErr := a.Close()
				if closeErr != nil {
					slog.Error("failed to close app", "error", closeErr)
				}
			}()

			if err := a.StartMQTT(ctx); err != nil {
				return err
			}
			slog.Info("worker consuming", "broker", cfg.MQTTBroker, "topic", cfg.MQTTIngestTopic)

			<-ctx.Done()
			slog.Info("worker stopping")
			return nil
		},
	}
}
