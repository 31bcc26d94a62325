package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/birdtag/birdtag/internal/app"
	"github.com/birdtag/birdtag/internal/config"
	"github.com/birdtag/birdtag/internal/logger"
)

// IngestCmd feeds one object-created notification through the pipeline,
// e.g. an event the bucket never delivered. Records that already reached
// detected or failed are reported as duplicates and left untouched.
func IngestCmd() *cobra.Command {
	var event string

	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Process one object-created event from --event or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(event)
			if event == "" {
				var err error
				payload, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read event from stdin: %w", err)
				}
			}
			if len(payload) == 0 {
				return errors.New("no event given")
			}

			cfg := config.Load()
			logger.Init(cfg.IsDevelopment(), cfg.SentryDSN, cfg.AppEnv)

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeErr := a.Close()
				if closeErr != nil {
					slog.Error("failed to close app", "error", closeErr)
				}
			}()

			reports, err := a.Dispatcher.HandlePayload(cmd.Context(), payload)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		},
	}

	ingest.Flags().StringVar(&event, "event", "", `event JSON, e.g. {"objectKey":"uploads/u1/crow.jpg","objectVersion":"v1","sizeBytes":2048}`)
	return ingest
}
