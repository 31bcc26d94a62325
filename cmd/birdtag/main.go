package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/birdtag/birdtag/cmd/birdtag/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "birdtag",
		Short:        "Operational tools for BirdTag",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cmd.MigrateCmd())
	rootCmd.AddCommand(cmd.IngestCmd())
	rootCmd.AddCommand(cmd.WorkerCmd())
	rootCmd.AddCommand(cmd.TokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
