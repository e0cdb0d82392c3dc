package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/intake/pkg/common/logger"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
	logger.Init()

	if err := newRootCommand().Execute(); err != nil {
		logger.Log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "intake-service",
		Short:         "Patient intake webhook ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newReplayCommand())
	return cmd
}
