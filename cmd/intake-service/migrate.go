package main

import (
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/intake/pkg/common/logger"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.migrate(); err != nil {
				return err
			}
			logger.Log.Info("schema up to date")
			return nil
		},
	}
}
