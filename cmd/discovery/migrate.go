package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/contest-discovery/internal/app"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  `Applies the embedded SQL migrations for the configured sqlite or postgres driver.`,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return app.Migrate(opts.cfg.DB, opts.logger)
		},
	}
}
