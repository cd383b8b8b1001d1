package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one discovery run in the foreground",
		Long: `Runs discovery once with the saved (or default) settings and prints the final
run record as JSON. The command fails when the run ends in error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a application) error {
				rec, err := a.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				opts.logger.Info("discovery run finished",
					zap.String("run_id", rec.ID),
					zap.String("status", string(rec.Status)),
				)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rec); err != nil {
					return fmt.Errorf("print run record: %w", err)
				}
				if rec.Status == discovery.RunError {
					return fmt.Errorf("run %s failed: %s", rec.ID, rec.Error)
				}
				return nil
			})
		},
	}
}
