package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API and run scheduled discovery",
		Long: `Starts the HTTP control surface, the schedule driver and the search cache
sweeper. Shuts down gracefully on SIGINT or SIGTERM, stopping any active run
at its next batch boundary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a application) error {
				return a.Run(cmd.Context())
			})
		},
	}
}
