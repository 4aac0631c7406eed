package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/chunked-content-pipeline/pkg/runner"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire uploads whose chunks stopped arriving, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			r, err := runner.New(cmd.Context(), *cfg, log, runner.Options{PublishOnly: true})
			if err != nil {
				return err
			}
			defer r.Shutdown(10 * time.Second)

			if err := r.Start(cmd.Context()); err != nil {
				return err
			}
			n, err := r.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d upload(s) older than %s\n", n, cfg.Ingest.AssemblyTimeout)
			return nil
		},
	}
}
