package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"revenant/internal/pipeline"
	"revenant/internal/queue"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var maxJobs int
	var autoOnly bool

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Claim and process pending jobs until the queue drains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.ensureLogger()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return ctx.withStore(func(store *queue.Store) error {
				runner := pipeline.NewRunner(cfg, store, logger, pipeline.Options{
					AutoOnly: autoOnly || cfg.Watchdog.AutoOnly,
				})
				batch, err := runner.RunBatch(runCtx, maxJobs)
				if batch != nil {
					fmt.Fprintf(cmd.OutOrStdout(),
						"Processed %d job(s): %d succeeded, %d failed, %d need review\n",
						batch.Processed, batch.Succeeded, batch.Failed, batch.Reviewed)
				}
				return err
			})
		},
	}

	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Stop after this many jobs (0 = until drained)")
	cmd.Flags().BoolVar(&autoOnly, "auto-only", false, "Skip the AI fixer even when configured")
	return cmd
}
