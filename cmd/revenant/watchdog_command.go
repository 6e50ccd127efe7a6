package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"revenant/internal/queue"
	"revenant/internal/watchdog"
)

func newWatchdogCommand(ctx *commandContext) *cobra.Command {
	var noRestart bool

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Supervise the queue: recover stale jobs and keep a worker running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.ensureLogger()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return ctx.withStore(func(store *queue.Store) error {
				opts := watchdog.OptionsFromConfig(cfg)
				if noRestart {
					opts.AutoRestart = false
				}
				return watchdog.New(store, logger, opts).Run(runCtx)
			})
		},
	}

	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "Monitor only, never spawn a worker")
	return cmd
}
