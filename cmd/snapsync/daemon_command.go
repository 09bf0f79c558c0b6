package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"snapsync/internal/daemon"
	"snapsync/internal/notifications"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnvironment(func(env *environment) error {
				notifier := notifications.NewService(env.cfg)
				d, err := daemon.New(env.cfg, env.store, env.syncer, env.bus, notifier, env.logger)
				if err != nil {
					return err
				}

				runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				if err := d.Start(runCtx); err != nil {
					return err
				}
				<-runCtx.Done()
				d.Stop()
				return nil
			})
		},
	}
}
