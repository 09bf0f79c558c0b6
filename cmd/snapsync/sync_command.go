package main

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"snapsync/internal/daemon"
)

const summaryPrecision = 10 * time.Millisecond

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one drain of the spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnvironment(func(env *environment) error {
				s := env.syncer
				if force {
					s = env.forcedSyncer()
				}

				// Reconciliation reclaims uploading records, which is only
				// safe when no other instance has them in flight. Take the
				// daemon lock for the run; when a daemon holds it, drain
				// without reconciling.
				lock := flock.New(daemon.LockPath(env.cfg))
				locked, err := lock.TryLock()
				if err != nil {
					return fmt.Errorf("check daemon lock: %w", err)
				}
				if locked {
					defer func() { _ = lock.Unlock() }()
					if _, err := s.Reconcile(cmd.Context()); err != nil {
						return err
					}
				}

				summary, err := s.ProcessQueue(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				switch {
				case summary.Skipped:
					fmt.Fprintln(out, "Drain already in progress")
				case summary.Offline:
					fmt.Fprintln(out, "Collector unreachable; nothing drained")
				case summary.Reserved == 0:
					fmt.Fprintln(out, "Nothing eligible to upload")
				default:
					fmt.Fprintf(out, "Drained %d assets: %d uploaded, %d deferred, %d failed (%s)\n",
						summary.Reserved, summary.Uploaded, summary.Retried, summary.Failed,
						summary.Elapsed.Round(summaryPrecision))
					if summary.StoreErrors > 0 {
						fmt.Fprintf(out, "%d assets hit storage errors and await reconciliation\n", summary.StoreErrors)
					}
					if summary.NextDelay > 0 {
						fmt.Fprintf(out, "Retry advised in %s\n", summary.NextDelay)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip the reachability probe")
	return cmd
}
