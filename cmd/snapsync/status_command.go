package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show spool health and delivery metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnvironment(func(env *environment) error {
				metrics, err := env.store.ComputeMetrics(cmd.Context())
				if err != nil {
					return err
				}

				online := env.probe.IsOnline(cmd.Context())
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				for _, line := range renderSectionHeader("Spool", colorize) {
					fmt.Fprintln(out, line)
				}
				rows := [][]string{
					{"pending", fmt.Sprintf("%d", metrics.Pending)},
					{"uploading", fmt.Sprintf("%d", metrics.Uploading)},
					{"uploaded", fmt.Sprintf("%d", metrics.Uploaded)},
					{"failed", fmt.Sprintf("%d", metrics.Failed)},
					{"total", fmt.Sprintf("%d", metrics.Total)},
				}
				fmt.Fprintln(out, renderTable(
					[]string{"STATUS", "COUNT"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))

				for _, line := range renderSectionHeader("Delivery", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintf(out, "  Collector online:   %s\n", yesNo(online))
				fmt.Fprintf(out, "  Total retries:      %d\n", metrics.TotalRetries)
				fmt.Fprintf(out, "  Error rate:         %.0f%%\n", metrics.ErrorRate*100)
				if metrics.OldestPendingAge > 0 {
					fmt.Fprintf(out, "  Oldest pending age: %s\n", metrics.OldestPendingAge.Round(time.Second))
				}
				return nil
			})
		},
	}
}
