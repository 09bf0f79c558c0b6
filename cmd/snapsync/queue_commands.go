package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"snapsync/internal/store"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Spool inspection and maintenance",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueRemoveCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List spooled assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnvironment(func(env *environment) error {
				var statuses []store.Status
				if trimmed := strings.TrimSpace(statusFilter); trimmed != "" {
					status, ok := store.ParseStatus(trimmed)
					if !ok {
						return fmt.Errorf("unknown status %q", trimmed)
					}
					statuses = append(statuses, status)
				}

				assets, err := env.store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(assets) == 0 {
					fmt.Fprintln(out, "Spool is empty")
					return nil
				}

				rows := make([][]string, 0, len(assets))
				for _, asset := range assets {
					rows = append(rows, []string{
						strconv.FormatInt(asset.ID, 10),
						string(asset.Status),
						strconv.Itoa(asset.Retries),
						formatSize(asset.SizeBytes),
						formatAge(asset.CreatedAt),
						asset.ServerID,
						asset.PayloadPath,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "STATUS", "RETRIES", "SIZE", "AGE", "SERVER ID", "PAYLOAD"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Filter by status (pending, uploading, uploaded, failed)")
	return cmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var contentType string
	var category string
	var owner string
	var latitude float64
	var longitude float64

	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Spool a captured file for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnvironment(func(env *environment) error {
				absPath, err := filepath.Abs(strings.TrimSpace(args[0]))
				if err != nil {
					return fmt.Errorf("resolve payload path: %w", err)
				}
				info, err := os.Stat(absPath)
				if err != nil {
					return fmt.Errorf("stat payload: %w", err)
				}
				if info.IsDir() {
					return fmt.Errorf("payload path %q is a directory", absPath)
				}

				resolvedType := strings.TrimSpace(contentType)
				if resolvedType == "" {
					resolvedType = mime.TypeByExtension(filepath.Ext(absPath))
				}
				if resolvedType == "" {
					return fmt.Errorf("cannot determine content type for %q, pass --content-type", absPath)
				}

				newAsset := store.NewAsset{
					PayloadPath: absPath,
					ContentType: resolvedType,
					SizeBytes:   info.Size(),
					Category:    strings.TrimSpace(category),
					Owner:       strings.TrimSpace(owner),
				}
				if cmd.Flags().Changed("lat") {
					newAsset.Latitude = &latitude
				}
				if cmd.Flags().Changed("lon") {
					newAsset.Longitude = &longitude
				}

				asset, created, err := env.syncer.Enqueue(cmd.Context(), newAsset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if created {
					fmt.Fprintf(out, "Asset %d spooled: %s\n", asset.ID, asset.PayloadPath)
				} else {
					fmt.Fprintf(out, "Asset %d already spooled for %s\n", asset.ID, asset.PayloadPath)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type of the payload (detected from the extension when omitted)")
	cmd.Flags().StringVar(&category, "category", "", "Capture category")
	cmd.Flags().StringVar(&owner, "owner", "", "Capture owner")
	cmd.Flags().Float64Var(&latitude, "lat", 0, "Capture latitude")
	cmd.Flags().Float64Var(&longitude, "lon", 0, "Capture longitude")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Reset assets to pending with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parsePositiveIDs(args)
			if err != nil {
				return err
			}
			return ctx.withEnvironment(func(env *environment) error {
				out := cmd.OutOrStdout()
				for _, id := range ids {
					if err := env.syncer.ResetAsset(cmd.Context(), id); err != nil {
						fmt.Fprintf(out, "Asset %d: %v\n", id, err)
						continue
					}
					fmt.Fprintf(out, "Asset %d reset to pending\n", id)
				}
				return nil
			})
		},
	}
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove assets from the spool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parsePositiveIDs(args)
			if err != nil {
				return err
			}
			return ctx.withEnvironment(func(env *environment) error {
				out := cmd.OutOrStdout()
				for _, id := range ids {
					removed, err := env.syncer.Remove(cmd.Context(), id)
					if err != nil {
						return err
					}
					if removed {
						fmt.Fprintf(out, "Asset %d removed\n", id)
					} else {
						fmt.Fprintf(out, "Asset %d not found\n", id)
					}
				}
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var uploaded bool
	var failed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove delivered or parked assets in bulk",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !uploaded && !failed {
				return fmt.Errorf("pass --uploaded, --failed, or both")
			}
			return ctx.withEnvironment(func(env *environment) error {
				out := cmd.OutOrStdout()
				if uploaded {
					count, err := env.store.ClearUploaded(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Removed %d uploaded assets\n", count)
				}
				if failed {
					count, err := env.store.ClearFailed(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Removed %d failed assets\n", count)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&uploaded, "uploaded", false, "Remove delivered assets")
	cmd.Flags().BoolVar(&failed, "failed", false, "Remove terminally failed assets")
	return cmd
}

func parsePositiveIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid asset id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatAge(created time.Time) string {
	if created.IsZero() {
		return "-"
	}
	age := time.Since(created)
	if age < 0 {
		age = 0
	}
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}
