package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trading-fee-billing/internal/app"
	"trading-fee-billing/internal/audit"
)

func archiveCmd() *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy one month of billing events to S3 as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var target time.Time
			if month != "" {
				t, err := time.Parse("2006-01", month)
				if err != nil {
					return fmt.Errorf("--month must be YYYY-MM: %w", err)
				}
				target = t
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				archiver := a.Archiver
				if archiver == nil {
					cfg := a.Config.ArchiveConfig
					if cfg.Bucket == "" {
						return errors.New("no archive bucket configured (ARCHIVE_S3_BUCKET)")
					}
					writer, err := audit.NewS3Writer(ctx, cfg)
					if err != nil {
						return err
					}
					archiver = audit.NewArchiver(a.Repo, writer, cfg.Prefix, a.Logger)
				}

				var (
					result *audit.ArchiveResult
					err    error
				)
				if target.IsZero() {
					result, err = archiver.ArchivePreviousMonth(ctx, time.Now())
				} else {
					result, err = archiver.ArchiveMonth(ctx, target)
				}
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "month to archive as YYYY-MM (default: last month)")
	return cmd
}
