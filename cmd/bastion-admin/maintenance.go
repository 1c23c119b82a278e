package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prn-tf/bastion/internal/export"
	"github.com/prn-tf/bastion/internal/pkg/clock"
)

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark every elapsed punishment lifted",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, a *app, _ []string) error {
			result := a.core.Sweeper.RunOnce(ctx)
			if result.Err != nil {
				return result.Err
			}
			if opts.output == "json" {
				return printJSON(a.out, map[string]any{"expired": result.Expired, "skipped": result.Skipped})
			}
			if result.Skipped {
				fmt.Fprintln(a.out, "Another server is sweeping; nothing done")
				return nil
			}
			fmt.Fprintf(a.out, "Expired %d punishments\n", result.Expired)
			return nil
		}),
	}
}

func newExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Upload the punishment ledger to S3 as JSON lines",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(ctx context.Context, a *app, _ []string) error {
			client, err := export.NewS3Client(ctx, a.cfg.Export)
			if err != nil {
				return err
			}
			exporter := export.NewExporter(a.store.Repositories().Punishment, client,
				a.cfg.Export.Bucket, a.cfg.Export.Prefix, clock.Real{}, a.logger)

			result, err := exporter.Export(ctx)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(a.out, result)
			}
			fmt.Fprintf(a.out, "Uploaded %d punishments to s3://%s/%s (%d bytes, sha256 %s)\n",
				result.Count, result.Bucket, result.Key, result.Size, result.SHA256)
			return nil
		}),
	}
}
