// Package main is the entry point for the bastion database migration tool.
// It applies the embedded schema migrations of the configured driver.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/database"
	"github.com/prn-tf/bastion/internal/logging"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "bastion-migrate",
		Short:        "Manage the bastion database schema",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (env: BASTION_*)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), configPath, func(ctx context.Context, store database.Store, logger zerolog.Logger) error {
				before, err := store.Version(ctx)
				if err != nil {
					return err
				}
				if err := store.Migrate(ctx); err != nil {
					return err
				}
				after, err := store.Version(ctx)
				if err != nil {
					return err
				}
				logger.Info().Int("from", before).Int("to", after).Msg("migrations applied")
				fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d (was %d)\n", after, before)
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), configPath, func(ctx context.Context, store database.Store, _ zerolog.Logger) error {
				version, err := store.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d\n", version)
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bastion migration tool\n")
			fmt.Fprintf(out, "Version: %s\n", Version)
			fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
		},
	})

	return rootCmd
}

// withStore connects without migrating and runs fn.
func withStore(ctx context.Context, configPath string, fn func(context.Context, database.Store, zerolog.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Logging.Output = "stderr"

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	store, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Database.Driver, err)
	}
	defer store.Close()

	return fn(ctx, store, logger)
}
