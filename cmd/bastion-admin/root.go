package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	rediscache "github.com/prn-tf/bastion/internal/cache/redis"
	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/database"
	"github.com/prn-tf/bastion/internal/directory"
	"github.com/prn-tf/bastion/internal/events"
	"github.com/prn-tf/bastion/internal/lock"
	"github.com/prn-tf/bastion/internal/logging"
	"github.com/prn-tf/bastion/internal/repository"
	"github.com/prn-tf/bastion/internal/service"
	"github.com/prn-tf/bastion/internal/session"
)

type options struct {
	configPath string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "bastion-admin",
		Short: "Administer bastion identities and punishments",
		Long: `bastion-admin works directly against the bastion database.

Punishments created or lifted here are announced on the event bus when redis
events are enabled, so running servers drop their cached copies.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file (env: BASTION_*)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format: text, json")

	rootCmd.AddCommand(newResolveCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newPunishCmd(opts))
	rootCmd.AddCommand(newLiftCmd(opts))
	rootCmd.AddCommand(newSweepCmd(opts))
	rootCmd.AddCommand(newExportCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))
	rootCmd.AddCommand(newVersionCmd(opts))

	return rootCmd
}

// app is an opened store with the services built on it.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   database.Store
	core    *service.Core
	out     io.Writer
	closers []func()
}

func (a *app) Close() {
	a.core.Close()
	a.closeAll()
}

// openApp loads configuration and opens the store. Logs go to stderr so that
// command output stays parseable.
func openApp(ctx context.Context, opts *options) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Output = "stderr"
	cfg.Punishment.SweepEnabled = false

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if logCloser != nil {
		a.closers = append(a.closers, func() { _ = logCloser.Close() })
	}

	store, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	var (
		shared    repository.Cache
		locker    lock.Locker      = lock.NewNoOpLocker()
		publisher events.Publisher = events.Noop{}
	)
	if cfg.Redis.Enabled {
		client, err := rediscache.New(ctx, cfg.Redis)
		if err != nil {
			a.closeAll()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })

		shared = rediscache.NewCache(client)
		locker = rediscache.NewLock(client)
		if cfg.Events.Enabled {
			publisher = events.NewRedisBus(client, cfg.Events.Channel, cfg.Server.ServerID+"/admin", logger)
		}
	}

	a.core = service.NewCore(cfg, service.Dependencies{
		Repositories: store.Repositories(),
		Directory:    directory.New(cfg.Directory, shared, nil, logger),
		Registry:     session.NewRegistry(session.LogEnforcer{Logger: logger}, nil, logger),
		Publisher:    publisher,
		Locker:       locker,
		Logger:       logger,
	})
	return a, nil
}

func (a *app) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// withApp runs fn with an opened app and closes it afterwards.
func withApp(opts *options, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.Close()
		a.out = cmd.OutOrStdout()
		return fn(ctx, a, args)
	}
}
