// Package main is the entry point for the bastion server.
// bastion resolves player identities and enforces bans, mutes and kicks for a game network.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/bastion/internal/auth"
	rediscache "github.com/prn-tf/bastion/internal/cache/redis"
	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/database"
	"github.com/prn-tf/bastion/internal/directory"
	"github.com/prn-tf/bastion/internal/events"
	"github.com/prn-tf/bastion/internal/handler"
	"github.com/prn-tf/bastion/internal/lock"
	"github.com/prn-tf/bastion/internal/logging"
	"github.com/prn-tf/bastion/internal/metrics"
	"github.com/prn-tf/bastion/internal/repository"
	"github.com/prn-tf/bastion/internal/service"
	"github.com/prn-tf/bastion/internal/session"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:     "bastion-server",
		Short:   "Run the bastion identity and punishment server",
		Version: fmt.Sprintf("%s (built %s, commit %s)", Version, BuildTime, GitCommit),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (env: BASTION_*)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	started := time.Now()
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("Starting bastion server")

	store, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
		return err
	}
	defer store.Close()

	m := metrics.New()
	health := map[string]handler.HealthChecker{"database": store}

	var (
		shared    repository.Cache
		locker    lock.Locker      = lock.NewMemoryLocker(nil)
		publisher events.Publisher = events.Noop{}
		bus       *events.RedisBus
	)

	if cfg.Redis.Enabled {
		client, err := rediscache.New(ctx, cfg.Redis)
		if err != nil {
			logger.Error().Err(err).Str("addr", cfg.Redis.Addr()).Msg("failed to connect to redis")
			return err
		}
		defer client.Close()
		health["redis"] = client

		shared = rediscache.NewCache(client)
		locker = rediscache.NewLock(client)
		if cfg.Events.Enabled {
			bus = events.NewRedisBus(client, cfg.Events.Channel, cfg.Server.ServerID, logger)
			publisher = bus
		}
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("redis connected")
	}

	var enforcer session.Enforcer = session.LogEnforcer{Logger: logger}
	if bus != nil {
		enforcer = events.NewEnforcer(bus)
	}
	registry := session.NewRegistry(enforcer, m, logger)

	core := service.NewCore(cfg, service.Dependencies{
		Repositories: store.Repositories(),
		Directory:    directory.New(cfg.Directory, shared, m, logger),
		Registry:     registry,
		Publisher:    publisher,
		Locker:       locker,
		Metrics:      m,
		Logger:       logger,
	})
	defer core.Close()
	core.Sweeper.Start()

	var metricsHandler *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsHandler = m
	}
	authConfig := auth.DefaultConfig(cfg.Auth.TokenHash)
	authConfig.Logger = logger
	if !cfg.Auth.Enabled() {
		logger.Warn().Msg("API authentication is disabled; set auth.token_hash to require a bearer token")
	}

	router := handler.NewRouter(handler.RouterConfig{
		Identities:     handler.NewIdentityHandler(core.Resolver, core.Lifecycle, logger),
		Punishments:    handler.NewPunishmentHandler(core.Resolver, core.Lifecycle, logger),
		Sessions:       handler.NewSessionHandler(core.Sessions, logger),
		Health:         health,
		Metrics:        metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		AuthMiddleware: auth.Middleware(authConfig),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if bus != nil {
		g.Go(func() error {
			return bus.Subscribe(ctx, core.Lifecycle.HandleEvent)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Dur("uptime", time.Since(started)).Msg("server stopped")
	return nil
}
