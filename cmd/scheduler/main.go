package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/maintd/internal/api"
	"github.com/SirClappington/maintd/internal/config"
	"github.com/SirClappington/maintd/internal/defrag"
	"github.com/SirClappington/maintd/internal/host"
	"github.com/SirClappington/maintd/internal/logging"
	"github.com/SirClappington/maintd/internal/watchdog"
)

func main() {
	root := &cobra.Command{
		Use:          "scheduler",
		Short:        "Maintenance watchdog host",
		Long:         "Runs the defragmentation watchdog against PostgreSQL and serves the admin API.",
		SilenceUsage: true,
	}
	root.AddCommand(runCommand(), migrateCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Parse()
	if err != nil {
		return cfg, nil, errors.Wrap(err, "config")
	}
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		return cfg, nil, errors.Wrap(err, "logger")
	}
	return cfg, log, nil
}

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the watchdog and the embedded admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, log, migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply schema migrations before starting")
	return cmd
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger, migrate bool) (err error) {
	b, err := host.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()

	if b.Store == nil {
		return errors.New("the defrag workload needs POSTGRES_DSN and a postgres backend")
	}
	if migrate {
		if err := b.Store.Migrate(ctx); err != nil {
			return err
		}
	}

	wd, err := watchdog.New(watchdog.Options{
		Name:     cfg.WatchdogName,
		Queue:    b.Queue,
		Params:   b.Params,
		Registry: host.Registry(),
		Workload: defrag.New(b.Store.Pool(), defrag.Options{
			MinDeadTuples: cfg.DefragMinDeadTuples,
			DeadRatio:     cfg.DefragDeadRatio,
		}, log),
		Readiness:         b.Readiness,
		Logger:            log,
		ReadyPollInterval: cfg.ReadyPollInterval,
		MaxInitialJitter:  cfg.MaxInitialJitter,
		ArchiveRetention:  cfg.ArchiveRetention,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: api.NewRouter(api.Options{
			Queue:    b.Queue,
			Params:   b.Params,
			Registry: host.Registry(),
			Health:   b.Readiness,
			Control:  wd,
			Logger:   log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("scheduler starting", zap.String("admin", cfg.AdminAddr), zap.String("owner", wd.Owner()),
		zap.String("store", cfg.StoreBackend), zap.String("params", cfg.ParamsBackend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A misconfigured watchdog is logged; the admin API stays up so the
		// parameters can be fixed.
		if err := wd.Run(gctx); err != nil {
			log.Error("watchdog stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "admin server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	log.Info("scheduler stopped")
	return err
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.PostgresDSN == "" {
				return errors.New("POSTGRES_DSN is required")
			}

			ctx := cmd.Context()
			s, err := host.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			v, err := s.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			log.Info("schema migrated", zap.Int64("version", v))
			return nil
		},
	}
}
