package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/maintd/internal/api"
	"github.com/SirClappington/maintd/internal/config"
	"github.com/SirClappington/maintd/internal/host"
	"github.com/SirClappington/maintd/internal/logging"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("api stopped", zap.Error(err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	b, err := host.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()

	srv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: api.NewRouter(api.Options{
			Queue:    b.Queue,
			Params:   b.Params,
			Registry: host.Registry(),
			Health:   b.Readiness,
			Logger:   log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("api listening", zap.String("addr", cfg.APIAddr))

	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
