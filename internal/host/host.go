// Package host opens the storage backends selected by configuration for
// the binaries in cmd/.
package host

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/maintd/internal/config"
	"github.com/SirClappington/maintd/internal/defrag"
	"github.com/SirClappington/maintd/internal/params"
	"github.com/SirClappington/maintd/internal/payload"
	"github.com/SirClappington/maintd/internal/queue"
	"github.com/SirClappington/maintd/internal/storage"
	"github.com/SirClappington/maintd/internal/watchdog"
)

const retryBase = 100 * time.Millisecond

type Backends struct {
	// Store is nil unless a postgres backend is configured.
	Store  *storage.Store
	Queue  queue.JobQueue
	Params params.Store
	// Readiness is nil when no postgres backend is configured.
	Readiness watchdog.Readiness

	rdb *r.Client
}

func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*Backends, error) {
	b := &Backends{}
	if cfg.StoreBackend == "postgres" || cfg.ParamsBackend == "postgres" {
		s, err := OpenStore(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		b.Store, b.Readiness = s, s
	}

	switch cfg.StoreBackend {
	case "postgres":
		b.Queue = b.Store
	default:
		log.Warn("using in-memory job queue; state is not shared between processes")
		b.Queue = queue.NewMemory()
	}

	switch cfg.ParamsBackend {
	case "postgres":
		b.Params = b.Store
	case "redis":
		b.rdb = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			return nil, multierr.Combine(errors.Wrap(err, "ping redis"), b.Close())
		}
		b.Params = params.NewRedis(b.rdb, cfg.RedisKeyPrefix)
	default:
		b.Params = params.NewMemory()
	}
	return b, nil
}

func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*storage.Store, error) {
	return storage.Open(ctx, cfg.PostgresDSN,
		storage.WithLogger(log),
		storage.WithRetry(cfg.StoreRetryAttempts, retryBase),
		storage.WithMinSchemaVersion(cfg.MinSchemaVersion))
}

func (b *Backends) Close() error {
	var err error
	if b.rdb != nil {
		err = multierr.Append(err, b.rdb.Close())
	}
	if b.Store != nil {
		err = multierr.Append(err, b.Store.Close())
	}
	return err
}

// Registry knows the payloads of every queue type served by this module.
func Registry() *payload.Registry {
	reg := payload.NewRegistry()
	reg.Register(defrag.QueueType, defrag.NewCodec())
	return reg
}
