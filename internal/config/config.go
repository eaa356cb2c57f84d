package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	AdminAddr string `env:"ADMIN_ADDR" envDefault:":8081"`
	APIAddr   string `env:"API_ADDR" envDefault:":8080"`

	StoreBackend       string `env:"STORE_BACKEND" envDefault:"postgres"`
	PostgresDSN        string `env:"POSTGRES_DSN"`
	StoreRetryAttempts int    `env:"STORE_RETRY_ATTEMPTS" envDefault:"3"`
	MinSchemaVersion   int64  `env:"MIN_SCHEMA_VERSION" envDefault:"2"`

	ParamsBackend  string `env:"PARAMS_BACKEND" envDefault:"postgres"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"maintd:params:"`

	WatchdogName      string        `env:"WATCHDOG_NAME" envDefault:"Defrag"`
	ReadyPollInterval time.Duration `env:"READY_POLL_INTERVAL" envDefault:"5s"`
	MaxInitialJitter  time.Duration `env:"MAX_INITIAL_JITTER" envDefault:"30s"`
	ArchiveRetention  time.Duration `env:"ARCHIVE_RETENTION" envDefault:"720h"`

	DefragMinDeadTuples int64   `env:"DEFRAG_MIN_DEAD_TUPLES" envDefault:"10000"`
	DefragDeadRatio     float64 `env:"DEFRAG_DEAD_RATIO" envDefault:"0.2"`
}

// Parse reads the configuration from the environment.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, err
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return errors.Errorf("STORE_BACKEND: unknown backend %q", c.StoreBackend)
	}
	switch c.ParamsBackend {
	case "postgres", "redis", "memory":
	default:
		return errors.Errorf("PARAMS_BACKEND: unknown backend %q", c.ParamsBackend)
	}
	if c.PostgresDSN == "" && (c.StoreBackend == "postgres" || c.ParamsBackend == "postgres") {
		return errors.New("POSTGRES_DSN is required for the postgres backend")
	}
	if c.StoreRetryAttempts < 1 {
		return errors.New("STORE_RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
