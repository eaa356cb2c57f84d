package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://maintd@localhost/maintd")

	c, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.StoreBackend != "postgres" || c.ParamsBackend != "postgres" {
		t.Fatalf("unexpected backends %q %q", c.StoreBackend, c.ParamsBackend)
	}
	if c.WatchdogName != "Defrag" || c.ReadyPollInterval != 5*time.Second || c.ArchiveRetention != 720*time.Hour {
		t.Fatalf("unexpected watchdog defaults %+v", c)
	}
	if c.MinSchemaVersion != 2 || c.StoreRetryAttempts != 3 {
		t.Fatalf("unexpected store defaults %+v", c)
	}
}

func TestParseMemoryBackendsNeedNoDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("PARAMS_BACKEND", "redis")
	t.Setenv("MAX_INITIAL_JITTER", "250ms")

	c, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.MaxInitialJitter != 250*time.Millisecond {
		t.Fatalf("jitter %v", c.MaxInitialJitter)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := map[string]map[string]string{
		"missing dsn":    {"POSTGRES_DSN": ""},
		"unknown store":  {"POSTGRES_DSN": "x", "STORE_BACKEND": "sqlite"},
		"unknown params": {"POSTGRES_DSN": "x", "PARAMS_BACKEND": "etcd"},
		"zero retries":   {"POSTGRES_DSN": "x", "STORE_RETRY_ATTEMPTS": "0"},
		"bad duration":   {"POSTGRES_DSN": "x", "READY_POLL_INTERVAL": "soon"},
		"bad dead ratio": {"POSTGRES_DSN": "x", "DEFRAG_DEAD_RATIO": "lots"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			if _, err := Parse(); err == nil {
				t.Fatalf("want error")
			}
		})
	}
}
