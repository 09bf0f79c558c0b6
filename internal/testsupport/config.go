package testsupport

import (
	"path/filepath"
	"testing"

	"snapsync/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.SpoolDir = filepath.Join(base, "spool")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Remote.Endpoint = "https://uploads.example.test/api/assets"
	cfg.Sync.ConcurrencyLimit = 2
	cfg.Sync.MaxRetries = 3

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithEndpoint overrides the remote endpoint on the test config.
func WithEndpoint(endpoint string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Remote.Endpoint = endpoint
		cfg.Remote.ProbeURL = endpoint
	}
}

// WithSyncLimits overrides concurrency and retry limits on the test config.
func WithSyncLimits(concurrency, maxRetries int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Sync.ConcurrencyLimit = concurrency
		cfg.Sync.MaxRetries = maxRetries
	}
}
