package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateBackoff(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateRemote() error {
	if c.Remote.Endpoint != "" {
		if err := validateHTTPURL("remote.endpoint", c.Remote.Endpoint); err != nil {
			return err
		}
	}
	if c.Remote.ProbeURL != "" {
		if err := validateHTTPURL("remote.probe_url", c.Remote.ProbeURL); err != nil {
			return err
		}
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return errors.New("remote.timeout_seconds must be positive")
	}
	if c.Remote.ProbeTimeoutSeconds <= 0 {
		return errors.New("remote.probe_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.ConcurrencyLimit < 1 {
		return errors.New("sync.concurrency_limit must be at least 1")
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	if c.Sync.TickSeconds < 1 {
		return errors.New("sync.tick_seconds must be at least 1")
	}
	return nil
}

func (c *Config) validateBackoff() error {
	if c.Backoff.BaseDelayMS < 0 {
		return errors.New("backoff.base_delay_ms must not be negative")
	}
	if c.Backoff.Multiplier < 1.0 {
		return errors.New("backoff.multiplier must be at least 1.0")
	}
	if c.Backoff.MaxDelayMS < c.Backoff.BaseDelayMS {
		return errors.New("backoff.max_delay_ms must be at least backoff.base_delay_ms")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
}

// RequireEndpoint verifies the remote endpoint is configured; drain entry
// points call this before attempting any delivery.
func (c *Config) RequireEndpoint() error {
	if strings.TrimSpace(c.Remote.Endpoint) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/snapsync/config.toml"
		}
		return fmt.Errorf("remote.endpoint is required: edit %s (create with 'snapsync config init')", defaultPath)
	}
	return nil
}

// UploadTimeout returns the transport timeout as a duration.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// ProbeTimeout returns the reachability probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Remote.ProbeTimeoutSeconds) * time.Second
}

// TickInterval returns the daemon drain interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Sync.TickSeconds) * time.Second
}

func validateHTTPURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s is missing a host: %q", field, raw)
	}
	return nil
}
