package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeRemote()
	c.normalizeSync()
	c.normalizeBackoff()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SpoolDir) == "" {
		c.Paths.SpoolDir = defaultSpoolDir
	}
	if c.Paths.SpoolDir, err = expandPath(c.Paths.SpoolDir); err != nil {
		return fmt.Errorf("paths.spool_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeRemote() {
	c.Remote.Endpoint = strings.TrimSpace(c.Remote.Endpoint)
	c.Remote.Token = strings.TrimSpace(c.Remote.Token)
	c.Remote.ProbeURL = strings.TrimSpace(c.Remote.ProbeURL)
	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = defaultRemoteTimeout
	}
	if c.Remote.ProbeTimeoutSeconds <= 0 {
		c.Remote.ProbeTimeoutSeconds = defaultProbeTimeout
	}
	if c.Remote.ProbeURL == "" {
		c.Remote.ProbeURL = c.Remote.Endpoint
	}
}

func (c *Config) normalizeSync() {
	if c.Sync.ConcurrencyLimit == 0 {
		c.Sync.ConcurrencyLimit = defaultConcurrencyLimit
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = defaultMaxRetries
	}
	if c.Sync.TickSeconds == 0 {
		c.Sync.TickSeconds = defaultTickSeconds
	}
}

func (c *Config) normalizeBackoff() {
	if c.Backoff.BaseDelayMS == 0 {
		c.Backoff.BaseDelayMS = defaultBackoffBaseDelayMS
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = defaultBackoffMultiplier
	}
	if c.Backoff.MaxDelayMS == 0 {
		c.Backoff.MaxDelayMS = defaultBackoffMaxDelayMS
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
