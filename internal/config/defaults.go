package config

const (
	defaultDataDir             = "~/.local/share/snapsync"
	defaultSpoolDir            = "~/.local/share/snapsync/spool"
	defaultLogDir              = "~/.local/share/snapsync/logs"
	defaultRemoteTimeout       = 60
	defaultProbeTimeout        = 5
	defaultConcurrencyLimit    = 3
	defaultMaxRetries          = 5
	defaultTickSeconds         = 300
	defaultBackoffBaseDelayMS  = 2000
	defaultBackoffMultiplier   = 2.0
	defaultBackoffMaxDelayMS   = 300000
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			SpoolDir: defaultSpoolDir,
			LogDir:   defaultLogDir,
		},
		Remote: Remote{
			TimeoutSeconds:      defaultRemoteTimeout,
			ProbeTimeoutSeconds: defaultProbeTimeout,
		},
		Sync: Sync{
			ConcurrencyLimit: defaultConcurrencyLimit,
			MaxRetries:       defaultMaxRetries,
			TickSeconds:      defaultTickSeconds,
		},
		Backoff: Backoff{
			BaseDelayMS: defaultBackoffBaseDelayMS,
			Multiplier:  defaultBackoffMultiplier,
			MaxDelayMS:  defaultBackoffMaxDelayMS,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
