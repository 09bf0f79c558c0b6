// Package config loads, normalizes, and validates snapsync configuration.
//
// Load resolves the config path (explicit flag, ~/.config/snapsync, or a
// project-local snapsync.toml), decodes TOML over Default values, expands ~
// in path fields, and validates the result. Treat a *Config as immutable
// after Load.
package config
