// Package logging builds the slog loggers used across snapsync.
//
// New constructs a logger from Options (level, format, output paths) with
// either a compact console handler or a JSON handler. Attr helpers mirror the
// slog constructors so call sites stay terse, and the Field* constants keep
// attribute keys consistent between the syncer, daemon, and CLI.
package logging
