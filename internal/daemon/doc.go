// Package daemon coordinates the long-running snapsync process.
//
// It wires configuration, the spool store, the syncer, and notifications
// into a single lifecycle with flock-based locking to prevent multiple
// instances. Startup reconciles uploads interrupted by a previous run, then
// a loop drains the spool on a fixed tick, immediately after each enqueue,
// and on the backoff advisory when a drain left retryable failures behind.
//
// Keep orchestration logic here: delivery mechanics live in syncer and
// transport while the daemon focuses on startup, shutdown, and scheduling.
package daemon
