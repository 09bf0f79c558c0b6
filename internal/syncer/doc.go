// Package syncer coordinates asset delivery: it drains the spool to the
// remote collector with bounded concurrency, applies the retry policy to
// failures, and publishes lifecycle events.
//
// A drain is single-flight. Concurrent ProcessQueue calls do not queue up
// behind each other; the loser returns immediately with a Skipped summary.
// Atomic reservation in the store means even racing processes cannot deliver
// the same asset twice.
package syncer
