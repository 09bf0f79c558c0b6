// Package store persists captured assets in SQLite and exposes the status
// transitions the sync engine drives.
//
// The Store is the single mutable source of truth for asset state. All
// status, retry, and server-id mutation flows through it via atomic
// single-row or reservation-batch statements; in-memory views elsewhere are
// derived caches that can be rebuilt from here at any time.
//
// Reserve is the core correctness primitive: claiming eligible rows and
// marking them uploading happens in one UPDATE, so concurrent drains (or two
// processes racing after a restart) cannot double-claim a record.
// ReconcileStaleUploading is the matching recovery step for reservations
// orphaned by an abnormal termination.
//
// Schema changes are versioned .sql files under migrations/, applied once in
// a single transaction at Open.
package store
