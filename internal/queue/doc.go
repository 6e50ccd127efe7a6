// Package queue persists resurrection jobs in SQLite and exposes the
// operations that drive their lifecycle.
//
// The Store manages the database connection, schema initialization, atomic
// claiming, terminal transitions, stale-job recovery, and the read-only
// queries the CLI and watchdog report from. A job is identified by its
// (package, version, python target) tuple; enqueueing an existing tuple is
// idempotent and returns the stored row unchanged.
//
// Treat this package as the single source of truth for queue semantics; when
// you add new statuses or columns, update schema.sql and bump schemaVersion.
package queue
