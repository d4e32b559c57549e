// Package stores provides the persistence layer for stepflow.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and CRUD operations for runs, executed step records, and the
// append-only trace event log.
package stores
