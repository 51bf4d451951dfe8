// Package storage is the system of record for postplan.
//
// It wraps an embedded SQLite database (modernc.org/sqlite, no cgo) and exposes:
//   - Queries: typed data access bound either to the database or to a transaction
//   - Store.WithTx: one unit of work with commit on success and rollback on error/panic
//   - Patch types for partial sprint/pool updates
//   - An append-only emergency log
//
// Components never hold a global handle; the *Store is injected into their constructors.
package storage
