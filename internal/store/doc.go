// Package store provides persistent storage for cauldron using SQLite.
//
// # Architecture
//
// The store package splits persistence into interfaces by concern:
//
//   - JobStore: Job records and their conditional status transitions
//   - AccountStore: Accounts and users
//   - HostStore: Hypervisor hosts and their connectivity status
//   - VolumeStore: Templates, storage pools, volumes and snapshots
//
// Store embeds all of them. SQLiteStore and MockStore both implement Store.
//
// # Job Records
//
// A job moves queued -> in_progress -> succeeded|failed. MarkJobInProgress
// and CompleteJob are conditional updates: they report whether the row
// actually transitioned, so a second completion of the same job is detected
// by the caller and leaves the stored result untouched.
//
// Results are stored as a tagged JSON payload (JobResult). Failed jobs carry
// an error payload of the same shape.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 text in UTC.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicate: Unique constraint collision on insert
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
//
// # Migrations
//
// Schema creation is idempotent and runMigrations adds columns missing from
// databases created by older versions.
package store
