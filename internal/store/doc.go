// Package store provides SQLite-backed durable storage for the patch history
// ledger and the backup index.
//
// Two tables:
//   - history: one row per apply operation, keyed by a monotonic
//     AUTOINCREMENT operation_id (never reused, even after Abort deletes a row)
//   - backups: one row per content-addressed backup object
//
// # Ordering
//
// All history queries order by operation_id ASC, which is the order in which
// operations began. Backup listings order by created_at ASC, id ASC.
//
// # Transitions
//
// Every status transition (pending insert, promote to applied, delete of an
// aborted pending row, mark reverted) is a single statement or a single
// transaction guarded by the expected prior status, so a crash leaves either
// the old row or the new one.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: A committed transition survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
