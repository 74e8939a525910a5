package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/patchkit/internal/ir"
)

// WriteBackup indexes a backup object.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: snapshotting identical
// content twice keeps the first row. Returns whether a new row was inserted.
func (s *Store) WriteBackup(ctx context.Context, b ir.Backup) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backups
		(id, source_path, created_at, size_bytes, stored_bytes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		b.ID,
		b.SourcePath,
		formatTime(b.CreatedAt),
		b.SizeBytes,
		b.StoredBytes,
	)
	if err != nil {
		return false, fmt.Errorf("write backup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write backup: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteBackup removes a backup row. Returns false if no row existed.
// History rows keep their backup_id; a later revert reports the backup as
// missing.
func (s *Store) DeleteBackup(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete backup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete backup: rows affected: %w", err)
	}
	return n > 0, nil
}

// WritePending inserts a pending history entry and returns its operation ID.
//
// The entry's backup must already be indexed: the check and the insert run in
// one transaction. A missing backup returns sql.ErrNoRows.
// OperationID, Status, RevertedAt, and ResultChecksum on e are ignored.
func (s *Store) WritePending(ctx context.Context, e ir.HistoryEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("write pending: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM backups WHERE id = ?`, e.BackupID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("write pending: backup %s: %w", e.BackupID, sql.ErrNoRows)
		}
		return 0, fmt.Errorf("write pending: check backup: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO history
		(target_path, target_key, source_path, patch_id, patch_path, backup_id, batch_id, status, applied_at, ledger_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.TargetPath,
		ir.PathKey(e.TargetPath),
		e.SourcePath,
		e.PatchID,
		e.PatchPath,
		e.BackupID,
		e.BatchID,
		string(ir.StatusPending),
		formatTime(e.AppliedAt),
		ir.LedgerVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("write pending: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("write pending: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("write pending: commit: %w", err)
	}
	return id, nil
}

// PromoteApplied moves a pending entry to applied and records the checksum of
// the written output. Returns ErrStatusConflict if the entry is not pending
// and sql.ErrNoRows if it does not exist.
func (s *Store) PromoteApplied(ctx context.Context, opID int64, resultChecksum string) error {
	return s.transition(ctx, "promote applied", opID, ir.StatusPending, `
		UPDATE history
		SET status = 'applied', result_checksum = ?
		WHERE operation_id = ? AND status = 'pending'
	`, resultChecksum, opID)
}

// MarkReverted moves an applied entry to reverted. Returns ErrStatusConflict
// if the entry is not applied and sql.ErrNoRows if it does not exist.
func (s *Store) MarkReverted(ctx context.Context, opID int64, at time.Time) error {
	return s.transition(ctx, "mark reverted", opID, ir.StatusApplied, `
		UPDATE history
		SET status = 'reverted', reverted_at = ?
		WHERE operation_id = ? AND status = 'applied'
	`, formatTime(at), opID)
}

// DeletePending removes a pending entry whose apply did not commit.
// Returns ErrStatusConflict if the entry is not pending and sql.ErrNoRows if
// it does not exist.
func (s *Store) DeletePending(ctx context.Context, opID int64) error {
	return s.transition(ctx, "delete pending", opID, ir.StatusPending, `
		DELETE FROM history
		WHERE operation_id = ? AND status = 'pending'
	`, opID)
}

// transition runs a status-guarded statement. When it touches no row, the
// current row is read to distinguish a missing entry from a status conflict.
func (s *Store) transition(ctx context.Context, name string, opID int64, want ir.Status, stmt string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", name, err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", name, err)
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM history WHERE operation_id = ?`, opID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: operation %d: %w", name, opID, sql.ErrNoRows)
		}
		if err != nil {
			return fmt.Errorf("%s: read status: %w", name, err)
		}
		return fmt.Errorf("%s: operation %d is %s, want %s: %w", name, opID, status, want, ErrStatusConflict)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", name, err)
	}
	return nil
}
