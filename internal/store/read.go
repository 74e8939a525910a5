package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/patchkit/internal/ir"
)

const historyColumns = `
	operation_id, target_path, source_path, patch_id, patch_path, backup_id,
	batch_id, status, applied_at, reverted_at, result_checksum`

const backupColumns = `id, source_path, created_at, size_bytes, stored_bytes`

// HistoryFilter narrows ReadHistory. Zero-valued fields match everything.
type HistoryFilter struct {
	// TargetPath matches by ir.PathKey, so composed and decomposed spellings
	// of a name find the same entries.
	TargetPath string
	Status     ir.Status
	BatchID    string
}

// ReadEntry retrieves a single history entry by operation ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadEntry(ctx context.Context, opID int64) (ir.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+`
		FROM history
		WHERE operation_id = ?
	`, opID)
	return scanEntry(row)
}

// ReadHistory returns history entries matching f in operation order.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadHistory(ctx context.Context, f HistoryFilter) ([]ir.HistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.TargetPath != "" {
		where = append(where, "target_key = ?")
		args = append(args, ir.PathKey(f.TargetPath))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}

	query := `SELECT ` + historyColumns + ` FROM history`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY operation_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []ir.HistoryEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// ReadPending returns all pending entries in operation order.
// Used for crash recovery.
func (s *Store) ReadPending(ctx context.Context) ([]ir.HistoryEntry, error) {
	return s.ReadHistory(ctx, HistoryFilter{Status: ir.StatusPending})
}

// ReadBackup retrieves a single backup row by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadBackup(ctx context.Context, id string) (ir.Backup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+`
		FROM backups
		WHERE id = ?
	`, id)
	return scanBackup(row)
}

// ReadBackups returns all indexed backups ordered by creation time.
func (s *Store) ReadBackups(ctx context.Context) ([]ir.Backup, error) {
	return s.queryBackups(ctx, "read backups", `SELECT `+backupColumns+`
		FROM backups
		ORDER BY created_at ASC, id ASC
	`)
}

// ReadUnreferencedBackups returns backups that no history entry points at.
func (s *Store) ReadUnreferencedBackups(ctx context.Context) ([]ir.Backup, error) {
	return s.queryBackups(ctx, "read unreferenced backups", `SELECT b.id, b.source_path, b.created_at, b.size_bytes, b.stored_bytes
		FROM backups b
		WHERE NOT EXISTS (SELECT 1 FROM history h WHERE h.backup_id = b.id)
		ORDER BY b.created_at ASC, b.id ASC
	`)
}

// CountBackupReferences returns the number of history entries using a backup.
func (s *Store) CountBackupReferences(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE backup_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backup references: %w", err)
	}
	return n, nil
}

// ListTargets returns the distinct target paths in the ledger, sorted.
func (s *Store) ListTargets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT target_path FROM history ORDER BY target_path COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	targets := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return targets, nil
}

func (s *Store) queryBackups(ctx context.Context, name, query string, args ...any) ([]ir.Backup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer rows.Close()

	backups := []ir.Backup{}
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", name, err)
	}
	return backups, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (ir.HistoryEntry, error) {
	var (
		e          ir.HistoryEntry
		status     string
		appliedAt  string
		revertedAt sql.NullString
	)
	err := sc.Scan(
		&e.OperationID,
		&e.TargetPath,
		&e.SourcePath,
		&e.PatchID,
		&e.PatchPath,
		&e.BackupID,
		&e.BatchID,
		&status,
		&appliedAt,
		&revertedAt,
		&e.ResultChecksum,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return e, err
		}
		return e, fmt.Errorf("scan history entry: %w", err)
	}

	e.Status = ir.Status(status)
	if e.AppliedAt, err = parseTime(appliedAt); err != nil {
		return e, fmt.Errorf("scan history entry %d: %w", e.OperationID, err)
	}
	if e.RevertedAt, err = parseNullTime(revertedAt); err != nil {
		return e, fmt.Errorf("scan history entry %d: %w", e.OperationID, err)
	}
	return e, nil
}

func scanBackup(sc scanner) (ir.Backup, error) {
	var (
		b         ir.Backup
		createdAt string
	)
	err := sc.Scan(&b.ID, &b.SourcePath, &createdAt, &b.SizeBytes, &b.StoredBytes)
	if err != nil {
		if err == sql.ErrNoRows {
			return b, err
		}
		return b, fmt.Errorf("scan backup: %w", err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return b, fmt.Errorf("scan backup %s: %w", b.ID, err)
	}
	return b, nil
}
