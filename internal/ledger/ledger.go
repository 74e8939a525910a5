// Package ledger records every apply operation as a write-ahead history entry
// and reverts committed operations from their backups.
//
// Lifecycle of an entry:
//
//	Begin  -> pending   (backup already taken)
//	Commit -> applied   (patched bytes are in place)
//	Abort  -> (deleted) (apply failed; the target was not modified)
//	Revert -> reverted  (backup restored over the target)
//
// Each transition is a single SQLite transaction. A pending entry found at
// startup means the process died between Begin and Commit/Abort; the engine's
// Recover resolves it.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/store"
)

// ErrNotFound is returned for operation IDs the ledger has never issued or
// that were aborted.
var ErrNotFound = errors.New("operation not found")

// Restorer writes the bytes of a backup to a path. Implemented by
// *backup.Manager.
type Restorer interface {
	Restore(ctx context.Context, backupID, dest string) error
}

// Ledger is the history ledger.
type Ledger struct {
	store   *store.Store
	backups Restorer
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock sets the time source for applied_at and reverted_at.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger over st. backups is used by Revert.
func New(st *store.Store, backups Restorer, opts ...Option) *Ledger {
	l := &Ledger{
		store:   st,
		backups: backups,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BeginRequest describes an operation about to be applied.
type BeginRequest struct {
	TargetPath string
	SourcePath string // defaults to TargetPath
	PatchID    string
	PatchPath  string
	BackupID   string
	BatchID    string
}

// Begin records a pending entry and returns its operation ID. The backup must
// already be indexed; otherwise BACKUP_MISSING is returned and nothing is
// written.
func (l *Ledger) Begin(ctx context.Context, req BeginRequest) (int64, error) {
	target, err := ir.AbsPath(req.TargetPath)
	if err != nil {
		return 0, err
	}
	source := target
	if req.SourcePath != "" {
		if source, err = ir.AbsPath(req.SourcePath); err != nil {
			return 0, err
		}
	}

	opID, err := l.store.WritePending(ctx, ir.HistoryEntry{
		TargetPath: target,
		SourcePath: source,
		PatchID:    req.PatchID,
		PatchPath:  req.PatchPath,
		BackupID:   req.BackupID,
		BatchID:    req.BatchID,
		AppliedAt:  l.now().UTC(),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ir.WrapError(ir.ErrCodeBackupMissing, target, err, "begin operation: backup %s is not indexed", ir.ShortID(req.BackupID))
	}
	if err != nil {
		return 0, ir.WrapError(ir.ErrCodeIOFailure, target, err, "begin operation")
	}

	l.logger.Debug("operation pending",
		"op_id", opID,
		"target", target,
		"backup_id", ir.ShortID(req.BackupID),
		"batch_id", req.BatchID,
	)
	return opID, nil
}

// Commit marks a pending operation applied and records the checksum of the
// written output.
func (l *Ledger) Commit(ctx context.Context, opID int64, resultChecksum string) error {
	if err := l.store.PromoteApplied(ctx, opID, resultChecksum); err != nil {
		return l.transitionError("commit", opID, err)
	}
	l.logger.Debug("operation applied", "op_id", opID, "checksum", ir.ShortID(resultChecksum))
	return nil
}

// Abort deletes a pending entry whose apply did not complete. reason is
// logged; the ledger keeps no trace of the operation.
func (l *Ledger) Abort(ctx context.Context, opID int64, reason string) error {
	if err := l.store.DeletePending(ctx, opID); err != nil {
		return l.transitionError("abort", opID, err)
	}
	l.logger.Warn("operation aborted", "op_id", opID, "reason", reason)
	return nil
}

// Revert restores the backup of an applied operation over its target and
// marks it reverted.
//
// Fails with ALREADY_REVERTED unless the entry is applied, and with
// BACKUP_MISSING if its backup object is gone. Reverting an operation while
// later operations on the same target are still applied is allowed; those
// later edits are lost and a warning is logged.
func (l *Ledger) Revert(ctx context.Context, opID int64) (ir.HistoryEntry, error) {
	e, err := l.Get(ctx, opID)
	if err != nil {
		return ir.HistoryEntry{}, err
	}
	if e.Status != ir.StatusApplied {
		return e, ir.NewError(ir.ErrCodeAlreadyReverted, "operation %d is %s, only applied operations can be reverted", opID, e.Status)
	}

	later, err := l.store.ReadHistory(ctx, store.HistoryFilter{TargetPath: e.TargetPath, Status: ir.StatusApplied})
	if err != nil {
		return e, ir.WrapError(ir.ErrCodeIOFailure, e.TargetPath, err, "read target history")
	}
	for _, other := range later {
		if other.OperationID > opID {
			l.logger.Warn("reverting past a later applied operation",
				"op_id", opID,
				"later_op_id", other.OperationID,
				"target", e.TargetPath,
			)
		}
	}

	if err := l.backups.Restore(ctx, e.BackupID, e.TargetPath); err != nil {
		return e, err
	}

	// The target already holds the backup bytes; record that even if ctx
	// is cancelled now.
	at := l.now().UTC()
	if err := l.store.MarkReverted(context.WithoutCancel(ctx), opID, at); err != nil {
		l.logger.Error("target restored but ledger not updated; entry still reads applied",
			"op_id", opID,
			"target", e.TargetPath,
			"backup_id", ir.ShortID(e.BackupID),
			"error", err,
		)
		return e, l.transitionError("revert", opID, err)
	}
	e.Status = ir.StatusReverted
	e.RevertedAt = &at

	l.logger.Info("operation reverted",
		"op_id", opID,
		"target", e.TargetPath,
		"backup_id", ir.ShortID(e.BackupID),
	)
	return e, nil
}

// transitionError maps store transition failures to ledger errors.
func (l *Ledger) transitionError(name string, opID int64, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s operation %d: %w", name, opID, ErrNotFound)
	case errors.Is(err, store.ErrStatusConflict) && name == "revert":
		return ir.WrapError(ir.ErrCodeAlreadyReverted, "", err, "revert operation %d", opID)
	case errors.Is(err, store.ErrStatusConflict):
		return fmt.Errorf("%s operation %d: %w", name, opID, err)
	default:
		return ir.WrapError(ir.ErrCodeIOFailure, "", err, "%s operation %d", name, opID)
	}
}

// Get returns one entry by operation ID.
func (l *Ledger) Get(ctx context.Context, opID int64) (ir.HistoryEntry, error) {
	e, err := l.store.ReadEntry(ctx, opID)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.HistoryEntry{}, fmt.Errorf("operation %d: %w", opID, ErrNotFound)
	}
	if err != nil {
		return ir.HistoryEntry{}, ir.WrapError(ir.ErrCodeIOFailure, "", err, "read operation %d", opID)
	}
	return e, nil
}

// History returns the entries for targetPath in operation order, or every
// entry when targetPath is empty.
func (l *Ledger) History(ctx context.Context, targetPath string) ([]ir.HistoryEntry, error) {
	f := store.HistoryFilter{}
	if targetPath != "" {
		p, err := ir.AbsPath(targetPath)
		if err != nil {
			return nil, err
		}
		f.TargetPath = p
	}
	return l.Query(ctx, f)
}

// Pending returns entries left pending, for crash recovery.
func (l *Ledger) Pending(ctx context.Context) ([]ir.HistoryEntry, error) {
	entries, err := l.store.ReadPending(ctx)
	if err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, "", err, "read pending entries")
	}
	return entries, nil
}

// Targets returns every path the ledger has an entry for, sorted bytewise.
func (l *Ledger) Targets(ctx context.Context) ([]string, error) {
	targets, err := l.store.ListTargets(ctx)
	if err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, "", err, "list targets")
	}
	return targets, nil
}

// Query returns entries matching f. f.TargetPath must already be absolute.
func (l *Ledger) Query(ctx context.Context, f store.HistoryFilter) ([]ir.HistoryEntry, error) {
	entries, err := l.store.ReadHistory(ctx, f)
	if err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, "", err, "read history")
	}
	return entries, nil
}

// Export writes entries matching f to w as NDJSON, one entry per line.
func (l *Ledger) Export(ctx context.Context, w io.Writer, f store.HistoryFilter) (int, error) {
	entries, err := l.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, e := range entries {
		if err := enc.Encode(e); err != nil {
			return i, fmt.Errorf("export operation %d: %w", e.OperationID, err)
		}
	}
	return len(entries), nil
}
