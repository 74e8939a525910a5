package ir

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a HistoryEntry.
type Status string

const (
	// StatusPending marks a write-ahead entry whose apply has not committed.
	StatusPending Status = "pending"

	// StatusApplied marks a committed apply. Only Applied entries can be reverted.
	StatusApplied Status = "applied"

	// StatusReverted marks an entry whose backup has been restored.
	StatusReverted Status = "reverted"
)

// ValidStatuses defines the allowed ledger statuses.
var ValidStatuses = map[Status]bool{
	StatusPending:  true,
	StatusApplied:  true,
	StatusReverted: true,
}

// ParseStatus converts a user-supplied string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !ValidStatuses[st] {
		return "", fmt.Errorf("invalid status %q: must be pending, applied, or reverted", s)
	}
	return st, nil
}

// Backup is an immutable, content-addressed snapshot of a file's bytes.
//
// ID is ContentID of the snapshotted bytes. The same content snapshotted twice
// yields the same Backup, which may then be shared by several HistoryEntries.
type Backup struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	StoredBytes int64     `json:"stored_bytes"`
}

// HistoryEntry is one row of the history ledger.
//
// TargetPath is the file that was (or would be) mutated. SourcePath is the
// file whose pre-patch bytes were backed up; it equals TargetPath for
// in-place applies.
type HistoryEntry struct {
	OperationID    int64      `json:"operation_id"`
	TargetPath     string     `json:"target_path"`
	SourcePath     string     `json:"source_path"`
	PatchID        string     `json:"patch_id"`
	PatchPath      string     `json:"patch_path,omitempty"`
	BackupID       string     `json:"backup_id"`
	BatchID        string     `json:"batch_id,omitempty"`
	Status         Status     `json:"status"`
	AppliedAt      time.Time  `json:"applied_at"`
	RevertedAt     *time.Time `json:"reverted_at,omitempty"`
	ResultChecksum string     `json:"result_checksum,omitempty"`
}

// OperationKind is the operation a batch item performs.
type OperationKind string

const (
	OpApply   OperationKind = "apply"
	OpExtract OperationKind = "extract"
	OpAnalyze OperationKind = "analyze"
)

// ValidOperations defines the allowed batch operations.
var ValidOperations = map[OperationKind]bool{
	OpApply:   true,
	OpExtract: true,
	OpAnalyze: true,
}

// OutcomeStatus is the per-item result of a batch run.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)
