package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/patchkit/internal/ir"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestBackup creates a backup row with minimal required fields.
func createTestBackup(id, sourcePath string, minute int) ir.Backup {
	return ir.Backup{
		ID:          id,
		SourcePath:  sourcePath,
		CreatedAt:   testEpoch.Add(time.Duration(minute) * time.Minute),
		SizeBytes:   64,
		StoredBytes: 20,
	}
}

// createTestEntry creates a pending-ready history entry.
func createTestEntry(target, backupID string) ir.HistoryEntry {
	return ir.HistoryEntry{
		TargetPath: target,
		SourcePath: target,
		PatchID:    "patch-" + filepath.Base(target),
		PatchPath:  target + ".ips",
		BackupID:   backupID,
		AppliedAt:  testEpoch,
	}
}

// mustWriteBackup indexes b or fails the test.
func mustWriteBackup(t *testing.T, s *Store, b ir.Backup) {
	t.Helper()
	if _, err := s.WriteBackup(context.Background(), b); err != nil {
		t.Fatalf("WriteBackup() failed: %v", err)
	}
}

// mustWritePending inserts a pending entry or fails the test.
func mustWritePending(t *testing.T, s *Store, e ir.HistoryEntry) int64 {
	t.Helper()
	id, err := s.WritePending(context.Background(), e)
	if err != nil {
		t.Fatalf("WritePending() failed: %v", err)
	}
	return id
}
