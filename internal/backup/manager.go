package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/patchkit/internal/atomicfile"
	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/patch"
)

const (
	objectsDir = "objects"
	objectExt  = ".zst"
)

// Index records backup metadata. Implemented by *store.Store.
//
// ReadBackup returns sql.ErrNoRows for unknown IDs.
type Index interface {
	WriteBackup(ctx context.Context, b ir.Backup) (bool, error)
	ReadBackup(ctx context.Context, id string) (ir.Backup, error)
	ReadBackups(ctx context.Context) ([]ir.Backup, error)
	ReadUnreferencedBackups(ctx context.Context) ([]ir.Backup, error)
	DeleteBackup(ctx context.Context, id string) (bool, error)
}

// Manager creates, restores, and removes backups.
type Manager struct {
	dir    string
	index  Index
	level  zstd.EncoderLevel
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCompressionLevel sets the zstd level (1-22, zstd command-line scale).
// Values <= 0 keep the default.
func WithCompressionLevel(level int) Option {
	return func(m *Manager) {
		if level > 0 {
			m.level = zstd.EncoderLevelFromZstd(level)
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager rooted at dir, creating the object directory.
func New(dir string, index Index, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		index:  index,
		level:  zstd.SpeedDefault,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(filepath.Join(dir, objectsDir), 0o755); err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, dir, err, "create backup directory")
	}
	return m, nil
}

// Dir returns the backup root directory.
func (m *Manager) Dir() string {
	return m.dir
}

// ObjectPath returns where the object for id is stored.
func (m *Manager) ObjectPath(id string) string {
	prefix := id
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(m.dir, objectsDir, prefix, id+objectExt)
}

// Snapshot backs up the current bytes of t.
//
// Snapshot is idempotent: if an object for the same content already exists
// and verifies, it is reused and the existing index row is returned.
func (m *Manager) Snapshot(ctx context.Context, t *patch.Target) (ir.Backup, error) {
	data, err := t.Bytes()
	if err != nil {
		return ir.Backup{}, err
	}
	id, err := t.Checksum()
	if err != nil {
		return ir.Backup{}, err
	}
	path := m.ObjectPath(id)

	stored, err := verifyObject(path, id)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("rewriting unreadable backup object",
				"backup_id", ir.ShortID(id),
				"error", err,
			)
		}
		if stored, err = m.writeObject(ctx, path, id, data); err != nil {
			return ir.Backup{}, err
		}
	}

	b := ir.Backup{
		ID:          id,
		SourcePath:  t.Path,
		CreatedAt:   m.now().UTC(),
		SizeBytes:   int64(len(data)),
		StoredBytes: stored,
	}
	inserted, err := m.index.WriteBackup(ctx, b)
	if err != nil {
		return ir.Backup{}, ir.WrapError(ir.ErrCodeIOFailure, t.Path, err, "index backup %s", ir.ShortID(id))
	}
	if !inserted {
		existing, err := m.index.ReadBackup(ctx, id)
		if err != nil {
			return ir.Backup{}, ir.WrapError(ir.ErrCodeIOFailure, t.Path, err, "read backup %s", ir.ShortID(id))
		}
		m.logger.Debug("backup reused", "backup_id", ir.ShortID(id), "target", t.Path)
		return existing, nil
	}

	m.logger.Info("backup created",
		"backup_id", ir.ShortID(id),
		"target", t.Path,
		"bytes", b.SizeBytes,
		"stored_bytes", b.StoredBytes,
	)
	return b, nil
}

// writeObject compresses data into path atomically and verifies it by
// decompressing it again.
func (m *Manager) writeObject(ctx context.Context, path, id string, data []byte) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, ir.WrapError(ir.ErrCodeIOFailure, path, err, "create object directory")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(m.level))
	if err != nil {
		return 0, ir.WrapError(ir.ErrCodeIOFailure, path, err, "create zstd encoder")
	}
	compressed := enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	enc.Close()

	if err := atomicfile.WriteBytes(ctx, path, compressed, 0o644); err != nil {
		return 0, ir.WrapError(ir.ErrCodeIOFailure, path, err, "write backup object")
	}

	stored, err := verifyObject(path, id)
	if err != nil {
		_ = os.Remove(path)
		return 0, ir.WrapError(ir.ErrCodeIOFailure, path, err, "verify backup object")
	}
	return stored, nil
}

// verifyObject streams the object through zstd and checks its ContentID.
// Returns the compressed size. A missing object yields fs.ErrNotExist.
func verifyObject(path, id string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("open zstd stream: %w", err)
	}
	defer dec.Close()

	got, err := ir.ContentIDReader(dec)
	if err != nil {
		return 0, fmt.Errorf("decompress: %w", err)
	}
	if got != id {
		return 0, fmt.Errorf("content %s does not match backup id %s", ir.ShortID(got), ir.ShortID(id))
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Load decompresses and verifies the bytes of backup id.
// A missing object is BACKUP_MISSING; a corrupt one is IO_FAILURE.
func (m *Manager) Load(ctx context.Context, id string) ([]byte, error) {
	path := m.ObjectPath(id)
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ir.WrapError(ir.ErrCodeBackupMissing, path, err, "backup %s", ir.ShortID(id))
		}
		return nil, ir.WrapError(ir.ErrCodeIOFailure, path, err, "read backup object")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, path, err, "create zstd decoder")
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, path, err, "decompress backup %s", ir.ShortID(id))
	}
	if got := ir.ContentID(data); got != id {
		return nil, ir.NewError(ir.ErrCodeIOFailure, "backup %s is corrupt: content hashes to %s",
			ir.ShortID(id), ir.ShortID(got))
	}
	return data, nil
}

// Restore writes the bytes of backup id to dest atomically, creating the
// parent directory if needed. dest keeps its permissions when it exists.
func (m *Manager) Restore(ctx context.Context, id, dest string) error {
	data, err := m.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ir.WrapError(ir.ErrCodeIOFailure, dest, err, "create restore directory")
	}
	if err := atomicfile.WriteBytes(ctx, dest, data, atomicfile.ModeOf(dest, 0o644)); err != nil {
		return ir.WrapError(ir.ErrCodeIOFailure, dest, err, "restore backup %s", ir.ShortID(id))
	}

	m.logger.Info("backup restored", "backup_id", ir.ShortID(id), "target", dest, "bytes", len(data))
	return nil
}

// Exists reports whether id is indexed and its object is present.
func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	if _, err := m.index.ReadBackup(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, ir.WrapError(ir.ErrCodeIOFailure, "", err, "read backup %s", ir.ShortID(id))
	}
	if _, err := os.Stat(m.ObjectPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ir.WrapError(ir.ErrCodeIOFailure, m.ObjectPath(id), err, "stat backup object")
	}
	return true, nil
}

// Get returns the index row for id, or BACKUP_MISSING.
func (m *Manager) Get(ctx context.Context, id string) (ir.Backup, error) {
	b, err := m.index.ReadBackup(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Backup{}, ir.NewError(ir.ErrCodeBackupMissing, "backup %s is not indexed", ir.ShortID(id))
	}
	if err != nil {
		return ir.Backup{}, ir.WrapError(ir.ErrCodeIOFailure, "", err, "read backup %s", ir.ShortID(id))
	}
	return b, nil
}

// List returns all indexed backups, oldest first.
func (m *Manager) List(ctx context.Context) ([]ir.Backup, error) {
	backups, err := m.index.ReadBackups(ctx)
	if err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, "", err, "list backups")
	}
	return backups, nil
}

// Resolve expands an unambiguous ID prefix (as printed by ShortID) to a full
// backup ID.
func (m *Manager) Resolve(ctx context.Context, prefix string) (string, error) {
	backups, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, b := range backups {
		if b.ID == prefix {
			return b.ID, nil
		}
		if strings.HasPrefix(b.ID, prefix) {
			matches = append(matches, b.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", ir.NewError(ir.ErrCodeBackupMissing, "no backup matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("backup prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

// Delete removes backup id from the index and deletes its object.
// History entries that reference it will report BACKUP_MISSING on revert.
func (m *Manager) Delete(ctx context.Context, id string) error {
	deleted, err := m.index.DeleteBackup(ctx, id)
	if err != nil {
		return ir.WrapError(ir.ErrCodeIOFailure, "", err, "delete backup %s", ir.ShortID(id))
	}

	path := m.ObjectPath(id)
	err = os.Remove(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		if !deleted {
			return ir.NewError(ir.ErrCodeBackupMissing, "backup %s does not exist", ir.ShortID(id))
		}
	default:
		return ir.WrapError(ir.ErrCodeIOFailure, path, err, "remove backup object")
	}

	m.logger.Info("backup deleted", "backup_id", ir.ShortID(id))
	return nil
}

// PruneResult summarizes a Prune.
type PruneResult struct {
	Removed     []ir.Backup `json:"removed"`
	OrphanFiles []string    `json:"orphan_files,omitempty"`
	BytesFreed  int64       `json:"bytes_freed"`
}

// Prune deletes backups that no history entry references, and object files
// that were never indexed (left by a crash between write and index).
func (m *Manager) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult

	unused, err := m.index.ReadUnreferencedBackups(ctx)
	if err != nil {
		return res, ir.WrapError(ir.ErrCodeIOFailure, "", err, "find unreferenced backups")
	}
	for _, b := range unused {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.Delete(ctx, b.ID); err != nil && !ir.IsBackupMissing(err) {
			return res, err
		}
		res.Removed = append(res.Removed, b)
		res.BytesFreed += b.StoredBytes
	}

	indexed, err := m.List(ctx)
	if err != nil {
		return res, err
	}
	known := make(map[string]bool, len(indexed))
	for _, b := range indexed {
		known[b.ID] = true
	}

	root := filepath.Join(m.dir, objectsDir)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), objectExt) {
			return nil
		}
		if known[strings.TrimSuffix(d.Name(), objectExt)] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		res.OrphanFiles = append(res.OrphanFiles, path)
		res.BytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return res, ir.WrapError(ir.ErrCodeIOFailure, root, err, "sweep orphan objects")
	}

	m.logger.Info("backups pruned",
		"removed", len(res.Removed),
		"orphan_files", len(res.OrphanFiles),
		"bytes_freed", res.BytesFreed,
	)
	return res, nil
}
