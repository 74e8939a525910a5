package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/patchkit/internal/apply"
	"github.com/roach88/patchkit/internal/backup"
	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/ledger"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/validate"
)

// DefaultTargetExtensions are the file types batch operations accept.
var DefaultTargetExtensions = []string{".wad", ".wbfs", ".iso"}

// DefaultPatchExtensions are the patch file names ParsePatch expects.
var DefaultPatchExtensions = []string{".ips", ".bps", ".patch", ".pkcp"}

// Engine runs patch operations against a ledger and a backup store.
type Engine struct {
	ledger     *ledger.Ledger
	backups    *backup.Manager
	extractor  Extractor
	ids        BatchIDGenerator
	metrics    *Metrics
	logger     *slog.Logger
	targetExts map[string]bool // empty accepts every extension
	patchExts  map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithExtractor sets the collaborator used by extract batch items.
// Without one, extract items are skipped.
func WithExtractor(x Extractor) Option {
	return func(e *Engine) {
		e.extractor = x
	}
}

// WithBatchIDGenerator overrides the UUIDv7 batch ID source.
func WithBatchIDGenerator(g BatchIDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTargetExtensions sets the batch target allow-list. An empty list
// accepts every file.
func WithTargetExtensions(exts []string) Option {
	return func(e *Engine) {
		e.targetExts = extensionSet(exts)
	}
}

// WithPatchExtensions sets the patch file extensions ParsePatch accepts
// without a warning.
func WithPatchExtensions(exts []string) Option {
	return func(e *Engine) {
		e.patchExts = extensionSet(exts)
	}
}

// New creates an Engine over l and b.
func New(l *ledger.Ledger, b *backup.Manager, opts ...Option) *Engine {
	e := &Engine{
		ledger:     l,
		backups:    b,
		ids:        UUIDv7Generator{},
		logger:     slog.Default(),
		targetExts: extensionSet(DefaultTargetExtensions),
		patchExts:  extensionSet(DefaultPatchExtensions),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = true
	}
	return set
}

func (e *Engine) acceptsTarget(path string) bool {
	if len(e.targetExts) == 0 {
		return true
	}
	return e.targetExts[strings.ToLower(filepath.Ext(path))]
}

// ParsePatch reads and decodes the patch at path.
//
// The format is detected from the file's signature, so an unexpected
// extension only logs a warning.
func (e *Engine) ParsePatch(path string) (*patch.File, error) {
	if ext := strings.ToLower(filepath.Ext(path)); len(e.patchExts) > 0 && !e.patchExts[ext] {
		e.logger.Warn("unexpected patch extension", "patch", path, "ext", ext)
	}
	p, _, err := patch.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Validate parses patchPath and checks it against targetPath.
//
// The returned error covers parse and read failures only; a patch that
// decodes but does not fit the target is reported in the Result.
func (e *Engine) Validate(patchPath, targetPath string) (validate.Result, error) {
	p, err := e.ParsePatch(patchPath)
	if err != nil {
		return validate.Result{}, err
	}
	t, err := patch.OpenTarget(targetPath)
	if err != nil {
		return validate.Result{}, err
	}
	return validate.Validate(p, t), nil
}

// ApplyRequest describes a single apply.
type ApplyRequest struct {
	PatchPath  string
	TargetPath string

	// Dest receives the patched output. Empty patches TargetPath in place.
	Dest string

	// BatchID is recorded on the ledger entry, if set.
	BatchID string
}

// ApplyReport is the result of a successful apply.
type ApplyReport struct {
	Entry    ir.HistoryEntry  `json:"entry"`
	Backup   ir.Backup        `json:"backup"`
	Warnings []validate.Issue `json:"warnings"`
}

// ApplyOne runs the full validate, snapshot, begin, apply, commit pipeline.
//
// The backup is always of the pre-patch TargetPath bytes, also when the
// output goes to Dest. Reverting the entry restores those bytes to the path
// that was written. A Dest other than TargetPath must not exist yet: its
// bytes would be overwritten without a backup, so the apply fails with
// IO_FAILURE (wrapping fs.ErrExist) before anything is written.
func (e *Engine) ApplyOne(ctx context.Context, req ApplyRequest) (ApplyReport, error) {
	if err := ctx.Err(); err != nil {
		return ApplyReport{}, err
	}
	source, err := filepath.Abs(req.TargetPath)
	if err != nil {
		return ApplyReport{}, ir.WrapError(ir.ErrCodeIOFailure, req.TargetPath, err, "resolve target path")
	}
	dest := source
	if req.Dest != "" {
		if dest, err = filepath.Abs(req.Dest); err != nil {
			return ApplyReport{}, ir.WrapError(ir.ErrCodeIOFailure, req.Dest, err, "resolve output path")
		}
	}
	if dest != source {
		if err := checkNewOutput(dest); err != nil {
			return ApplyReport{}, err
		}
	}
	log := e.logger.With("target", dest, "patch", req.PatchPath)
	if req.BatchID != "" {
		log = log.With("batch_id", req.BatchID)
	}

	p, err := e.ParsePatch(req.PatchPath)
	if err != nil {
		return ApplyReport{}, err
	}
	t, err := patch.OpenTarget(source)
	if err != nil {
		return ApplyReport{}, err
	}
	result := validate.Validate(p, t)
	for _, w := range result.Warnings {
		log.Warn("validation warning", "kind", w.Kind, "message", w.Message)
	}
	if err := result.Err(); err != nil {
		log.Info("validation failed", "code", ir.CodeOf(err), "error", err)
		return ApplyReport{}, err
	}

	b, err := e.backups.Snapshot(ctx, t)
	if err != nil {
		return ApplyReport{}, err
	}
	opID, err := e.ledger.Begin(ctx, ledger.BeginRequest{
		TargetPath: dest,
		SourcePath: source,
		PatchID:    p.ID,
		PatchPath:  req.PatchPath,
		BackupID:   b.ID,
		BatchID:    req.BatchID,
	})
	if err != nil {
		return ApplyReport{}, err
	}
	log = log.With("op_id", opID)

	res, err := apply.ApplyFile(ctx, p, t, dest)
	if err != nil {
		e.metrics.observeApplyFailure(err)
		e.abort(ctx, log, opID, err)
		return ApplyReport{}, err
	}

	if err := e.ledger.Commit(ctx, opID, res.NewChecksum); err != nil {
		// The output is on disk but unrecorded; put the old bytes back.
		if rerr := e.undo(ctx, dest, source, b.ID); rerr != nil {
			err = errors.Join(err, rerr)
		}
		e.metrics.observeApplyFailure(err)
		e.abort(ctx, log, opID, err)
		return ApplyReport{}, err
	}

	entry, err := e.ledger.Get(ctx, opID)
	if err != nil {
		return ApplyReport{}, err
	}
	log.Info("patch applied",
		"format", p.Format.String(),
		"backup_id", ir.ShortID(b.ID),
		"checksum", ir.ShortID(res.NewChecksum),
		"bytes", len(res.NewBytes),
	)
	warnings := result.Warnings
	if warnings == nil {
		warnings = []validate.Issue{}
	}
	return ApplyReport{Entry: entry, Backup: b, Warnings: warnings}, nil
}

// checkNewOutput fails unless nothing exists at dest.
func checkNewOutput(dest string) error {
	_, err := os.Lstat(dest)
	switch {
	case err == nil:
		return ir.WrapError(ir.ErrCodeIOFailure, dest, fs.ErrExist, "output already exists; remove it or choose another path")
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return ir.WrapError(ir.ErrCodeIOFailure, dest, err, "check output path")
	}
}

// abort deletes a pending entry. It runs even after ctx is cancelled so a
// cancelled apply never leaves a pending row behind.
func (e *Engine) abort(ctx context.Context, log *slog.Logger, opID int64, cause error) {
	if err := e.ledger.Abort(context.WithoutCancel(ctx), opID, cause.Error()); err != nil {
		log.Error("abort failed; entry left pending for recover", "error", err)
	}
}

// undo reverses an uncommitted write to dest: the backup is restored for an
// in-place apply and the output is removed otherwise.
func (e *Engine) undo(ctx context.Context, dest, source, backupID string) error {
	ctx = context.WithoutCancel(ctx)
	if dest == source {
		return e.backups.Restore(ctx, backupID, dest)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ir.WrapError(ir.ErrCodeIOFailure, dest, err, "remove uncommitted output")
	}
	return nil
}

// RevertOne restores the backup of an applied operation.
func (e *Engine) RevertOne(ctx context.Context, opID int64) (ir.HistoryEntry, error) {
	entry, err := e.ledger.Revert(ctx, opID)
	if err != nil {
		return ir.HistoryEntry{}, err
	}
	return entry, nil
}

// QueryHistory returns the entries for targetPath in chronological order.
// An empty targetPath returns every entry.
func (e *Engine) QueryHistory(ctx context.Context, targetPath string) ([]ir.HistoryEntry, error) {
	return e.ledger.History(ctx, targetPath)
}

// Comparison holds the bytes needed to diff an operation's target against
// its backup.
type Comparison struct {
	Entry   ir.HistoryEntry
	Before  []byte
	Current []byte
}

// Compare loads the backup of opID and the current contents of its target.
// A target that no longer exists compares as empty.
func (e *Engine) Compare(ctx context.Context, opID int64) (Comparison, error) {
	entry, err := e.ledger.Get(ctx, opID)
	if err != nil {
		return Comparison{}, err
	}
	before, err := e.backups.Load(ctx, entry.BackupID)
	if err != nil {
		return Comparison{}, err
	}
	current, err := os.ReadFile(entry.TargetPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Comparison{}, ir.WrapError(ir.ErrCodeIOFailure, entry.TargetPath, err, "read target")
	}
	return Comparison{Entry: entry, Before: before, Current: current}, nil
}

// Recovery actions reported by Recover.
const (
	RecoveryAborted  = "aborted"  // target untouched; entry dropped
	RecoveryRestored = "restored" // backup written back, entry dropped
	RecoveryRemoved  = "removed"  // out-of-place output deleted, entry dropped
)

// Recovered describes how one pending entry was resolved.
type Recovered struct {
	Entry  ir.HistoryEntry `json:"entry"`
	Action string          `json:"action"`
}

// Recover resolves every pending entry left by an interrupted apply.
//
// For an in-place entry the target is compared with its backup: equal bytes
// mean the swap never happened and the entry is aborted; otherwise the
// backup is restored first. For an out-of-place entry the output file is
// removed; ApplyOne only writes outputs that did not exist, so the file can
// only be the uncommitted result. No uncommitted mutation survives either way.
func (e *Engine) Recover(ctx context.Context) ([]Recovered, error) {
	pending, err := e.ledger.Pending(ctx)
	if err != nil {
		return nil, err
	}
	recovered := make([]Recovered, 0, len(pending))
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		action, err := e.recoverEntry(ctx, entry)
		if err != nil {
			return recovered, fmt.Errorf("recover operation %d: %w", entry.OperationID, err)
		}
		if err := e.ledger.Abort(ctx, entry.OperationID, "recovered after interrupted apply"); err != nil {
			return recovered, fmt.Errorf("recover operation %d: %w", entry.OperationID, err)
		}
		e.logger.Info("pending operation recovered",
			"op_id", entry.OperationID,
			"target", entry.TargetPath,
			"action", action,
		)
		recovered = append(recovered, Recovered{Entry: entry, Action: action})
	}
	return recovered, nil
}

func (e *Engine) recoverEntry(ctx context.Context, entry ir.HistoryEntry) (string, error) {
	if entry.TargetPath != entry.SourcePath {
		err := os.Remove(entry.TargetPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return RecoveryAborted, nil
		case err != nil:
			return "", ir.WrapError(ir.ErrCodeIOFailure, entry.TargetPath, err, "remove uncommitted output")
		}
		return RecoveryRemoved, nil
	}

	data, err := os.ReadFile(entry.TargetPath)
	switch {
	case err == nil && ir.ContentID(data) == entry.BackupID:
		return RecoveryAborted, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return "", ir.WrapError(ir.ErrCodeIOFailure, entry.TargetPath, err, "read target")
	}
	if err := e.backups.Restore(ctx, entry.BackupID, entry.TargetPath); err != nil {
		return "", err
	}
	return RecoveryRestored, nil
}
