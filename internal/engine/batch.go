package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/patchkit/internal/analyze"
	"github.com/roach88/patchkit/internal/atomicfile"
	"github.com/roach88/patchkit/internal/ir"
)

// Item is one unit of work in a batch.
type Item struct {
	Op     ir.OperationKind `json:"op" yaml:"op"`
	Target string           `json:"target" yaml:"target"`

	// Patch is required for apply.
	Patch string `json:"patch,omitempty" yaml:"patch,omitempty"`

	// OutputDir redirects results. For apply the output is written to
	// <OutputDir>/<stem>_patched<ext> instead of in place; for analyze a JSON
	// report is written to <OutputDir>/<stem>_analysis.json; extract unpacks
	// into <OutputDir>/<stem> (default: the target's directory).
	OutputDir string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
}

// Job is an ordered list of items.
type Job struct {
	// BatchID is generated when empty.
	BatchID string
	Items   []Item
}

// Outcome is the result of one item.
type Outcome struct {
	Index       int              `json:"index"`
	BatchID     string           `json:"batch_id"`
	Item        Item             `json:"item"`
	Status      ir.OutcomeStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Code        ir.ErrorCode     `json:"code,omitempty"`
	Err         error            `json:"-"`
	OperationID int64            `json:"operation_id,omitempty"`
	Output      string           `json:"output,omitempty"`
	Analysis    *analyze.Report  `json:"analysis,omitempty"`
	Duration    time.Duration    `json:"duration_ns"`
}

// ProgressFunc is called exactly once per item, in order, after the item
// finishes or is skipped.
type ProgressFunc func(index, total int, outcome Outcome)

// Reasons recorded on skipped outcomes.
const (
	ReasonCancelled   = "cancelled"
	ReasonNoExtractor = "no extractor configured"
)

// ValidateJob checks a job before anything runs. Every item must name a
// known operation and a target; apply items also need a patch.
func ValidateJob(job Job) error {
	if len(job.Items) == 0 {
		return NewEmptyBatchError()
	}
	for i, it := range job.Items {
		if !ir.ValidOperations[it.Op] {
			return NewUnknownOperationError(i, string(it.Op))
		}
		if strings.TrimSpace(it.Target) == "" {
			return NewMissingTargetError(i)
		}
		if it.Op == ir.OpApply && strings.TrimSpace(it.Patch) == "" {
			return NewMissingPatchError(i)
		}
	}
	return nil
}

// RunBatch processes job.Items in order and returns one Outcome per item.
//
// A job that fails ValidateJob returns the error and runs nothing. Otherwise
// the returned error is always nil: item failures are recorded as Failed
// outcomes and the batch continues. Once ctx is cancelled the remaining
// items are Skipped with reason "cancelled". The item in flight when that
// happens runs to completion on a context detached from ctx's cancellation,
// so it never stops between its backup and its ledger commit.
func (e *Engine) RunBatch(ctx context.Context, job Job, progress ProgressFunc) ([]Outcome, error) {
	if err := ValidateJob(job); err != nil {
		return nil, err
	}
	batchID := job.BatchID
	if batchID == "" {
		batchID = e.ids.Generate()
	}
	log := e.logger.With("batch_id", batchID)
	total := len(job.Items)
	log.Info("batch started", "items", total)

	outcomes := make([]Outcome, 0, total)
	counts := make(map[ir.OutcomeStatus]int, 3)
	for i, it := range job.Items {
		var o Outcome
		if ctx.Err() != nil {
			o = Outcome{Status: ir.OutcomeSkipped, Reason: ReasonCancelled}
		} else {
			start := time.Now()
			o = e.runItem(context.WithoutCancel(ctx), batchID, it)
			o.Duration = time.Since(start)
			e.metrics.observeItem(it.Op, o.Status, o.Duration)
		}
		o.Index = i
		o.BatchID = batchID
		o.Item = it
		counts[o.Status]++

		log.Debug("batch item finished",
			"index", i,
			"op", it.Op,
			"target", it.Target,
			"status", o.Status,
			"reason", o.Reason,
		)
		if progress != nil {
			progress(i, total, o)
		}
		outcomes = append(outcomes, o)
	}

	log.Info("batch finished",
		"success", counts[ir.OutcomeSuccess],
		"failed", counts[ir.OutcomeFailed],
		"skipped", counts[ir.OutcomeSkipped],
	)
	return outcomes, nil
}

func (e *Engine) runItem(ctx context.Context, batchID string, it Item) Outcome {
	if !e.acceptsTarget(it.Target) {
		return Outcome{
			Status: ir.OutcomeSkipped,
			Reason: fmt.Sprintf("extension %q is not a supported target type", filepath.Ext(it.Target)),
		}
	}
	switch it.Op {
	case ir.OpApply:
		return e.runApply(ctx, batchID, it)
	case ir.OpAnalyze:
		return e.runAnalyze(ctx, it)
	case ir.OpExtract:
		return e.runExtract(ctx, it)
	}
	return failed(NewUnknownOperationError(-1, string(it.Op)))
}

func (e *Engine) runApply(ctx context.Context, batchID string, it Item) Outcome {
	req := ApplyRequest{PatchPath: it.Patch, TargetPath: it.Target, BatchID: batchID}
	if it.OutputDir != "" {
		base := filepath.Base(it.Target)
		ext := filepath.Ext(base)
		req.Dest = filepath.Join(it.OutputDir, strings.TrimSuffix(base, ext)+"_patched"+ext)
		if err := os.MkdirAll(it.OutputDir, 0o755); err != nil {
			return failed(ir.WrapError(ir.ErrCodeIOFailure, it.OutputDir, err, "create output directory"))
		}
	}
	rep, err := e.ApplyOne(ctx, req)
	if err != nil {
		return failed(err)
	}
	return Outcome{
		Status:      ir.OutcomeSuccess,
		OperationID: rep.Entry.OperationID,
		Output:      rep.Entry.TargetPath,
	}
}

func (e *Engine) runAnalyze(ctx context.Context, it Item) Outcome {
	rep, err := analyze.Inspect(it.Target)
	if err != nil {
		return failed(err)
	}
	o := Outcome{Status: ir.OutcomeSuccess, Analysis: &rep}
	if it.OutputDir == "" {
		return o
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return failed(fmt.Errorf("encode analysis: %w", err))
	}
	if err := os.MkdirAll(it.OutputDir, 0o755); err != nil {
		return failed(ir.WrapError(ir.ErrCodeIOFailure, it.OutputDir, err, "create output directory"))
	}
	base := filepath.Base(it.Target)
	out := filepath.Join(it.OutputDir, strings.TrimSuffix(base, filepath.Ext(base))+"_analysis.json")
	if err := atomicfile.WriteBytes(ctx, out, append(data, '\n'), 0o644); err != nil {
		return failed(ir.WrapError(ir.ErrCodeIOFailure, out, err, "write analysis"))
	}
	o.Output = out
	return o
}

func (e *Engine) runExtract(ctx context.Context, it Item) Outcome {
	if e.extractor == nil {
		return Outcome{Status: ir.OutcomeSkipped, Reason: ReasonNoExtractor}
	}
	outDir := it.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(it.Target)
	}
	dir := extractDir(outDir, it.Target)
	if err := e.extractor.Extract(ctx, it.Target, dir); err != nil {
		return failed(err)
	}
	return Outcome{Status: ir.OutcomeSuccess, Output: dir}
}

func failed(err error) Outcome {
	o := Outcome{
		Status: ir.OutcomeFailed,
		Reason: err.Error(),
		Code:   ir.CodeOf(err),
		Err:    err,
	}
	return o
}
