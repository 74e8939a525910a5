package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/engine"
	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/manifest"
)

// BatchOptions holds flags for the batch command.
type BatchOptions struct {
	*RootOptions
	MetricsFile string
}

// BatchResult is the JSON payload of the batch command.
type BatchResult struct {
	BatchID  string                   `json:"batch_id"`
	Outcomes []engine.Outcome         `json:"outcomes"`
	Counts   map[ir.OutcomeStatus]int `json:"counts"`
}

// NewBatchCommand creates the batch command.
func NewBatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batch <manifest.yaml|manifest.cue>",
		Short: "Run apply, analyze, and extract items from a manifest",
		Long: `Run the items of a batch manifest in order.

Each item is one of:
  apply    validate, back up, and apply a patch (to output_dir if set)
  analyze  identify the file format from its header
  extract  unpack a disc image with the configured extract_tool

A failing item does not stop the batch. Targets whose extension is not in
target_extensions are skipped. Ctrl-C stops after the current item.

Exit status is 1 when any item failed.

Examples:
  patchkit batch weekly.yaml
  patchkit batch weekly.cue --metrics /var/lib/node_exporter/patchkit.prom`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsFile, "metrics", "", "write Prometheus metrics in text format to this file when done")

	return cmd
}

func runBatch(opts *BatchOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	m, err := manifest.Load(path)
	if err != nil {
		return f.Fail("failed to load manifest", err)
	}
	job := m.Job()
	if err := engine.ValidateJob(job); err != nil {
		return f.Fail("invalid batch", err)
	}

	reg := prometheus.NewRegistry()
	a, err := opts.openApp(cmd, engine.WithMetrics(engine.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	progress := func(index, total int, o engine.Outcome) {
		if f.JSON() {
			return
		}
		line := fmt.Sprintf("[%d/%d] %-7s %-7s %s", index+1, total, o.Status, o.Item.Op, o.Item.Target)
		if o.Reason != "" {
			line += ": " + o.Reason
		}
		fmt.Fprintln(f.GetErrWriter(), line)
	}

	start := time.Now()
	outcomes, err := a.engine.RunBatch(ctx, job, progress)
	if err != nil {
		return f.Fail("batch failed", err)
	}

	if opts.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, reg); err != nil {
			a.logger.Error("failed to write metrics", "path", opts.MetricsFile, "error", err)
		}
	}

	result := BatchResult{Outcomes: outcomes, Counts: map[ir.OutcomeStatus]int{}}
	for _, o := range outcomes {
		result.BatchID = o.BatchID
		result.Counts[o.Status]++
	}

	if err := f.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "batch %s: %d succeeded, %d failed, %d skipped in %s\n",
			result.BatchID,
			result.Counts[ir.OutcomeSuccess],
			result.Counts[ir.OutcomeFailed],
			result.Counts[ir.OutcomeSkipped],
			time.Since(start).Round(time.Millisecond),
		)
		for _, o := range outcomes {
			switch {
			case o.OperationID != 0:
				fmt.Fprintf(w, "  #%d %s -> %s (operation %d)\n", o.Index, o.Item.Target, o.Output, o.OperationID)
			case o.Analysis != nil:
				fmt.Fprintf(w, "  #%d %s: %s", o.Index, o.Item.Target, o.Analysis.Format)
				if o.Analysis.GameID != "" {
					fmt.Fprintf(w, " [%s] %s", o.Analysis.GameID, o.Analysis.Title)
				}
				fmt.Fprintln(w)
			case o.Output != "":
				fmt.Fprintf(w, "  #%d %s -> %s\n", o.Index, o.Item.Target, o.Output)
			}
		}
	}); err != nil {
		return err
	}

	if n := result.Counts[ir.OutcomeFailed]; n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d batch items failed", n, len(outcomes)))
	}
	return nil
}
