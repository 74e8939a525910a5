package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/store"
)

// HistoryOptions holds flags for the history command and its subcommands.
type HistoryOptions struct {
	*RootOptions
	Target  string
	Status  string
	BatchID string
	Targets bool
	Out     string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded operations",
		Long: `List the operations recorded in the history ledger, oldest first.

Examples:
  patchkit history
  patchkit history --target game.iso
  patchkit history --status applied --format json
  patchkit history --targets`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Target, "target", "", "only operations that wrote this file")
	cmd.PersistentFlags().StringVar(&opts.Status, "status", "", "only operations with this status (pending|applied|reverted)")
	cmd.PersistentFlags().StringVar(&opts.BatchID, "batch", "", "only operations from this batch")
	cmd.Flags().BoolVar(&opts.Targets, "targets", false, "list the distinct files with recorded operations instead")

	export := &cobra.Command{
		Use:   "export",
		Short: "Write history as NDJSON",
		Long: `Write the matching history entries as newline-delimited JSON, one entry per line.

Examples:
  patchkit history export > history.ndjson
  patchkit history export --status applied --out applied.ndjson`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryExport(opts, cmd)
		},
	}
	export.Flags().StringVarP(&opts.Out, "out", "o", "", "write to this file instead of stdout")
	cmd.AddCommand(export)

	return cmd
}

func (o *HistoryOptions) filter() (store.HistoryFilter, error) {
	f := store.HistoryFilter{BatchID: o.BatchID}
	if o.Target != "" {
		p, err := ir.AbsPath(o.Target)
		if err != nil {
			return f, err
		}
		f.TargetPath = p
	}
	if o.Status != "" {
		st, err := ir.ParseStatus(o.Status)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	return f, nil
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	if opts.Targets {
		return runHistoryTargets(opts, cmd)
	}
	f := opts.formatter(cmd)
	filter, err := opts.filter()
	if err != nil {
		_ = f.Error(CodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.ledger.Query(cmd.Context(), filter)
	if err != nil {
		return f.Fail("failed to read history", err)
	}

	return f.Emit(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No operations recorded.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "OP\tSTATUS\tAPPLIED\tBACKUP\tTARGET")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
				e.OperationID, e.Status, humanize.Time(e.AppliedAt), ir.ShortID(e.BackupID), e.TargetPath)
		}
		tw.Flush()
	})
}

func runHistoryTargets(opts *HistoryOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := a.ledger.Targets(cmd.Context())
	if err != nil {
		return f.Fail("failed to list targets", err)
	}
	return f.Emit(targets, func(w io.Writer) {
		if len(targets) == 0 {
			fmt.Fprintln(w, "No operations recorded.")
			return
		}
		for _, t := range targets {
			fmt.Fprintln(w, t)
		}
	})
}

func runHistoryExport(opts *HistoryOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	filter, err := opts.filter()
	if err != nil {
		_ = f.Error(CodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	w := cmd.OutOrStdout()
	if opts.Out != "" {
		file, err := os.Create(opts.Out)
		if err != nil {
			return f.Fail("failed to create export file", err)
		}
		defer file.Close()
		w = file
	}

	n, err := a.ledger.Export(cmd.Context(), w, filter)
	if err != nil {
		return f.Fail("failed to export history", err)
	}
	a.logger.Info("history exported", "entries", n)
	return nil
}
