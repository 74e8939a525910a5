package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/engine"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resolve operations left pending by an interrupted apply",
		Long: `Find history entries that were never committed and undo their effects.

An in-place target is restored from its backup if it was modified; an
out-of-place output is removed. Each entry is then dropped from the ledger.

Examples:
  patchkit recover`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	recovered, err := a.engine.Recover(cmd.Context())
	if err != nil {
		return f.Fail("recovery did not finish", err)
	}

	return f.Emit(recovered, func(w io.Writer) {
		writeRecovered(w, recovered)
	})
}

func writeRecovered(w io.Writer, recovered []engine.Recovered) {
	if len(recovered) == 0 {
		fmt.Fprintln(w, "Nothing to recover.")
		return
	}
	for _, r := range recovered {
		fmt.Fprintf(w, "  operation %d: %s %s\n", r.Entry.OperationID, r.Action, r.Entry.TargetPath)
	}
	fmt.Fprintf(w, "✓ recovered %d pending operations\n", len(recovered))
}
