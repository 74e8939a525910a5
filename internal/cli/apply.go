package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/engine"
	"github.com/roach88/patchkit/internal/ir"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Out string
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <patch> <target>",
		Short: "Validate, back up, and apply a patch",
		Long: `Apply a patch to a target file.

The patch is validated first; nothing is written if it does not fit. The
target's current bytes are backed up and the operation is recorded in the
history ledger before the patched file is swapped in atomically.

With --out the target is left untouched and the patched file is written to
the given path instead.

Examples:
  patchkit apply fix.ips game.iso
  patchkit apply fix.bps game.iso --out game-fixed.iso`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "write the patched file here instead of in place")

	return cmd
}

func runApply(opts *ApplyOptions, patchPath, targetPath string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	rep, err := a.engine.ApplyOne(ctx, engine.ApplyRequest{
		PatchPath:  patchPath,
		TargetPath: targetPath,
		Dest:       opts.Out,
	})
	if err != nil {
		return f.Fail("failed to apply patch", err)
	}

	return f.Emit(rep, func(w io.Writer) {
		for _, warn := range rep.Warnings {
			fmt.Fprintf(w, "warning [%s]: %s\n", warn.Kind, warn.Message)
		}
		fmt.Fprintf(w, "✓ applied %s to %s\n", patchPath, rep.Entry.TargetPath)
		fmt.Fprintf(w, "  operation: %d\n", rep.Entry.OperationID)
		fmt.Fprintf(w, "  backup:    %s\n", ir.ShortID(rep.Backup.ID))
		fmt.Fprintf(w, "  checksum:  %s\n", ir.ShortID(rep.Entry.ResultChecksum))
	})
}

// NewRevertCommand creates the revert command.
func NewRevertCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revert <op-id>",
		Short: "Restore the backup taken before an operation",
		Long: `Revert an applied operation by restoring its backup over the file it wrote.

Only applied operations can be reverted. Reverting an operation while a
later operation on the same file is still applied discards the later edit
too; a warning is logged.

Examples:
  patchkit revert 12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevert(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runRevert(opts *RootOptions, arg string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	opID, err := parseOpID(arg)
	if err != nil {
		_ = f.Error(CodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid operation id", err)
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.engine.RevertOne(cmd.Context(), opID)
	if err != nil {
		return f.Fail(fmt.Sprintf("failed to revert operation %d", opID), err)
	}

	return f.Emit(entry, func(w io.Writer) {
		fmt.Fprintf(w, "✓ reverted operation %d: %s restored from backup %s\n",
			entry.OperationID, entry.TargetPath, ir.ShortID(entry.BackupID))
	})
}

func parseOpID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("operation id must be a positive integer, got %q", s)
	}
	return id, nil
}

// signalContext derives a context from cmd that is cancelled on SIGINT or
// SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
