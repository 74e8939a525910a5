package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/validate"
)

// ValidateResult is the JSON payload of the validate command.
type ValidateResult struct {
	Patch    string           `json:"patch"`
	Target   string           `json:"target"`
	OK       bool             `json:"ok"`
	Warnings []validate.Issue `json:"warnings"`
	Errors   []IssueView      `json:"errors"`
}

// IssueView is a validation error for display.
type IssueView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <patch> <target>",
		Short: "Check that a patch fits a target without writing anything",
		Long: `Check a patch against a target file.

Checks the declared sizes and checksums, that every record stays inside the
output, and that overlapping records agree. Nothing is written.

Exit status is 1 when the patch does not fit.

Examples:
  patchkit validate fix.bps game.iso`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, patchPath, targetPath string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	eng, err := opts.statelessEngine(cmd)
	if err != nil {
		return err
	}

	res, err := eng.Validate(patchPath, targetPath)
	if err != nil {
		return f.Fail("failed to validate", err)
	}

	out := ValidateResult{
		Patch:    patchPath,
		Target:   targetPath,
		OK:       res.OK,
		Warnings: res.Warnings,
		Errors:   []IssueView{},
	}
	if out.Warnings == nil {
		out.Warnings = []validate.Issue{}
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, IssueView{Code: string(ir.CodeOf(e)), Message: e.Error()})
	}

	if err := f.Emit(out, func(w io.Writer) {
		for _, warn := range out.Warnings {
			fmt.Fprintf(w, "warning [%s]: %s\n", warn.Kind, warn.Message)
		}
		for _, e := range out.Errors {
			fmt.Fprintf(w, "error: %s\n", e.Message)
		}
		if out.OK {
			fmt.Fprintf(w, "✓ %s fits %s\n", patchPath, targetPath)
		} else {
			fmt.Fprintf(w, "✗ %s does not fit %s\n", patchPath, targetPath)
		}
	}); err != nil {
		return err
	}
	if !res.OK {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}
