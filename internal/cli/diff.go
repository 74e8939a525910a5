package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/ir"
)

const hexdumpWidth = 16

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	Context int
}

// DiffResult is the JSON form of the diff command's output.
type DiffResult struct {
	OperationID  int64  `json:"operation_id"`
	TargetPath   string `json:"target_path"`
	BackupID     string `json:"backup_id"`
	BeforeSize   int    `json:"before_size"`
	CurrentSize  int    `json:"current_size"`
	ChangedBytes int    `json:"changed_bytes"`
	Diff         string `json:"diff"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diff <op-id>",
		Short: "Show what an operation changed",
		Long: `Compare the backup taken before an operation with the current contents
of the file it wrote, as a unified diff of hexdump lines.

Examples:
  patchkit diff 12
  patchkit diff 12 --context 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Context, "context", 2, "unchanged hexdump lines shown around each change")

	return cmd
}

func runDiff(opts *DiffOptions, arg string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	opID, err := parseOpID(arg)
	if err != nil {
		_ = f.Error(CodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid operation id", err)
	}
	if opts.Context < 0 {
		opts.Context = 0
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cmp, err := a.engine.Compare(cmd.Context(), opID)
	if err != nil {
		return f.Fail(fmt.Sprintf("failed to compare operation %d", opID), err)
	}

	text, err := hexDiff(cmp.Before, cmp.Current,
		"backup "+ir.ShortID(cmp.Entry.BackupID), cmp.Entry.TargetPath, opts.Context)
	if err != nil {
		return f.Fail("failed to render diff", err)
	}

	res := DiffResult{
		OperationID:  cmp.Entry.OperationID,
		TargetPath:   cmp.Entry.TargetPath,
		BackupID:     cmp.Entry.BackupID,
		BeforeSize:   len(cmp.Before),
		CurrentSize:  len(cmp.Current),
		ChangedBytes: changedBytes(cmp.Before, cmp.Current),
		Diff:         text,
	}
	return f.Emit(res, func(w io.Writer) {
		if text == "" {
			fmt.Fprintf(w, "%s is identical to backup %s\n", res.TargetPath, ir.ShortID(res.BackupID))
			return
		}
		io.WriteString(w, text)
		fmt.Fprintf(w, "%s bytes differ (%s → %s)\n",
			humanize.Comma(int64(res.ChangedBytes)),
			humanize.IBytes(uint64(res.BeforeSize)),
			humanize.IBytes(uint64(res.CurrentSize)))
	})
}

// hexDiff renders a unified diff of the hexdumps of a and b. Common leading
// and trailing lines beyond the context window are dropped before diffing;
// every line carries its own offset so hunk line numbers are not needed.
func hexDiff(a, b []byte, fromFile, toFile string, context int) (string, error) {
	la, lb := hexdump(a), hexdump(b)

	prefix := 0
	for prefix < len(la) && prefix < len(lb) && la[prefix] == lb[prefix] {
		prefix++
	}
	if prefix == len(la) && prefix == len(lb) {
		return "", nil
	}
	suffix := 0
	for suffix < len(la)-prefix && suffix < len(lb)-prefix &&
		la[len(la)-1-suffix] == lb[len(lb)-1-suffix] {
		suffix++
	}
	start := max(prefix-context, 0)
	trim := max(suffix-context, 0)

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        la[start : len(la)-trim],
		B:        lb[start : len(lb)-trim],
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  context,
	})
}

// hexdump formats data as newline-terminated lines of
// "offset  hex bytes  |ascii|".
func hexdump(data []byte) []string {
	lines := make([]string, 0, (len(data)+hexdumpWidth-1)/hexdumpWidth)
	var sb strings.Builder
	for off := 0; off < len(data); off += hexdumpWidth {
		row := data[off:min(off+hexdumpWidth, len(data))]
		sb.Reset()
		fmt.Fprintf(&sb, "%08x ", off)
		for i := 0; i < hexdumpWidth; i++ {
			if i == hexdumpWidth/2 {
				sb.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&sb, " %02x", row[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString("  |")
		for _, c := range row {
			if c >= 0x20 && c < 0x7f {
				sb.WriteByte(c)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
		lines = append(lines, sb.String())
	}
	return lines
}

// changedBytes counts positions whose byte differs, treating bytes past the
// end of the shorter input as changed.
func changedBytes(a, b []byte) int {
	n := 0
	for i := 0; i < min(len(a), len(b)); i++ {
		if a[i] != b[i] {
			n++
		}
	}
	return n + max(len(a), len(b)) - min(len(a), len(b))
}
