package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/patch"
)

// ParseOptions holds flags for the parse command.
type ParseOptions struct {
	*RootOptions
	Records bool
}

// ParseResult is the JSON payload of the parse command.
type ParseResult struct {
	Path    string        `json:"path"`
	Summary patch.Summary `json:"summary"`
	Records []RecordView  `json:"records,omitempty"`
}

// RecordView is one decoded record for display.
type RecordView struct {
	Index        int    `json:"index"`
	Kind         string `json:"kind"`
	Offset       uint64 `json:"offset"`
	Length       uint64 `json:"length"`
	SourceOffset uint64 `json:"source_offset,omitempty"`
}

// NewParseCommand creates the parse command.
func NewParseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "parse <patch>",
		Short: "Decode and describe a patch file",
		Long: `Decode a patch and print its format, header fields, and record counts.

The format is detected from the file's signature (PATCH, BPS1, PKCP), not
its extension.

Examples:
  patchkit parse fix.ips
  patchkit parse fix.bps --records
  patchkit parse fix.bps --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Records, "records", false, "list every record")

	return cmd
}

func runParse(opts *ParseOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	eng, err := opts.statelessEngine(cmd)
	if err != nil {
		return err
	}

	p, err := eng.ParsePatch(path)
	if err != nil {
		return f.Fail("failed to parse patch", err)
	}

	result := ParseResult{Path: path, Summary: p.Summarize()}
	if opts.Records {
		result.Records = make([]RecordView, len(p.Records))
		for i, rec := range p.Records {
			result.Records[i] = RecordView{
				Index:        i,
				Kind:         rec.Kind.String(),
				Offset:       rec.Offset,
				Length:       rec.Extent(),
				SourceOffset: rec.SourceOffset,
			}
		}
	}

	return f.Emit(result, func(w io.Writer) {
		writeSummary(w, result)
	})
}

func writeSummary(w io.Writer, r ParseResult) {
	s := r.Summary
	fmt.Fprintf(w, "%s\n", r.Path)
	fmt.Fprintf(w, "  format:        %s\n", s.Format)
	fmt.Fprintf(w, "  patch id:      %s\n", s.PatchID)
	fmt.Fprintf(w, "  patch size:    %s\n", humanize.IBytes(uint64(s.PatchBytes)))
	if s.SourceSize != nil {
		fmt.Fprintf(w, "  source size:   %s (%s bytes)\n", humanize.IBytes(*s.SourceSize), humanize.Comma(int64(*s.SourceSize)))
	}
	if s.TargetSize != nil {
		fmt.Fprintf(w, "  target size:   %s (%s bytes)\n", humanize.IBytes(*s.TargetSize), humanize.Comma(int64(*s.TargetSize)))
	}
	if s.SourceCRC32 != nil {
		fmt.Fprintf(w, "  source crc32:  %08x\n", *s.SourceCRC32)
	}
	if s.TargetCRC32 != nil {
		fmt.Fprintf(w, "  target crc32:  %08x\n", *s.TargetCRC32)
	}
	if s.PatchCRC32 != nil {
		fmt.Fprintf(w, "  patch crc32:   %08x\n", *s.PatchCRC32)
	}
	if s.Metadata != "" {
		fmt.Fprintf(w, "  metadata:      %q\n", s.Metadata)
	}
	fmt.Fprintf(w, "  records:       %d\n", s.Records)

	kinds := make([]string, 0, len(s.Kinds))
	for k := range s.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "    %-12s %d\n", k, s.Kinds[k])
	}
	fmt.Fprintf(w, "  payload bytes: %s\n", humanize.Comma(int64(s.PayloadBytes)))
	fmt.Fprintf(w, "  write bytes:   %s\n", humanize.Comma(int64(s.WriteBytes)))

	for _, rec := range r.Records {
		switch rec.Kind {
		case "source_copy", "target_copy":
			fmt.Fprintf(w, "  #%-4d %-12s offset=0x%06x length=%d from=0x%06x\n", rec.Index, rec.Kind, rec.Offset, rec.Length, rec.SourceOffset)
		default:
			fmt.Fprintf(w, "  #%-4d %-12s offset=0x%06x length=%d\n", rec.Index, rec.Kind, rec.Offset, rec.Length)
		}
	}
}
