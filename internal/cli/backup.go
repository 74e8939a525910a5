package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/patchkit/internal/backup"
	"github.com/roach88/patchkit/internal/ir"
)

// NewBackupCommand creates the backup command group.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect and clean up the backup store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupList(rootOpts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a backup by ID or unique ID prefix",
		Long: `Delete a backup.

Operations that reference the backup can no longer be reverted afterwards.

Examples:
  patchkit backup rm 3fa9c0d2e1b4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupRemove(rootOpts, args[0], cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete backups no history entry references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupPrune(rootOpts, cmd)
		},
	})

	return cmd
}

// backupListing is one row of backup ls. Missing is set when the index row
// has no object file behind it.
type backupListing struct {
	ir.Backup
	Missing bool `json:"missing,omitempty"`
}

func runBackupList(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	indexed, err := a.backups.List(ctx)
	if err != nil {
		return f.Fail("failed to list backups", err)
	}
	backups := make([]backupListing, 0, len(indexed))
	missing := 0
	for _, b := range indexed {
		ok, err := a.backups.Exists(ctx, b.ID)
		if err != nil {
			return f.Fail("failed to check backup object", err)
		}
		if !ok {
			missing++
		}
		backups = append(backups, backupListing{Backup: b, Missing: !ok})
	}

	return f.Emit(backups, func(w io.Writer) {
		if len(backups) == 0 {
			fmt.Fprintln(w, "No backups.")
			return
		}
		var total, stored uint64
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tSIZE\tSTORED\tSOURCE")
		for _, b := range backups {
			id := ir.ShortID(b.ID)
			if b.Missing {
				id += " (missing)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				id,
				humanize.Time(b.CreatedAt),
				humanize.IBytes(uint64(b.SizeBytes)),
				humanize.IBytes(uint64(b.StoredBytes)),
				b.SourcePath,
			)
			total += uint64(b.SizeBytes)
			stored += uint64(b.StoredBytes)
		}
		tw.Flush()
		fmt.Fprintf(w, "%d backups, %s (%s on disk)\n", len(backups), humanize.IBytes(total), humanize.IBytes(stored))
		if missing > 0 {
			fmt.Fprintf(w, "%d backup objects are missing; operations using them cannot be reverted\n", missing)
		}
	})
}

func runBackupRemove(opts *RootOptions, prefix string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	id, err := a.backups.Resolve(ctx, prefix)
	if err != nil {
		return f.Fail("failed to find backup", err)
	}
	refs, err := a.store.CountBackupReferences(ctx, id)
	if err != nil {
		return f.Fail("failed to check backup references", err)
	}
	if err := a.backups.Delete(ctx, id); err != nil {
		return f.Fail("failed to delete backup", err)
	}
	if refs > 0 {
		a.logger.Warn("deleted backup is still referenced; those operations can no longer be reverted",
			"backup_id", ir.ShortID(id), "references", refs)
	}

	return f.Emit(map[string]any{"id": id, "references": refs}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ deleted backup %s\n", ir.ShortID(id))
	})
}

func runBackupPrune(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.backups.Prune(cmd.Context())
	if err != nil {
		return f.Fail("failed to prune backups", err)
	}
	return f.Emit(res, func(w io.Writer) {
		writePruneResult(w, res)
	})
}

func writePruneResult(w io.Writer, res backup.PruneResult) {
	fmt.Fprintf(w, "✓ removed %d unreferenced backups and %d orphan objects, freed %s\n",
		len(res.Removed), len(res.OrphanFiles), humanize.IBytes(uint64(res.BytesFreed)))
}
