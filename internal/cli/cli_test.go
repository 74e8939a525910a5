package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/backup"
	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/ledger"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/store"
	"github.com/roach88/patchkit/internal/testutil"
)

// cliEnv is an isolated PATCHKIT_HOME plus a scratch directory for targets
// and patches.
type cliEnv struct {
	home string
	dir  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	env := &cliEnv{home: t.TempDir(), dir: t.TempDir()}
	t.Setenv("PATCHKIT_HOME", env.home)
	t.Setenv("PATCHKIT_CONFIG", "")
	return env
}

type cliResult struct {
	stdout string
	stderr string
	err    error
}

func (r cliResult) exitCode() int {
	if r.err == nil {
		return ExitSuccess
	}
	return GetExitCode(r.err)
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return cliResult{stdout: out.String(), stderr: errOut.String(), err: err}
}

// decodeData unmarshals the data field of a JSON CLIResponse into v.
func decodeData(t *testing.T, stdout string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(t, "ok", resp.Status, stdout)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// ipsFixture writes a 256-byte target and an IPS patch that rewrites two
// regions of it, returning the paths and the expected patched bytes.
func (e *cliEnv) ipsFixture(t *testing.T) (target, patchPath string, source, patched []byte) {
	t.Helper()
	source = testutil.Pattern(256, 7)
	patched = bytes.Clone(source)
	copy(patched[0x20:], "PATCHKIT")
	for i := 0x80; i < 0x90; i++ {
		patched[i] = 0xEE
	}
	target = testutil.WriteFile(t, e.dir, "game.iso", source)
	patchPath = testutil.WriteFile(t, e.dir, "fix.ips", testutil.DiffIPS(source, patched))
	return target, patchPath, source, patched
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"parse", "validate", "apply", "revert", "batch", "history", "backup", "diff", "recover"} {
		assert.Contains(t, names, want)
	}

	for _, flag := range []string{"verbose", "format", "config", "backup-dir", "ledger"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRootCommand_Version(t *testing.T) {
	res := runCLI(t, "--version")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, ir.EngineVersion)
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	newCLIEnv(t)
	res := runCLI(t, "--format", "yaml", "parse", "testdata/fix.ips")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, res.exitCode())
	assert.Contains(t, res.err.Error(), "invalid format")
}

func TestParse_Golden(t *testing.T) {
	newCLIEnv(t)
	res := runCLI(t, "parse", "--records", "testdata/fix.ips")
	require.NoError(t, res.err, res.stdout)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "parse_ips", []byte(res.stdout))
}

func TestParse_JSON(t *testing.T) {
	newCLIEnv(t)
	res := runCLI(t, "--format", "json", "parse", "testdata/fix.ips")
	require.NoError(t, res.err)

	var got ParseResult
	decodeData(t, res.stdout, &got)
	assert.Equal(t, "IPS", got.Summary.Format)
	assert.Equal(t, 3, got.Summary.Records)
	assert.Equal(t, uint64(37), got.Summary.WriteBytes)
	assert.Empty(t, got.Records)
}

func TestParse_Malformed(t *testing.T) {
	env := newCLIEnv(t)
	bad := testutil.WriteFile(t, env.dir, "bad.ips", []byte("PATCH\x00\x00"))

	res := runCLI(t, "parse", bad)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, res.exitCode())
	assert.Contains(t, res.stdout, "Error [MALFORMED_PATCH]")
}

func TestValidate(t *testing.T) {
	env := newCLIEnv(t)
	source := testutil.Pattern(128, 1)
	want := bytes.Clone(source)
	copy(want[10:], "changed")
	bps := testutil.WriteFile(t, env.dir, "fix.bps", testutil.DiffBPS(source, want))
	good := testutil.WriteFile(t, env.dir, "good.iso", source)
	wrong := testutil.WriteFile(t, env.dir, "wrong.iso", testutil.Pattern(128, 2))

	t.Run("fits", func(t *testing.T) {
		res := runCLI(t, "validate", bps, good)
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "✓")
		assert.Contains(t, res.stdout, "fits")
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		res := runCLI(t, "validate", bps, wrong)
		require.Error(t, res.err)
		assert.Equal(t, ExitFailure, res.exitCode())
		assert.Contains(t, res.stdout, "does not fit")
	})

	t.Run("json", func(t *testing.T) {
		res := runCLI(t, "--format", "json", "validate", bps, wrong)
		require.Error(t, res.err)

		var got ValidateResult
		decodeData(t, res.stdout, &got)
		assert.False(t, got.OK)
		require.NotEmpty(t, got.Errors)
		assert.Equal(t, string(ir.ErrCodeTargetMismatch), got.Errors[0].Code)
	})

	// Nothing stateful ran.
	_, err := os.Stat(filepath.Join(env.home, "ledger.db"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyRevert(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, source, patched := env.ipsFixture(t)

	res := runCLI(t, "apply", patchPath, target)
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "✓ applied")
	assert.Contains(t, res.stdout, "operation: 1")
	assert.Equal(t, patched, testutil.ReadFile(t, target))

	res = runCLI(t, "--format", "json", "history")
	require.NoError(t, res.err)
	var entries []ir.HistoryEntry
	decodeData(t, res.stdout, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.StatusApplied, entries[0].Status)
	assert.Equal(t, ir.ContentID(source), entries[0].BackupID)
	assert.Equal(t, ir.ContentID(patched), entries[0].ResultChecksum)

	res = runCLI(t, "revert", "1")
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "✓ reverted operation 1")
	assert.Equal(t, source, testutil.ReadFile(t, target))

	res = runCLI(t, "revert", "1")
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, res.exitCode())
	assert.Contains(t, res.stdout, "ALREADY_REVERTED")

	res = runCLI(t, "history", "--status", "reverted")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "reverted")
	assert.Contains(t, res.stdout, target)
}

func TestApply_Out(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, source, patched := env.ipsFixture(t)
	dest := filepath.Join(env.dir, "game-fixed.iso")

	res := runCLI(t, "apply", patchPath, target, "--out", dest)
	require.NoError(t, res.err, res.stdout)
	assert.Equal(t, source, testutil.ReadFile(t, target))
	assert.Equal(t, patched, testutil.ReadFile(t, dest))
}

func TestApply_OutRefusesExistingFile(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, source, _ := env.ipsFixture(t)
	dest := testutil.WriteFile(t, env.dir, "game-fixed.iso", []byte("keep me"))

	res := runCLI(t, "apply", patchPath, target, "--out", dest)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, res.exitCode())
	assert.Contains(t, res.stdout, "already exists")
	assert.Equal(t, []byte("keep me"), testutil.ReadFile(t, dest))
	assert.Equal(t, source, testutil.ReadFile(t, target))
}

func TestApply_MismatchWritesNothing(t *testing.T) {
	env := newCLIEnv(t)
	source := testutil.Pattern(64, 3)
	want := bytes.Clone(source)
	want[5] ^= 0xFF
	bps := testutil.WriteFile(t, env.dir, "fix.bps", testutil.DiffBPS(source, want))
	other := testutil.Pattern(64, 4)
	target := testutil.WriteFile(t, env.dir, "other.iso", other)

	res := runCLI(t, "apply", bps, target)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, res.exitCode())
	assert.Contains(t, res.stdout, "TARGET_MISMATCH")
	assert.Equal(t, other, testutil.ReadFile(t, target))

	res = runCLI(t, "backup", "ls")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "No backups.")
}

func TestRevert_InvalidID(t *testing.T) {
	newCLIEnv(t)
	for _, arg := range []string{"abc", "0", "-3"} {
		res := runCLI(t, "revert", "--", arg)
		require.Error(t, res.err, arg)
		assert.Equal(t, ExitCommandError, res.exitCode(), arg)
	}

	res := runCLI(t, "revert", "42")
	require.Error(t, res.err)
	assert.Contains(t, res.stdout, "Error [NOT_FOUND]")
}

func TestHistory_Filters(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, _, _ := env.ipsFixture(t)
	other := testutil.WriteFile(t, env.dir, "other.iso", testutil.Pattern(256, 7))

	require.NoError(t, runCLI(t, "apply", patchPath, target).err)
	require.NoError(t, runCLI(t, "apply", patchPath, other).err)

	res := runCLI(t, "--format", "json", "history", "--target", other)
	require.NoError(t, res.err)
	var entries []ir.HistoryEntry
	decodeData(t, res.stdout, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].OperationID)

	res = runCLI(t, "--format", "json", "history", "--targets")
	require.NoError(t, res.err)
	var targets []string
	decodeData(t, res.stdout, &targets)
	assert.Equal(t, []string{target, other}, targets)

	res = runCLI(t, "history", "--status", "bogus")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, res.exitCode())
}

func TestHistory_Empty(t *testing.T) {
	newCLIEnv(t)
	res := runCLI(t, "history")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "No operations recorded.")
}

func TestHistoryExport(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, _, _ := env.ipsFixture(t)
	require.NoError(t, runCLI(t, "apply", patchPath, target).err)
	require.NoError(t, runCLI(t, "revert", "1").err)
	require.NoError(t, runCLI(t, "apply", patchPath, target).err)

	out := filepath.Join(env.dir, "history.ndjson")
	res := runCLI(t, "history", "export", "--out", out)
	require.NoError(t, res.err, res.stdout)

	file, err := os.Open(out)
	require.NoError(t, err)
	defer file.Close()

	var statuses []ir.Status
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var e ir.HistoryEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		statuses = append(statuses, e.Status)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []ir.Status{ir.StatusReverted, ir.StatusApplied}, statuses)

	res = runCLI(t, "history", "export", "--status", "applied")
	require.NoError(t, res.err)
	assert.Equal(t, 1, strings.Count(res.stdout, "\n"))
}

func TestBackupCommands(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, source, _ := env.ipsFixture(t)
	require.NoError(t, runCLI(t, "apply", patchPath, target).err)

	id := ir.ContentID(source)

	res := runCLI(t, "backup", "ls")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, ir.ShortID(id))
	assert.Contains(t, res.stdout, "1 backups")

	// Referenced backups survive a prune.
	res = runCLI(t, "--format", "json", "backup", "prune")
	require.NoError(t, res.err)
	var pruned backup.PruneResult
	decodeData(t, res.stdout, &pruned)
	assert.Empty(t, pruned.Removed)

	res = runCLI(t, "backup", "rm", id[:8])
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "✓ deleted backup "+ir.ShortID(id))
	assert.Contains(t, res.stderr, "can no longer be reverted")

	res = runCLI(t, "revert", "1")
	require.Error(t, res.err)
	assert.Contains(t, res.stdout, "BACKUP_MISSING")

	res = runCLI(t, "backup", "rm", "ffff")
	require.Error(t, res.err)
	assert.Contains(t, res.stdout, "BACKUP_MISSING")
}

func TestBackupList_FlagsMissingObject(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, source, _ := env.ipsFixture(t)
	require.NoError(t, runCLI(t, "apply", patchPath, target).err)

	id := ir.ContentID(source)
	require.NoError(t, os.Remove(filepath.Join(env.home, "backups", "objects", id[:2], id+".zst")))

	res := runCLI(t, "backup", "ls")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, ir.ShortID(id)+" (missing)")
	assert.Contains(t, res.stdout, "1 backup objects are missing")

	res = runCLI(t, "--format", "json", "backup", "ls")
	require.NoError(t, res.err)
	var listed []backupListing
	decodeData(t, res.stdout, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)
	assert.True(t, listed[0].Missing)
}

func TestBackupPrune_Orphans(t *testing.T) {
	env := newCLIEnv(t)
	orphan := filepath.Join(env.home, "backups", "objects", "ab", "ab12.zst")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o755))
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0o644))

	res := runCLI(t, "backup", "prune")
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "0 unreferenced backups and 1 orphan objects")
	assert.NoFileExists(t, orphan)
}

func TestDiff(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, _, _ := env.ipsFixture(t)
	require.NoError(t, runCLI(t, "apply", patchPath, target).err)

	res := runCLI(t, "diff", "1", "--context", "0")
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "--- backup ")
	assert.Contains(t, res.stdout, "+++ "+target)
	assert.Contains(t, res.stdout, "-00000020 ")
	assert.Contains(t, res.stdout, "+00000020 ")
	assert.Contains(t, res.stdout, "|PATCHKIT")
	assert.Contains(t, res.stdout, "23 bytes differ")

	require.NoError(t, runCLI(t, "revert", "1").err)
	res = runCLI(t, "--format", "json", "diff", "1")
	require.NoError(t, res.err)
	var got DiffResult
	decodeData(t, res.stdout, &got)
	assert.Empty(t, got.Diff)
	assert.Zero(t, got.ChangedBytes)
}

func TestHexDiff(t *testing.T) {
	a := testutil.Pattern(64, 9)
	b := bytes.Clone(a)
	b[40] ^= 0x01

	text, err := hexDiff(a, b, "before", "after", 0)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 5, text)
	assert.Equal(t, "--- before", lines[0])
	assert.Equal(t, "+++ after", lines[1])
	assert.True(t, strings.HasPrefix(lines[3], "-00000020 "))
	assert.True(t, strings.HasPrefix(lines[4], "+00000020 "))

	same, err := hexDiff(a, a, "before", "after", 2)
	require.NoError(t, err)
	assert.Empty(t, same)
}

func TestHexdump(t *testing.T) {
	lines := hexdump([]byte("Hello, patch!\x00\x01\x02tail"))
	require.Len(t, lines, 2)
	assert.Equal(t, "00000000  48 65 6c 6c 6f 2c 20 70  61 74 63 68 21 00 01 02  |Hello, patch!...|\n", lines[0])
	assert.Equal(t, "00000010  74 61 69 6c                                       |tail|\n", lines[1])
}

func TestChangedBytes(t *testing.T) {
	assert.Equal(t, 0, changedBytes([]byte("abc"), []byte("abc")))
	assert.Equal(t, 1, changedBytes([]byte("abc"), []byte("abd")))
	assert.Equal(t, 3, changedBytes([]byte("abc"), []byte("abcdef")))
}

func TestRecover(t *testing.T) {
	env := newCLIEnv(t)
	target, patchPath, source, _ := env.ipsFixture(t)

	res := runCLI(t, "recover")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Nothing to recover.")

	// Simulate a crash after the target was swapped but before commit.
	ctx := context.Background()
	st, err := store.Open(filepath.Join(env.home, "ledger.db"))
	require.NoError(t, err)
	bm, err := backup.New(filepath.Join(env.home, "backups"), st)
	require.NoError(t, err)
	tgt, err := patch.OpenTarget(target)
	require.NoError(t, err)
	b, err := bm.Snapshot(ctx, tgt)
	require.NoError(t, err)
	_, err = ledger.New(st, bm).Begin(ctx, ledger.BeginRequest{
		TargetPath: target,
		PatchID:    ir.PatchID(testutil.ReadFile(t, patchPath)),
		PatchPath:  patchPath,
		BackupID:   b.ID,
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, os.WriteFile(target, []byte("half-written"), 0o644))

	res = runCLI(t, "recover")
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "operation 1: restored "+target)
	assert.Contains(t, res.stdout, "✓ recovered 1 pending operations")
	assert.Equal(t, source, testutil.ReadFile(t, target))

	res = runCLI(t, "--format", "json", "history")
	require.NoError(t, res.err)
	var entries []ir.HistoryEntry
	decodeData(t, res.stdout, &entries)
	assert.Empty(t, entries)
}

func TestBatch(t *testing.T) {
	env := newCLIEnv(t)
	target, _, _, patched := env.ipsFixture(t)
	header := make([]byte, 64)
	copy(header, "WBFS")
	testutil.WriteFile(t, env.dir, "disc.wbfs", header)
	metrics := filepath.Join(env.dir, "patchkit.prom")

	manifestPath := testutil.WriteFile(t, env.dir, "weekly.yaml", []byte(`
batch_id: weekly-1
output_dir: out
items:
  - op: apply
    target: game.iso
    patch: fix.ips
  - op: analyze
    target: disc.wbfs
`))

	res := runCLI(t, "batch", manifestPath, "--metrics", metrics)
	require.NoError(t, res.err, res.stdout+res.stderr)
	assert.Contains(t, res.stdout, "batch weekly-1: 2 succeeded, 0 failed, 0 skipped")
	assert.Contains(t, res.stderr, "[1/2]")
	assert.Contains(t, res.stderr, "[2/2]")

	out := filepath.Join(env.dir, "out")
	assert.Equal(t, patched, testutil.ReadFile(t, filepath.Join(out, "game_patched.iso")))
	assert.FileExists(t, filepath.Join(out, "disc_analysis.json"))
	assert.NotEqual(t, patched, testutil.ReadFile(t, target))

	prom := string(testutil.ReadFile(t, metrics))
	assert.Contains(t, prom, `patchkit_batch_items_total{op="apply",status="success"} 1`)
	assert.Contains(t, prom, `patchkit_batch_items_total{op="analyze",status="success"} 1`)

	res = runCLI(t, "--format", "json", "history", "--batch", "weekly-1")
	require.NoError(t, res.err)
	var entries []ir.HistoryEntry
	decodeData(t, res.stdout, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Join(out, "game_patched.iso"), entries[0].TargetPath)
}

func TestBatch_ItemFailureExitsOne(t *testing.T) {
	env := newCLIEnv(t)
	testutil.WriteFile(t, env.dir, "tiny.iso", []byte("short"))
	manifestPath := testutil.WriteFile(t, env.dir, "m.yaml", []byte(`
items:
  - op: analyze
    target: tiny.iso
  - op: analyze
    target: notes.txt
`))

	res := runCLI(t, "--format", "json", "batch", manifestPath)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, res.exitCode())

	var got BatchResult
	decodeData(t, res.stdout, &got)
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, ir.OutcomeFailed, got.Outcomes[0].Status)
	assert.Equal(t, ir.OutcomeSkipped, got.Outcomes[1].Status)
	assert.Equal(t, 1, got.Counts[ir.OutcomeFailed])
	assert.NotEmpty(t, got.BatchID)
}

func TestBatch_InvalidManifest(t *testing.T) {
	env := newCLIEnv(t)
	manifestPath := testutil.WriteFile(t, env.dir, "m.yaml", []byte(`
items:
  - op: apply
    target: game.iso
`))

	res := runCLI(t, "batch", manifestPath)
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, res.exitCode())
	assert.Contains(t, res.stdout, "Error [INVALID_MANIFEST]")

	// No ledger is opened for a manifest that fails to load.
	_, err := os.Stat(filepath.Join(env.home, "ledger.db"))
	assert.True(t, os.IsNotExist(err))
}
