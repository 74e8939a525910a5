package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/ir"
)

const yamlManifest = `
batch_id: weekly
output_dir: out
items:
  - op: apply
    target: games/a.iso
    patch: patches/a.ips
  - op: analyze
    target: /abs/b.wbfs
    output_dir: reports
  - op: extract
    target: c.wad
`

const cueManifest = `
batch_id: "weekly"
items: [
	{op: "apply", target: "a.iso", patch: "a.bps"},
	{op: "analyze", target: "b.wbfs"},
]
`

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeManifest(t, "batch.yaml", yamlManifest)
	dir := filepath.Dir(path)

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "weekly", m.BatchID)
	assert.Equal(t, filepath.Join(dir, "out"), m.OutputDir)
	require.Len(t, m.Items, 3)
	assert.Equal(t, Entry{
		Op:     "apply",
		Target: filepath.Join(dir, "games", "a.iso"),
		Patch:  filepath.Join(dir, "patches", "a.ips"),
	}, m.Items[0])
	assert.Equal(t, "/abs/b.wbfs", m.Items[1].Target)
	assert.Equal(t, filepath.Join(dir, "reports"), m.Items[1].OutputDir)
}

func TestLoad_CUE(t *testing.T) {
	path := writeManifest(t, "batch.cue", cueManifest)
	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Items, 2)
	assert.Equal(t, "apply", m.Items[0].Op)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "a.bps"), m.Items[0].Patch)
}

func TestJob_InheritsOutputDir(t *testing.T) {
	m, err := Decode("batch.yaml", []byte(yamlManifest), FormatYAML)
	require.NoError(t, err)

	job := m.Job()
	assert.Equal(t, "weekly", job.BatchID)
	require.Len(t, job.Items, 3)
	assert.Equal(t, ir.OpApply, job.Items[0].Op)
	assert.Equal(t, "out", job.Items[0].OutputDir)
	assert.Equal(t, "reports", job.Items[1].OutputDir)
	assert.Equal(t, ir.OpExtract, job.Items[2].Op)
	assert.Equal(t, "out", job.Items[2].OutputDir)
}

func TestDecode_SchemaViolations(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		doc    string
	}{
		{"unknown op", FormatYAML, "items:\n  - op: patch\n    target: a.iso\n"},
		{"apply without patch", FormatYAML, "items:\n  - op: apply\n    target: a.iso\n"},
		{"empty target", FormatYAML, "items:\n  - op: analyze\n    target: \"\"\n"},
		{"no items", FormatYAML, "items: []\n"},
		{"missing items", FormatYAML, "batch_id: x\n"},
		{"unknown field", FormatYAML, "items:\n  - op: analyze\n    target: a.iso\n    force: true\n"},
		{"unknown top-level field", FormatCUE, `items: [{op: "analyze", target: "a.iso"}], parallel: 4`},
		{"empty document", FormatYAML, ""},
		{"bad yaml", FormatYAML, "items: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("batch", []byte(tt.doc), tt.format)
			require.Error(t, err)
			var me *Error
			assert.True(t, errors.As(err, &me), "got %T: %v", err, err)
		})
	}
}

func TestDecode_CUESyntaxErrorHasPosition(t *testing.T) {
	_, err := Decode("batch.cue", []byte("items: [\n\t{op: \"apply\"\n"), FormatCUE)
	var me *Error
	require.True(t, errors.As(err, &me), "got %v", err)
	assert.True(t, me.Pos.IsValid())
	assert.Contains(t, err.Error(), "batch.cue:")
}

func TestFormatOf(t *testing.T) {
	f, err := FormatOf("x.YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	f, err = FormatOf("x.cue")
	require.NoError(t, err)
	assert.Equal(t, FormatCUE, f)
	_, err = FormatOf("x.json")
	assert.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
