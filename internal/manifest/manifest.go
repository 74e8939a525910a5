// Package manifest loads batch job descriptions from YAML or CUE files.
//
// Both formats share one schema (schema.cue, embedded):
//
//	batch_id: "optional-id"
//	output_dir: "out"        # default for items that do not set one
//	items:
//	  - op: apply
//	    target: game.iso
//	    patch: fix.ips
//	  - op: analyze
//	    target: game.iso
//
// Relative paths are resolved against the manifest's directory.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/patchkit/internal/engine"
	"github.com/roach88/patchkit/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// Manifest is a decoded batch manifest.
type Manifest struct {
	BatchID   string  `json:"batch_id,omitempty"`
	OutputDir string  `json:"output_dir,omitempty"`
	Items     []Entry `json:"items"`
}

// Entry is one manifest item.
type Entry struct {
	Op        string `json:"op"`
	Target    string `json:"target"`
	Patch     string `json:"patch,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

// Error is a manifest that failed to decode or did not satisfy the schema.
type Error struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Format is a manifest encoding.
type Format int

const (
	FormatYAML Format = iota + 1
	FormatCUE
)

// FormatOf picks the encoding from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return 0, fmt.Errorf("manifest %s: unsupported extension (want .yaml, .yml, or .cue)", path)
	}
}

// Load reads, validates, and decodes the manifest at path. Relative paths
// inside it are resolved against its directory.
func Load(path string) (*Manifest, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Decode(path, data, format)
	if err != nil {
		return nil, err
	}
	m.resolve(filepath.Dir(path))
	return m, nil
}

// Decode validates data against the manifest schema and decodes it.
// filename is used in error positions only.
func Decode(filename string, data []byte, format Format) (*Manifest, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	var doc cue.Value
	switch format {
	case FormatYAML:
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &Error{Path: filename, Message: err.Error()}
		}
		if raw == nil {
			return nil, &Error{Path: filename, Message: "manifest is empty"}
		}
		doc = ctx.Encode(raw)
	case FormatCUE:
		doc = ctx.CompileBytes(data, cue.Filename(filename))
	default:
		return nil, fmt.Errorf("manifest %s: unknown format %d", filename, format)
	}
	if err := doc.Err(); err != nil {
		return nil, formatCUEError(filename, err)
	}

	v := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(filename, err)
	}

	var m Manifest
	if err := v.Decode(&m); err != nil {
		return nil, formatCUEError(filename, err)
	}
	return &m, nil
}

// formatCUEError reports the first CUE error with its position.
func formatCUEError(path string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Path: path, Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Path: path, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		e.Pos = positions[0]
	}
	return e
}

func (m *Manifest) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	m.OutputDir = abs(m.OutputDir)
	for i := range m.Items {
		it := &m.Items[i]
		it.Target = abs(it.Target)
		it.Patch = abs(it.Patch)
		it.OutputDir = abs(it.OutputDir)
	}
}

// Job converts m to an engine job. Items without an output_dir inherit the
// manifest's.
func (m *Manifest) Job() engine.Job {
	job := engine.Job{BatchID: m.BatchID, Items: make([]engine.Item, len(m.Items))}
	for i, it := range m.Items {
		out := it.OutputDir
		if out == "" {
			out = m.OutputDir
		}
		job.Items[i] = engine.Item{
			Op:        ir.OperationKind(it.Op),
			Target:    it.Target,
			Patch:     it.Patch,
			OutputDir: out,
		}
	}
	return job
}
