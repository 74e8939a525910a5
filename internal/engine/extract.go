package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/patchkit/internal/ir"
)

// DefaultExtractTimeout bounds a single extractor invocation.
const DefaultExtractTimeout = 5 * time.Minute

// Extractor unpacks a disc or archive image into a directory.
type Extractor interface {
	Extract(ctx context.Context, target, outDir string) error
}

// ExecExtractor runs an external tool as
//
//	<Tool> extract <target> <outDir>
//
// which matches the wit (Wiimms ISO Tools) command line.
type ExecExtractor struct {
	Tool    string
	Timeout time.Duration
}

// Extract implements Extractor. The tool's combined output is included in
// the error when it exits non-zero.
func (x ExecExtractor) Extract(ctx context.Context, target, outDir string) error {
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = DefaultExtractTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(outDir), 0o755); err != nil {
		return ir.WrapError(ir.ErrCodeIOFailure, outDir, err, "create extract directory")
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, x.Tool, "extract", target, outDir)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s extract timed out after %s", x.Tool, timeout)
		}
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			return fmt.Errorf("%s extract: %w", x.Tool, err)
		}
		return fmt.Errorf("%s extract: %w: %s", x.Tool, err, msg)
	}
	return nil
}

// extractDir returns <outDir>/<stem of target>.
func extractDir(outDir, target string) string {
	base := filepath.Base(target)
	return filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base)))
}
