// Package atomicfile replaces files atomically: data goes to a temporary file
// in the destination directory, is fsynced, and is renamed over the
// destination. Readers observe either the old contents or the new ones.
package atomicfile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const bufSize = 256 << 10

// WriteFile streams r into path atomically. The parent directory must exist.
// ctx is checked before every read from r.
func WriteFile(ctx context.Context, path string, r io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if err := tmp.Chmod(perm); err != nil {
		return fail(fmt.Errorf("chmod temp file: %w", err))
	}
	bw := bufio.NewWriterSize(tmp, bufSize)
	if _, err := io.Copy(bw, &ctxReader{ctx: ctx, r: r}); err != nil {
		return fail(fmt.Errorf("write temp file: %w", err))
	}
	if err := bw.Flush(); err != nil {
		return fail(fmt.Errorf("flush temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return SyncDir(dir)
}

// WriteBytes is WriteFile for in-memory contents.
func WriteBytes(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	return WriteFile(ctx, path, bytes.NewReader(data), perm)
}

// SyncDir fsyncs a directory so that a preceding rename survives a crash.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

// ModeOf returns the permission bits of path, or fallback if it cannot be
// stat'ed.
func ModeOf(path string, fallback os.FileMode) os.FileMode {
	info, err := os.Stat(path)
	if err != nil {
		return fallback
	}
	return info.Mode().Perm()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
