package ir

import (
	"fmt"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// AbsPath returns path made absolute and cleaned. The bytes of each element
// are kept as given: this is the path the ledger records and later opens, so
// it must name the same directory entry on filesystems that do not
// normalize Unicode.
func AbsPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("resolve path: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// PathKey is the history lookup key for an absolute path. Decomposed and
// composed spellings of the same name (macOS reports the former) share a key.
// Keys are for matching only and are never opened.
func PathKey(abs string) string {
	return norm.NFC.String(abs)
}
