package patch

import (
	"hash/crc32"
	"os"

	"github.com/roach88/patchkit/internal/ir"
)

// Target is a file to be validated, backed up, or patched.
//
// Bytes, Checksum, and CRC32 are computed on first use and cached. A Target
// is owned by its caller; the engine never keeps one past a single operation.
type Target struct {
	Path string

	size      int64
	data      []byte
	loaded    bool
	contentID string
	crc       uint32
	crcDone   bool
}

// OpenTarget stats path and returns a Target with its current length.
// The bytes are not read until needed.
func OpenTarget(path string) (*Target, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, path, err, "stat target")
	}
	if !info.Mode().IsRegular() {
		return nil, ir.NewError(ir.ErrCodeIOFailure, "target %s is not a regular file", path)
	}
	return &Target{Path: path, size: info.Size()}, nil
}

// NewTarget wraps bytes that are already in memory.
func NewTarget(path string, data []byte) *Target {
	return &Target{Path: path, size: int64(len(data)), data: data, loaded: true}
}

// Size returns the target length in bytes.
func (t *Target) Size() int64 {
	return t.size
}

// Bytes returns the target contents, reading the file on first call.
func (t *Target) Bytes() ([]byte, error) {
	if t.loaded {
		return t.data, nil
	}
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return nil, ir.WrapError(ir.ErrCodeIOFailure, t.Path, err, "read target")
	}
	t.data = data
	t.size = int64(len(data))
	t.loaded = true
	return t.data, nil
}

// Checksum returns ir.ContentID of the target bytes.
func (t *Target) Checksum() (string, error) {
	if t.contentID != "" {
		return t.contentID, nil
	}
	data, err := t.Bytes()
	if err != nil {
		return "", err
	}
	t.contentID = ir.ContentID(data)
	return t.contentID, nil
}

// CRC32 returns the IEEE CRC32 of the target bytes, as used by BPS.
func (t *Target) CRC32() (uint32, error) {
	if t.crcDone {
		return t.crc, nil
	}
	data, err := t.Bytes()
	if err != nil {
		return 0, err
	}
	t.crc = crc32.ChecksumIEEE(data)
	t.crcDone = true
	return t.crc, nil
}
