package patch

import (
	"bytes"
	"fmt"
	"os"

	"github.com/roach88/patchkit/internal/ir"
)

// Signatures recognized by Parse.
var (
	ipsMagic    = []byte("PATCH")
	ips32Magic  = []byte("IPS32")
	bpsMagic    = []byte("BPS1")
	customMagic = []byte("PKCP")
)

// minHeaderLen is the shortest prefix that can carry any signature.
const minHeaderLen = 4

// Parse decodes raw patch bytes.
//
// The format is chosen by signature only: PATCH (IPS), BPS1 (BPS), or PKCP.
// IPS32 is recognized and rejected with UNSUPPORTED_EXTENSION. Input with no
// recognized signature is MALFORMED_PATCH; it is never reinterpreted as the
// PKCP fallback format.
func Parse(raw []byte) (*File, error) {
	if len(raw) < minHeaderLen {
		return nil, ir.NewError(ir.ErrCodeMalformedPatch,
			"patch is %d bytes, shorter than any header", len(raw))
	}

	var (
		f   *File
		err error
	)
	switch {
	case bytes.HasPrefix(raw, ips32Magic):
		return nil, ir.NewError(ir.ErrCodeUnsupportedExtension,
			"IPS32 (32-bit offset) patches are not supported")
	case bytes.HasPrefix(raw, ipsMagic):
		f, err = parseIPS(raw)
	case bytes.HasPrefix(raw, bpsMagic):
		f, err = parseBPS(raw)
	case bytes.HasPrefix(raw, customMagic):
		f, err = parseCustom(raw)
	default:
		return nil, ir.NewError(ir.ErrCodeMalformedPatch,
			"no recognized signature (header % x)", raw[:minHeaderLen])
	}
	if err != nil {
		return nil, err
	}

	f.ID = ir.PatchID(raw)
	f.Size = len(raw)
	return f, nil
}

// ParseFile reads and decodes the patch at path.
// Read failures are IO_FAILURE; decode failures are returned as from Parse.
func ParseFile(path string) (*File, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, ir.WrapError(ir.ErrCodeIOFailure, path, err, "read patch")
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, raw, nil
}
