// Package analyze identifies disc images, archives, and patch files by their
// header signatures. It backs the batch "analyze" operation.
package analyze

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/patchkit/internal/ir"
)

// MinSize is the smallest file Inspect will classify.
const MinSize = 16

// headerLen covers the ISO 9660 primary volume descriptor at 0x8001.
const headerLen = 0x8006

// ErrTooSmall is returned for files shorter than MinSize.
var ErrTooSmall = errors.New("file is too small to analyze")

// Signature is a magic byte sequence at a fixed offset.
type Signature struct {
	Format      string
	Offset      int
	Magic       []byte
	Description string
}

// Signatures are checked in order; the first match wins.
var Signatures = []Signature{
	{"WBFS", 0, []byte("WBFS"), "Wii backup file system image"},
	{"WII_DISC", 0x18, []byte{0x5D, 0x1C, 0x9E, 0xA3}, "Wii disc image"},
	{"GC_DISC", 0x1C, []byte{0xC2, 0x33, 0x9F, 0x3D}, "GameCube disc image"},
	{"WAD", 4, []byte("Is\x00\x00"), "WiiWare installable archive"},
	{"WAD", 4, []byte("ib\x00\x00"), "Wii boot archive"},
	{"U8", 0, []byte{0x55, 0xAA, 0x38, 0x2D}, "U8 archive"},
	{"YAZ0", 0, []byte("Yaz0"), "Yaz0-compressed data"},
	{"BRRES", 0, []byte("bres"), "Resource archive (textures, models)"},
	{"BRLYT", 0, []byte("RLYT"), "Layout file"},
	{"BRLAN", 0, []byte("RLAN"), "Animation file"},
	{"BRSEQ", 0, []byte("RSEQ"), "Audio sequence"},
	{"BRSTM", 0, []byte("RSTM"), "Audio stream"},
	{"BRWAV", 0, []byte("RWAV"), "Audio wave"},
	{"IPS", 0, []byte("PATCH"), "IPS patch"},
	{"BPS", 0, []byte("BPS1"), "BPS patch"},
	{"PKCP", 0, []byte("PKCP"), "patchkit custom patch"},
	{"ISO9660", 0x8001, []byte("CD001"), "ISO 9660 image"},
}

// extensionFormats is the fallback when no signature matches.
var extensionFormats = map[string]string{
	".brres": "BRRES",
	".brlyt": "BRLYT",
	".brlan": "BRLAN",
	".brseq": "BRSEQ",
	".brstm": "BRSTM",
	".brwav": "BRWAV",
	".wad":   "WAD",
	".wbfs":  "WBFS",
	".iso":   "ISO9660",
}

// Match sources.
const (
	MatchedBySignature = "signature"
	MatchedByExtension = "extension"
)

// Report describes one inspected file.
type Report struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Format      string `json:"format"`
	Description string `json:"description,omitempty"`
	MatchedBy   string `json:"matched_by,omitempty"`
	Header      string `json:"header"`
	GameID      string `json:"game_id,omitempty"`
	Title       string `json:"title,omitempty"`
}

// Known reports whether the format was identified.
func (r Report) Known() bool {
	return r.Format != "unknown"
}

// Inspect reads the header of path and classifies it.
func Inspect(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, ir.WrapError(ir.ErrCodeIOFailure, path, err, "open for analysis")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Report{}, ir.WrapError(ir.ErrCodeIOFailure, path, err, "stat for analysis")
	}

	buf := make([]byte, headerLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Report{}, ir.WrapError(ir.ErrCodeIOFailure, path, err, "read header")
	}
	if n < MinSize {
		return Report{}, fmt.Errorf("%s: %w (%d bytes)", path, ErrTooSmall, n)
	}
	return Classify(path, buf[:n], info.Size()), nil
}

// Classify identifies header, the leading bytes of a file of the given size.
func Classify(path string, header []byte, size int64) Report {
	r := Report{
		Path:   path,
		Size:   size,
		Format: "unknown",
		Header: hex.EncodeToString(header[:min(len(header), MinSize)]),
	}

	for _, sig := range Signatures {
		end := sig.Offset + len(sig.Magic)
		if end <= len(header) && bytes.Equal(header[sig.Offset:end], sig.Magic) {
			r.Format = sig.Format
			r.Description = sig.Description
			r.MatchedBy = MatchedBySignature
			break
		}
	}

	if r.MatchedBy == "" {
		if format, ok := extensionFormats[strings.ToLower(filepath.Ext(path))]; ok {
			r.Format = format
			r.Description = "identified by file extension only"
			r.MatchedBy = MatchedByExtension
		}
	}

	switch r.Format {
	case "WII_DISC", "GC_DISC":
		r.GameID, r.Title = discHeader(header, 0)
	case "WBFS":
		// The first disc header follows the 512-byte WBFS header.
		r.GameID, r.Title = discHeader(header, 0x200)
	}
	return r
}

// discHeader extracts the 6-character game ID and the title from a
// Wii/GameCube disc header starting at base.
func discHeader(header []byte, base int) (string, string) {
	if len(header) < base+0x60 {
		return "", ""
	}
	id := printable(header[base : base+6])
	title := header[base+0x20 : base+0x60]
	if i := bytes.IndexByte(title, 0); i >= 0 {
		title = title[:i]
	}
	return id, printable(title)
}

func printable(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return strings.TrimSpace(sb.String())
		}
		sb.WriteByte(c)
	}
	return strings.TrimSpace(sb.String())
}
