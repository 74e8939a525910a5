package analyze

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/testutil"
)

func discImage(id, title string, magicOffset int, magic []byte) []byte {
	buf := make([]byte, 0x100)
	copy(buf, id)
	copy(buf[magicOffset:], magic)
	copy(buf[0x20:], title)
	return buf
}

func TestClassify_Signatures(t *testing.T) {
	padded := func(prefix []byte) []byte {
		buf := make([]byte, 64)
		copy(buf, prefix)
		return buf
	}
	iso := make([]byte, headerLen)
	copy(iso[0x8001:], "CD001")

	tests := []struct {
		name   string
		path   string
		header []byte
		format string
	}{
		{"wbfs", "game.wbfs", padded([]byte("WBFS")), "WBFS"},
		{"wii disc", "game.iso", discImage("RSBE01", "SUPER SMASH BROS. BRAWL", 0x18, []byte{0x5D, 0x1C, 0x9E, 0xA3}), "WII_DISC"},
		{"gamecube disc", "game.iso", discImage("GALE01", "Melee", 0x1C, []byte{0xC2, 0x33, 0x9F, 0x3D}), "GC_DISC"},
		{"wad", "channel.wad", padded([]byte("\x00\x00\x00\x20Is\x00\x00")), "WAD"},
		{"u8", "archive.arc", padded([]byte{0x55, 0xAA, 0x38, 0x2D}), "U8"},
		{"yaz0", "data.szs", padded([]byte("Yaz0")), "YAZ0"},
		{"brres", "model.brres", padded([]byte("bres\xFE\xFF")), "BRRES"},
		{"brstm", "music.brstm", padded([]byte("RSTM")), "BRSTM"},
		{"ips", "fix.ips", padded([]byte("PATCH")), "IPS"},
		{"bps", "fix.bps", padded([]byte("BPS1")), "BPS"},
		{"pkcp", "fix.pkcp", padded([]byte("PKCP")), "PKCP"},
		{"iso9660", "disc.bin", iso, "ISO9660"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.path, tt.header, int64(len(tt.header)))
			assert.Equal(t, tt.format, r.Format)
			assert.Equal(t, MatchedBySignature, r.MatchedBy)
			assert.True(t, r.Known())
			assert.Len(t, r.Header, 2*MinSize)
		})
	}
}

func TestClassify_DiscHeader(t *testing.T) {
	r := Classify("brawl.iso", discImage("RSBE01", "SUPER SMASH BROS. BRAWL", 0x18, []byte{0x5D, 0x1C, 0x9E, 0xA3}), 0x100)
	assert.Equal(t, "RSBE01", r.GameID)
	assert.Equal(t, "SUPER SMASH BROS. BRAWL", r.Title)

	wbfs := make([]byte, 0x300)
	copy(wbfs, "WBFS")
	copy(wbfs[0x200:], "RMGE01")
	copy(wbfs[0x220:], "Super Mario Galaxy")
	r = Classify("galaxy.wbfs", wbfs, 0x300)
	assert.Equal(t, "WBFS", r.Format)
	assert.Equal(t, "RMGE01", r.GameID)
	assert.Equal(t, "Super Mario Galaxy", r.Title)
}

func TestClassify_ExtensionFallback(t *testing.T) {
	header := testutil.Pattern(32, 1)
	header[0], header[4] = 0, 0 // rule out accidental signatures

	r := Classify("/mods/Stage.BRLYT", header, 32)
	assert.Equal(t, "BRLYT", r.Format)
	assert.Equal(t, MatchedByExtension, r.MatchedBy)

	r = Classify("/mods/readme.txt", header, 32)
	assert.Equal(t, "unknown", r.Format)
	assert.False(t, r.Known())
	assert.Empty(t, r.MatchedBy)
}

func TestInspect_File(t *testing.T) {
	data := make([]byte, 1024)
	copy(data, "WBFS")
	path := testutil.WriteFile(t, t.TempDir(), "game.wbfs", data)

	r, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, "WBFS", r.Format)
	assert.Equal(t, int64(1024), r.Size)
	assert.Equal(t, path, r.Path)
}

func TestInspect_TooSmall(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "tiny.wad", []byte("WAD"))

	_, err := Inspect(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooSmall))
}

func TestInspect_Missing(t *testing.T) {
	_, err := Inspect("/does/not/exist.iso")
	assert.Error(t, err)
}
