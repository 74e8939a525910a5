package apply

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/ir"
	"github.com/roach88/patchkit/internal/patch"
	"github.com/roach88/patchkit/internal/testutil"
)

func mustParse(t *testing.T, raw []byte) *patch.File {
	t.Helper()
	f, err := patch.Parse(raw)
	require.NoError(t, err)
	return f
}

// roundTripPairs returns source/target pairs covering in-place edits,
// growth, and shrinking.
func roundTripPairs() map[string][2][]byte {
	base := testutil.Pattern(4096, 7)

	edited := bytes.Clone(base)
	copy(edited[100:], []byte("hello, world"))
	edited[4000] ^= 0x5A

	grown := append(bytes.Clone(base), testutil.Pattern(700, 9)...)
	grown[0] = ^grown[0]

	shrunk := bytes.Clone(base[:3000])
	shrunk[2999] ^= 0x01

	return map[string][2][]byte{
		"identical":  {base, bytes.Clone(base)},
		"edited":     {base, edited},
		"grown":      {base, grown},
		"shrunk":     {base, shrunk},
		"from empty": {{}, testutil.Pattern(300, 3)},
	}
}

func TestApply_RoundTripIPS(t *testing.T) {
	for name, pair := range roundTripPairs() {
		t.Run(name, func(t *testing.T) {
			source, target := pair[0], pair[1]
			p := mustParse(t, testutil.DiffIPS(source, target))

			res, err := Apply(p, source)
			require.NoError(t, err)
			assert.Equal(t, target, res.NewBytes)
			assert.Equal(t, ir.ContentID(target), res.NewChecksum)
		})
	}
}

func TestApply_RoundTripBPS(t *testing.T) {
	for name, pair := range roundTripPairs() {
		t.Run(name, func(t *testing.T) {
			source, target := pair[0], pair[1]
			p := mustParse(t, testutil.DiffBPS(source, target))

			res, err := Apply(p, source)
			require.NoError(t, err)
			assert.Equal(t, target, res.NewBytes)
		})
	}
}

func TestApply_BPSCopyActions(t *testing.T) {
	source := []byte("ABCDEFGH")
	target := []byte("EFGHABCDxyxyxy")
	raw := testutil.EncodeBPS(source, target, nil, []testutil.BPSAction{
		{Kind: testutil.BPSSourceCopy, Length: 4, Relative: 4},
		{Kind: testutil.BPSSourceCopy, Length: 4, Relative: -8},
		{Kind: testutil.BPSTargetRead, Length: 2, Data: []byte("xy")},
		{Kind: testutil.BPSTargetCopy, Length: 4, Relative: 8},
	})

	res, err := Apply(mustParse(t, raw), source)
	require.NoError(t, err)
	assert.Equal(t, string(target), string(res.NewBytes))
}

func TestApply_BPSTargetChecksumMismatch(t *testing.T) {
	source := testutil.Pattern(32, 1)
	claimed := testutil.Pattern(32, 2)
	raw := testutil.EncodeBPS(source, claimed, nil, []testutil.BPSAction{
		{Kind: testutil.BPSSourceRead, Length: 32},
	})

	_, err := Apply(mustParse(t, raw), source)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodePostApplyVerificationFailed))
}

func TestApply_IPSScenario(t *testing.T) {
	source := make([]byte, 64)
	raw := testutil.EncodeIPS([]testutil.IPSRecord{
		{Offset: 0x10, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}, nil)

	res, err := Apply(mustParse(t, raw), source)
	require.NoError(t, err)

	want := make([]byte, 64)
	copy(want[0x10:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	assert.Equal(t, want, res.NewBytes)
	assert.Equal(t, make([]byte, 64), source, "source must not be modified")
}

func TestApply_CustomResizes(t *testing.T) {
	source := bytes.Repeat([]byte{0xFF}, 16)
	raw := testutil.EncodeCustom(testutil.Size(16), nil, []testutil.CustomOp{
		{Op: testutil.CustomOpTruncate, Size: 4},
		{Op: testutil.CustomOpExtend, Size: 12},
		{Op: testutil.CustomOpRLE, Offset: 8, Count: 2, Fill: 0x11},
		{Op: testutil.CustomOpCopy, Offset: 12, Data: []byte{0x22, 0x33}},
	})

	res, err := Apply(mustParse(t, raw), source)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xFF, 0xFF, 0xFF, 0xFF,
		0x00, 0x00, 0x00, 0x00,
		0x11, 0x11, 0x00, 0x00,
		0x22, 0x33,
	}, res.NewBytes)
}

func TestApply_OutputLimit(t *testing.T) {
	raw := testutil.EncodeCustom(nil, nil, []testutil.CustomOp{
		{Op: testutil.CustomOpExtend, Size: MaxOutputSize + 1},
	})

	_, err := Apply(mustParse(t, raw), nil)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeApplyFailed))
}

func TestGrow_RejectsSizesPastInt(t *testing.T) {
	assert.LessOrEqual(t, uint64(MaxOutputSize), uint64(math.MaxInt))

	_, err := grow(nil, uint64(math.MaxInt)+1, 0)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeApplyFailed))
}

func TestApply_BPSOutOfBoundsRead(t *testing.T) {
	source := testutil.Pattern(4, 1)
	target := testutil.Pattern(8, 1)
	raw := testutil.EncodeBPS(source, target, nil, []testutil.BPSAction{
		{Kind: testutil.BPSSourceRead, Length: 8},
	})

	_, err := Apply(mustParse(t, raw), source)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeApplyFailed))
}

func createTestTarget(t *testing.T, data []byte) (*patch.Target, string) {
	t.Helper()
	path := testutil.WriteFile(t, t.TempDir(), "game.wad", data)
	tgt, err := patch.OpenTarget(path)
	require.NoError(t, err)
	return tgt, path
}

func TestApplyFile_InPlace(t *testing.T) {
	source := make([]byte, 64)
	tgt, path := createTestTarget(t, source)
	raw := testutil.EncodeIPS([]testutil.IPSRecord{{Offset: 0x10, Data: []byte{1, 2, 3, 4}}}, nil)

	res, err := ApplyFile(context.Background(), mustParse(t, raw), tgt, "")
	require.NoError(t, err)

	got := testutil.ReadFile(t, path)
	assert.Equal(t, res.NewBytes, got)
	assert.Equal(t, []byte{1, 2, 3, 4}, got[0x10:0x14])
}

func TestApplyFile_ToDest(t *testing.T) {
	source := testutil.Pattern(128, 4)
	tgt, path := createTestTarget(t, source)
	dest := filepath.Join(t.TempDir(), "patched.wad")
	target := bytes.Clone(source)
	target[5] ^= 0xFF

	_, err := ApplyFile(context.Background(), mustParse(t, testutil.DiffBPS(source, target)), tgt, dest)
	require.NoError(t, err)

	assert.Equal(t, target, testutil.ReadFile(t, dest))
	assert.Equal(t, source, testutil.ReadFile(t, path), "source must be untouched")
}

func TestApplyFile_VerificationFailureRollsBack(t *testing.T) {
	source := testutil.Pattern(64, 5)
	raw := testutil.EncodeIPS([]testutil.IPSRecord{{Offset: 0, Data: []byte{9, 9}}}, nil)

	orig := readBack
	readBack = func(string) ([]byte, error) { return []byte("garbage"), nil }
	t.Cleanup(func() { readBack = orig })

	t.Run("in place restores original", func(t *testing.T) {
		tgt, path := createTestTarget(t, source)
		_, err := ApplyFile(context.Background(), mustParse(t, raw), tgt, "")
		require.Error(t, err)
		assert.True(t, ir.IsCode(err, ir.ErrCodePostApplyVerificationFailed))
		assert.Equal(t, source, testutil.ReadFile(t, path))
	})

	t.Run("dest is removed", func(t *testing.T) {
		tgt, _ := createTestTarget(t, source)
		dest := filepath.Join(t.TempDir(), "out.wad")
		_, err := ApplyFile(context.Background(), mustParse(t, raw), tgt, dest)
		require.Error(t, err)
		_, statErr := os.Stat(dest)
		assert.True(t, errors.Is(statErr, os.ErrNotExist))
	})
}

func TestApplyFile_ApplyErrorLeavesTarget(t *testing.T) {
	source := testutil.Pattern(32, 1)
	tgt, path := createTestTarget(t, source)
	raw := testutil.EncodeBPS(source, testutil.Pattern(32, 2), nil, []testutil.BPSAction{
		{Kind: testutil.BPSSourceRead, Length: 32},
	})

	_, err := ApplyFile(context.Background(), mustParse(t, raw), tgt, "")
	require.Error(t, err)
	assert.Equal(t, source, testutil.ReadFile(t, path))
}

func TestApplyFile_Cancelled(t *testing.T) {
	source := testutil.Pattern(32, 1)
	tgt, path := createTestTarget(t, source)
	raw := testutil.EncodeIPS([]testutil.IPSRecord{{Offset: 0, Data: []byte{1}}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ApplyFile(ctx, mustParse(t, raw), tgt, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, source, testutil.ReadFile(t, path))
}
