package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchkit/internal/testutil"
)

func TestSummarize(t *testing.T) {
	raw := testutil.EncodeIPS([]testutil.IPSRecord{
		{Offset: 0x10, Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}},
		{Offset: 0x40, RLECount: 16, RLEFill: 0x7F},
		{Offset: 0x60, Data: []byte{1}},
	}, nil)

	f, err := Parse(raw)
	require.NoError(t, err)

	s := f.Summarize()
	assert.Equal(t, "IPS", s.Format)
	assert.Equal(t, 3, s.Records)
	assert.Equal(t, map[string]int{"copy": 2, "rle": 1}, s.Kinds)
	assert.Equal(t, uint64(6), s.PayloadBytes)
	assert.Equal(t, uint64(21), s.WriteBytes)
	assert.Equal(t, len(raw), s.PatchBytes)
	assert.Equal(t, f.ID, s.PatchID)
}
