package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierForContextSize(t *testing.T) {
	cases := []struct {
		size int
		want Tier
	}{
		{2048, TierT1},
		{4096, TierT1},
		{4097, TierT2},
		{8192, TierT2},
		{16384, TierT3},
		{32768, TierT4},
		{65536, TierT5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierForContextSize(tc.size), "size %d", tc.size)
	}
}

func TestTier_String(t *testing.T) {
	assert.Equal(t, "T1", TierT1.String())
	assert.Equal(t, "T5", TierT5.String())
}

func TestMode_Valid(t *testing.T) {
	assert.True(t, ModeStandard.Valid())
	assert.True(t, ModeEconomy.Valid())
	assert.False(t, Mode("turbo").Valid())
}
