package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeLength(t *testing.T) {
	tests := []struct {
		name       string
		difficulty int
		claimed    int64
		want       int64
	}{
		{"difficulty one", 1, 1 << 30, 64 * 1024},
		{"difficulty two doubles", 2, 1 << 30, 128 * 1024},
		{"difficulty five", 5, 1 << 30, 1024 * 1024},
		{"capped at claimed bytes", 5, 100 * 1024, 100 * 1024},
		{"tiny claim", 1, 1000, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, challengeLength(tt.difficulty, tt.claimed))
		})
	}
}

func TestRegionOffsetDeterministicAndBounded(t *testing.T) {
	nonce := bytes.Repeat([]byte{0xAB}, 32)
	claimed := int64(1 << 20)
	length := int64(64 * 1024)

	first, err := regionOffset("proof-1", nonce, claimed, length)
	require.NoError(t, err)
	second, err := regionOffset("proof-1", nonce, claimed, length)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.GreaterOrEqual(t, first, int64(0))
	assert.LessOrEqual(t, first, claimed-length)

	// A different nonce or proof moves the window.
	otherNonce := bytes.Repeat([]byte{0xCD}, 32)
	third, err := regionOffset("proof-1", otherNonce, claimed, length)
	require.NoError(t, err)
	fourth, err := regionOffset("proof-2", nonce, claimed, length)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.NotEqual(t, first, fourth)
}

func TestRegionOffsetFullRegion(t *testing.T) {
	// When the challenge covers the whole claim the only valid offset is zero.
	nonce := bytes.Repeat([]byte{0x01}, 32)
	offset, err := regionOffset("proof-1", nonce, 64*1024, 64*1024)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
}

func TestWriteRegionRangeConsistentAcrossSplits(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)

	var whole bytes.Buffer
	require.NoError(t, writeRegionRange(&whole, seed, 0, 1024))

	// Reading an interior slice must reproduce the same bytes as the
	// full plot, including unaligned offsets.
	var slice bytes.Buffer
	require.NoError(t, writeRegionRange(&slice, seed, 100, 300))
	assert.Equal(t, whole.Bytes()[100:400], slice.Bytes())

	assert.Equal(t, 1024, whole.Len())
}

func TestRegionDigestBindsAllInputs(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)
	nonce := bytes.Repeat([]byte{0xAB}, 32)

	base, err := regionDigest(seed, nonce, "alice", 0, 1024)
	require.NoError(t, err)
	assert.Len(t, base, 32)

	same, err := regionDigest(seed, nonce, "alice", 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, base, same)

	otherUser, err := regionDigest(seed, nonce, "bob", 0, 1024)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherUser)

	otherNonce, err := regionDigest(seed, bytes.Repeat([]byte{0xCD}, 32), "alice", 0, 1024)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherNonce)

	otherOffset, err := regionDigest(seed, nonce, "alice", 32, 1024)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherOffset)

	otherSeed, err := regionDigest(bytes.Repeat([]byte{0x43}, 32), nonce, "alice", 0, 1024)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSeed)
}
