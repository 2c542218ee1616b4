package services

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// The contributor's region is plotted from a per-proof 32-byte seed:
// block i of the plot is BLAKE2b-256 keyed with the seed over the block
// index. Contributors materialise the full plot at onboarding; the
// coordinator recomputes only the challenged range, so expected digests
// are always available without contributor-side disk access.

const (
	regionBlockSize     = 32
	baseChallengeLength = 64 * 1024 // L at difficulty 1
)

// challengeLength returns the sampled range length L for a difficulty
// level, capped at the claimed region size.
func challengeLength(difficulty int, claimedBytes int64) int64 {
	l := int64(baseChallengeLength) << uint(difficulty-1)
	if l > claimedBytes {
		l = claimedBytes
	}
	return l
}

// regionOffset derives the challenged offset deterministically from
// (proof_id, nonce), uniform over [0, claimed-length].
func regionOffset(proofID string, nonce []byte, claimedBytes, length int64) (int64, error) {
	h, err := blake2b.New256([]byte(proofID))
	if err != nil {
		return 0, fmt.Errorf("failed to derive region offset: %w", err)
	}
	h.Write(nonce)
	sum := h.Sum(nil)

	span := claimedBytes - length + 1
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(span)), nil
}

// writeRegionRange streams the plotted bytes of [offset, offset+length)
// into w.
func writeRegionRange(w io.Writer, seed []byte, offset, length int64) error {
	block := offset / regionBlockSize
	skip := offset % regionBlockSize
	remaining := length

	var idx [8]byte
	for remaining > 0 {
		binary.BigEndian.PutUint64(idx[:], uint64(block))
		h, err := blake2b.New256(seed)
		if err != nil {
			return fmt.Errorf("failed to derive region block: %w", err)
		}
		h.Write(idx[:])
		chunk := h.Sum(nil)[skip:]
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		remaining -= int64(len(chunk))
		skip = 0
		block++
	}
	return nil
}

// regionDigest computes SHA-256(nonce || region bytes at [offset,
// offset+length) || user_id). The nonce makes the digest unpredictable,
// the offset makes precomputation infeasible, and the user id makes
// responses non-transferable between users.
func regionDigest(seed, nonce []byte, userID string, offset, length int64) ([]byte, error) {
	h := sha256.New()
	h.Write(nonce)
	if err := writeRegionRange(h, seed, offset, length); err != nil {
		return nil, err
	}
	h.Write([]byte(userID))
	return h.Sum(nil), nil
}
