package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federated-storage/economy/internal/models"
	"github.com/federated-storage/economy/internal/storage"
)

// issueFor onboards a contributor and issues a challenge against their proof.
func issueFor(t *testing.T, f *fixture, userID string) (*models.StorageProof, *models.Challenge) {
	t.Helper()
	proof := f.onboard(t, userID, 4<<30)
	challenge, err := f.challenges.Issue(context.Background(), proof)
	require.NoError(t, err)
	return proof, challenge
}

func TestIssueChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proof, challenge := issueFor(t, f, "alice")

	assert.Equal(t, "alice", challenge.UserID)
	assert.Len(t, challenge.Nonce, 32)
	assert.Len(t, challenge.ExpectedDigest, 32)
	assert.Equal(t, int64(64*1024), challenge.RegionLength)
	assert.Equal(t, f.now().Add(f.cfg.VerifyTimeout), challenge.ExpiresAt)
	assert.LessOrEqual(t, challenge.RegionOffset+challenge.RegionLength, proof.ClaimedBytes)
	assert.Equal(t, 1, challenge.ConsecutiveIndex)

	stored, err := f.store.LoadProof(ctx, proof.ProofID)
	require.NoError(t, err)
	assert.Equal(t, models.ProofChallenged, stored.Status)

	// One live challenge per user.
	_, err = f.challenges.Issue(ctx, stored)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestResolveCorrectResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proof, challenge := issueFor(t, f, "alice")
	digest := f.answer(t, proof, challenge)

	receivedAt := challenge.IssuedAt.Add(f.cfg.VerifyMinResponse)
	outcome, err := f.verifier.Resolve(ctx, challenge.ChallengeID, digest, receivedAt)
	require.NoError(t, err)
	assert.True(t, outcome.Passed)
	assert.Equal(t, models.FailNone, outcome.Reason)

	// The challenge is consumed; a replay finds nothing.
	_, err = f.verifier.Resolve(ctx, challenge.ChallengeID, digest, receivedAt)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolveTimingWindow(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		offset time.Duration
		passed bool
		reason models.FailReason
	}{
		{"just under the minimum", f.cfg.VerifyMinResponse - time.Millisecond, false, models.FailTooFast},
		{"at the minimum", f.cfg.VerifyMinResponse, true, models.FailNone},
		{"at the deadline", f.cfg.VerifyTimeout, true, models.FailNone},
		{"past the deadline", f.cfg.VerifyTimeout + time.Millisecond, false, models.FailExpired},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			userID := string(rune('a'+i)) + "-timing"
			proof, challenge := issueFor(t, f, userID)
			digest := f.answer(t, proof, challenge)

			outcome, err := f.verifier.Resolve(ctx, challenge.ChallengeID, digest, challenge.IssuedAt.Add(tt.offset))
			require.NoError(t, err)
			assert.Equal(t, tt.passed, outcome.Passed)
			assert.Equal(t, tt.reason, outcome.Reason)
		})
	}
}

func TestResolveWrongDigest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, challenge := issueFor(t, f, "alice")

	wrong := make([]byte, 32)
	outcome, err := f.verifier.Resolve(ctx, challenge.ChallengeID, wrong, challenge.IssuedAt.Add(f.cfg.VerifyMinResponse))
	require.NoError(t, err)
	assert.False(t, outcome.Passed)
	assert.Equal(t, models.FailMismatch, outcome.Reason)
}

func TestResolveExpiredBeatsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, challenge := issueFor(t, f, "alice")

	wrong := make([]byte, 32)
	outcome, err := f.verifier.Resolve(ctx, challenge.ChallengeID, wrong, challenge.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.FailExpired, outcome.Reason)
}

func TestResolveTracksResponseStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proof, challenge := issueFor(t, f, "alice")
	digest := f.answer(t, proof, challenge)

	receivedAt := challenge.IssuedAt.Add(40 * time.Second)
	_, err := f.verifier.Resolve(ctx, challenge.ChallengeID, digest, receivedAt)
	require.NoError(t, err)

	stored, err := f.store.LoadProof(ctx, proof.ProofID)
	require.NoError(t, err)
	// First sample seeds the average directly.
	assert.InDelta(t, 40000.0, stored.AvgResponseMs, 1e-9)
	assert.InDelta(t, 100.0, stored.ConsistencyScore, 1e-9) // already at the ceiling
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, challenge := issueFor(t, f, "alice")

	// Nothing expires before the deadline.
	outcomes, err := f.challenges.ExpireOverdue(ctx, challenge.ExpiresAt.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	now := challenge.ExpiresAt.Add(time.Second)
	outcomes, err = f.challenges.ExpireOverdue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Passed)
	assert.Equal(t, models.FailExpired, outcomes[0].Reason)
	assert.Equal(t, "alice", outcomes[0].UserID)

	// The challenge was consumed by the sweep.
	_, err = f.store.LoadChallenge(ctx, challenge.ChallengeID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
