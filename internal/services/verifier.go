package services

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/federated-storage/economy/internal/models"
	"github.com/federated-storage/economy/internal/storage"
)

// Verifier checks challenge responses against the expected digest and
// the timing window, and keeps per-proof response statistics.
type Verifier struct {
	store storage.Store
	cfg   Config
}

func NewVerifier(store storage.Store, cfg Config) *Verifier {
	return &Verifier{store: store, cfg: cfg}
}

// Resolve evaluates a response to the given challenge. The challenge is
// consumed either way; exactly one outcome is produced per challenge.
// Responses to unknown or already-resolved challenges return
// storage.ErrNotFound.
func (v *Verifier) Resolve(ctx context.Context, challengeID string, digest []byte, receivedAt time.Time) (*models.VerificationOutcome, error) {
	challenge, err := v.store.LoadChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	outcome := &models.VerificationOutcome{
		ChallengeID: challenge.ChallengeID,
		UserID:      challenge.UserID,
		ProofID:     challenge.ProofID,
		ResponseMs:  receivedAt.Sub(challenge.IssuedAt).Milliseconds(),
		ReceivedAt:  receivedAt,
	}

	switch {
	case receivedAt.After(challenge.ExpiresAt):
		outcome.Reason = models.FailExpired
	case receivedAt.Sub(challenge.IssuedAt) < v.cfg.VerifyMinResponse:
		// Answers faster than a disk read of the sampled range are
		// treated as precomputed, not verified.
		outcome.Reason = models.FailTooFast
	case subtle.ConstantTimeCompare(digest, challenge.ExpectedDigest) != 1:
		outcome.Reason = models.FailMismatch
	default:
		outcome.Passed = true
	}

	deleted, err := v.store.DeleteChallenge(ctx, challenge.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge %s: %w", challenge.ChallengeID, err)
	}
	if !deleted {
		return nil, storage.ErrNotFound
	}

	// The challenge is consumed at this point. If the stats write fails
	// the proof remains past due and the scheduler issues a fresh
	// challenge on its next pass.
	if err := v.recordResponse(ctx, challenge.ProofID, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// recordResponse folds the response time into the proof's moving
// average and adjusts the consistency score.
func (v *Verifier) recordResponse(ctx context.Context, proofID string, outcome *models.VerificationOutcome) error {
	return v.store.UpdateProof(ctx, proofID, func(proof *models.StorageProof) error {
		sample := float64(outcome.ResponseMs)
		if proof.AvgResponseMs == 0 {
			proof.AvgResponseMs = sample
		} else {
			proof.AvgResponseMs = v.cfg.ResponseAlpha*sample + (1-v.cfg.ResponseAlpha)*proof.AvgResponseMs
		}

		if outcome.Passed {
			proof.ConsistencyScore += 1
		} else {
			proof.ConsistencyScore -= 10
		}
		if proof.ConsistencyScore > 100 {
			proof.ConsistencyScore = 100
		}
		if proof.ConsistencyScore < 0 {
			proof.ConsistencyScore = 0
		}
		return nil
	})
}
