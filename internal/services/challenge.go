package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/federated-storage/economy/internal/models"
	"github.com/federated-storage/economy/internal/storage"
)

const nonceRetries = 5

// ChallengeService issues storage challenges against registered proofs
// and expires the ones nobody answered.
type ChallengeService struct {
	store storage.Store
	cfg   Config
	clock clock.Clock
	rng   io.Reader
}

func NewChallengeService(store storage.Store, cfg Config, clk clock.Clock) *ChallengeService {
	return &ChallengeService{
		store: store,
		cfg:   cfg,
		clock: clk,
		rng:   rand.Reader,
	}
}

// Issue creates and persists a challenge for the given proof. A user
// can only have one live challenge at a time; if one already exists
// storage.ErrConflict is returned. Proofs with a non-positive claim
// cannot be sampled, so they are suspended instead.
func (s *ChallengeService) Issue(ctx context.Context, proof *models.StorageProof) (*models.Challenge, error) {
	now := s.clock.Now().UTC()

	if proof.ClaimedBytes <= 0 {
		err := s.store.UpdateProof(ctx, proof.ProofID, func(p *models.StorageProof) error {
			p.Status = models.ProofSuspended
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to suspend unverifiable proof: %w", err)
		}
		return nil, fmt.Errorf("proof %s claims no bytes: %w", proof.ProofID, ErrRegionUnverifiable)
	}

	difficulty := proof.Difficulty
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > s.cfg.DifficultyLevels {
		difficulty = s.cfg.DifficultyLevels
	}
	length := challengeLength(difficulty, proof.ClaimedBytes)

	var challenge *models.Challenge
	for attempt := 0; attempt < nonceRetries; attempt++ {
		nonce := make([]byte, 32)
		if _, err := io.ReadFull(s.rng, nonce); err != nil {
			return nil, fmt.Errorf("failed to generate challenge nonce: %w", err)
		}

		if err := s.store.RecordNonce(ctx, proof.ProofID, nonce); err != nil {
			if errors.Is(err, storage.ErrNonceReuse) {
				continue
			}
			return nil, err
		}

		offset, err := regionOffset(proof.ProofID, nonce, proof.ClaimedBytes, length)
		if err != nil {
			return nil, err
		}
		expected, err := regionDigest(proof.RegionSeed, nonce, proof.UserID, offset, length)
		if err != nil {
			return nil, err
		}

		challenge = &models.Challenge{
			ChallengeID:      uuid.New().String(),
			UserID:           proof.UserID,
			ProofID:          proof.ProofID,
			Nonce:            nonce,
			RegionOffset:     offset,
			RegionLength:     length,
			ExpectedDigest:   expected,
			IssuedAt:         now,
			ExpiresAt:        now.Add(s.cfg.VerifyTimeout),
			Difficulty:       difficulty,
			ConsecutiveIndex: proof.ConsecutiveIndex + 1,
		}
		break
	}
	if challenge == nil {
		return nil, fmt.Errorf("failed to generate a fresh nonce after %d attempts", nonceRetries)
	}

	if err := s.store.PutChallenge(ctx, challenge); err != nil {
		return nil, err
	}

	err := s.store.UpdateProof(ctx, proof.ProofID, func(p *models.StorageProof) error {
		p.Status = models.ProofChallenged
		p.ConsecutiveIndex = challenge.ConsecutiveIndex
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark proof challenged: %w", err)
	}
	proof.Status = models.ProofChallenged
	proof.ConsecutiveIndex = challenge.ConsecutiveIndex
	return challenge, nil
}

// ExpireOverdue turns challenges past their deadline into failed
// verification outcomes. Challenges deleted concurrently (a response
// raced the sweep) are skipped.
func (s *ChallengeService) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]models.VerificationOutcome, error) {
	expired, err := s.store.ExpiredChallenges(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	outcomes := make([]models.VerificationOutcome, 0, len(expired))
	for _, c := range expired {
		deleted, err := s.store.DeleteChallenge(ctx, c.ChallengeID)
		if err != nil {
			log.Printf("Failed to delete expired challenge %s: %v", c.ChallengeID, err)
			continue
		}
		if !deleted {
			continue
		}
		outcomes = append(outcomes, models.VerificationOutcome{
			ChallengeID: c.ChallengeID,
			UserID:      c.UserID,
			ProofID:     c.ProofID,
			Passed:      false,
			Reason:      models.FailExpired,
			ResponseMs:  now.Sub(c.IssuedAt).Milliseconds(),
			ReceivedAt:  now,
		})
	}
	return outcomes, nil
}
