package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/federated-storage/economy/internal/models"
	"github.com/federated-storage/economy/internal/storage"
)

// Reputation adjustments per event.
const (
	repPassDelta   = 1.0
	repFailDelta   = -5.0
	repQuotaDelta  = -2.0
	repShrunkDelta = -10.0
)

// ReputationService applies verification outcomes and violation events
// to user profiles and enforces the tier demotion rules.
type ReputationService struct {
	store storage.Store
	cfg   Config
}

func NewReputationService(store storage.Store, cfg Config) *ReputationService {
	return &ReputationService{store: store, cfg: cfg}
}

func clampReputation(r float64) float64 {
	if r > 100 {
		return 100
	}
	if r < 0 {
		return 0
	}
	return r
}

// ApplyOutcome settles a verification outcome: reputation and streak on
// the profile, status and difficulty on the proof, and demotion when the
// failure threshold or the hard reputation floor is crossed.
func (s *ReputationService) ApplyOutcome(ctx context.Context, outcome *models.VerificationOutcome) error {
	now := outcome.ReceivedAt.UTC()

	if outcome.Passed {
		return s.applyPass(ctx, outcome, now)
	}
	return s.applyFailure(ctx, outcome, now)
}

func (s *ReputationService) applyPass(ctx context.Context, outcome *models.VerificationOutcome, now time.Time) error {
	err := s.store.UpdateProfile(ctx, outcome.UserID, func(p *models.UserProfile) error {
		p.Reputation = clampReputation(p.Reputation + repPassDelta)
		p.VerificationStreak++
		p.LastActivity = now

		tier, ok := p.Tier.(models.ContributorTier)
		if !ok {
			return nil
		}
		tier.Passed++
		tier.LastVerifiedAt = now
		tier.NextDue = now.Add(s.cfg.VerifyInterval)

		if s.cfg.StreakBonusK > 0 && p.VerificationStreak%s.cfg.StreakBonusK == 0 {
			room := s.cfg.StreakBonusMaxBytes - tier.BonusBytes
			grant := s.cfg.StreakBonusBytes
			if grant > room {
				grant = room
			}
			if grant > 0 {
				tier.BonusBytes += grant
			}
		}
		p.Tier = tier
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to credit verification pass for %s: %w", outcome.UserID, err)
	}

	return s.store.UpdateProof(ctx, outcome.ProofID, func(proof *models.StorageProof) error {
		proof.Status = models.ProofVerified
		proof.StreakCount++
		proof.LastVerifiedAt = now
		proof.NextVerificationDueAt = now.Add(s.cfg.VerifyInterval)
		proof.VerifiedBytes = proof.ClaimedBytes
		if proof.Difficulty < s.cfg.DifficultyLevels {
			proof.Difficulty++
		}
		return nil
	})
}

func (s *ReputationService) applyFailure(ctx context.Context, outcome *models.VerificationOutcome, now time.Time) error {
	var demoted bool

	err := s.store.UpdateProfile(ctx, outcome.UserID, func(p *models.UserProfile) error {
		p.Reputation = clampReputation(p.Reputation + repFailDelta)
		p.VerificationStreak = 0
		p.LastActivity = now
		p.Violations = append(p.Violations, models.Violation{
			ID:        uuid.New().String(),
			Kind:      models.ViolationProofFailed,
			Severity:  models.SeverityMedium,
			Timestamp: now,
			Note:      fmt.Sprintf("verification failed: %s", outcome.Reason),
		})

		if tier, ok := p.Tier.(models.ContributorTier); ok {
			tier.Failed++
			tier.NextDue = now.Add(s.cfg.VerifyInterval)
			p.Tier = tier
		}

		demoted = s.demoteIfNeeded(p, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record verification failure for %s: %w", outcome.UserID, err)
	}

	if demoted {
		if err := s.store.DeleteProofByUser(ctx, outcome.UserID); err != nil {
			return fmt.Errorf("failed to retire proof for demoted user %s: %w", outcome.UserID, err)
		}
		return nil
	}

	return s.store.UpdateProof(ctx, outcome.ProofID, func(proof *models.StorageProof) error {
		proof.Status = models.ProofFailed
		proof.StreakCount = 0
		proof.Difficulty = 1
		proof.NextVerificationDueAt = now.Add(s.cfg.VerifyInterval)
		return nil
	})
}

// demoteIfNeeded drops the profile to the free tier when recent proof
// failures reach the threshold or reputation falls through the hard
// floor. The violation history stays with the profile.
func (s *ReputationService) demoteIfNeeded(p *models.UserProfile, now time.Time) bool {
	if p.Tier.Kind() == models.TierFree {
		return false
	}

	recentFailures := 0
	cutoff := now.Add(-s.cfg.FailedWindow)
	for _, v := range p.Violations {
		if v.Kind == models.ViolationProofFailed && !v.Timestamp.Before(cutoff) {
			recentFailures++
		}
	}

	byFailures := p.Tier.Kind() == models.TierContributor && recentFailures >= s.cfg.MaxFailedVerifications
	byFloor := p.Reputation < s.cfg.HardReputationFloor
	if !byFailures && !byFloor {
		return false
	}

	note := "reputation below hard floor"
	if byFailures {
		note = fmt.Sprintf("%d failed verifications within window", recentFailures)
	}
	p.Violations = append(p.Violations, models.Violation{
		ID:        uuid.New().String(),
		Kind:      models.ViolationProofFailed,
		Severity:  models.SeverityCritical,
		Timestamp: now,
		Note:      "demoted to free tier: " + note,
	})
	p.Tier = models.FreeTier{MaxStorage: s.cfg.FreeStorageBytes}
	p.VerificationStreak = 0
	return true
}

// HandlePaymentLapse demotes a user whose subscription or contract has
// expired. Reputation is untouched; expiry is not misbehavior.
func (s *ReputationService) HandlePaymentLapse(ctx context.Context, userID string, now time.Time) error {
	return s.store.UpdateProfile(ctx, userID, func(p *models.UserProfile) error {
		exp := models.TierExpiry(p.Tier)
		if exp == nil || exp.After(now) {
			return nil
		}
		p.Violations = append(p.Violations, models.Violation{
			ID:        uuid.New().String(),
			Kind:      models.ViolationPaymentLapsed,
			Severity:  models.SeverityMedium,
			Timestamp: now,
			Note:      fmt.Sprintf("%s tier lapsed at %s", p.Tier.Kind(), exp.UTC().Format(time.RFC3339)),
		})
		p.Tier = models.FreeTier{MaxStorage: s.cfg.FreeStorageBytes}
		return nil
	})
}

// ReportQuotaExceeded records a quota violation after a denied admission.
func (s *ReputationService) ReportQuotaExceeded(ctx context.Context, userID string, op models.Operation, now time.Time) error {
	var demoted bool
	err := s.store.UpdateProfile(ctx, userID, func(p *models.UserProfile) error {
		p.Reputation = clampReputation(p.Reputation + repQuotaDelta)
		p.Violations = append(p.Violations, models.Violation{
			ID:        uuid.New().String(),
			Kind:      models.ViolationQuotaExceeded,
			Severity:  models.SeverityLow,
			Timestamp: now,
			Note:      fmt.Sprintf("%s of %d bytes denied", op.Kind, op.Bytes),
		})
		demoted = s.demoteIfNeeded(p, now)
		return nil
	})
	if err != nil {
		return err
	}
	if demoted {
		return s.store.DeleteProofByUser(ctx, userID)
	}
	return nil
}

// ReportContributionShrunk handles a contributor whose verified region
// shrank below the claimed size. Earned capacity is recomputed from the
// smaller contribution; the streak restarts.
func (s *ReputationService) ReportContributionShrunk(ctx context.Context, userID string, newBytes int64, now time.Time) error {
	if newBytes < 0 {
		newBytes = 0
	}

	var demoted bool
	err := s.store.UpdateProfile(ctx, userID, func(p *models.UserProfile) error {
		tier, ok := p.Tier.(models.ContributorTier)
		if !ok {
			return ErrNotContributor
		}
		p.Reputation = clampReputation(p.Reputation + repShrunkDelta)
		p.VerificationStreak = 0
		p.Violations = append(p.Violations, models.Violation{
			ID:        uuid.New().String(),
			Kind:      models.ViolationContributionShrunk,
			Severity:  models.SeverityHigh,
			Timestamp: now,
			Note:      fmt.Sprintf("contribution shrank from %d to %d bytes", tier.ContributedBytes, newBytes),
		})

		tier.ContributedBytes = newBytes
		tier.EarnedBytes = newBytes / s.cfg.ContributionRatio
		p.Tier = tier

		demoted = s.demoteIfNeeded(p, now)
		return nil
	})
	if err != nil {
		return err
	}

	if demoted {
		return s.store.DeleteProofByUser(ctx, userID)
	}
	proof, err := s.store.LoadProofByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.store.UpdateProof(ctx, proof.ProofID, func(pr *models.StorageProof) error {
		pr.ClaimedBytes = newBytes
		pr.VerifiedBytes = 0
		pr.StreakCount = 0
		pr.Difficulty = 1
		pr.NextVerificationDueAt = now
		return nil
	})
}
