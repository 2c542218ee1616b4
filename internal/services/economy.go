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

const (
	conflictRetries = 3
	conflictBackoff = 25 * time.Millisecond
)

// EconomyService is the front door of the storage economy: user
// registration, tier changes, admission checks and usage accounting.
type EconomyService struct {
	store      storage.Store
	cfg        Config
	quota      *QuotaEvaluator
	reputation *ReputationService
	clock      clock.Clock
	rng        io.Reader
}

func NewEconomyService(store storage.Store, cfg Config, quota *QuotaEvaluator, reputation *ReputationService, clk clock.Clock) *EconomyService {
	return &EconomyService{
		store:      store,
		cfg:        cfg,
		quota:      quota,
		reputation: reputation,
		clock:      clk,
		rng:        rand.Reader,
	}
}

// RegisterUser creates a profile in the free tier. Registering an
// existing user is a no-op and returns the current profile.
func (s *EconomyService) RegisterUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	if existing, err := s.store.LoadProfile(ctx, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := s.clock.Now().UTC()
	profile := &models.UserProfile{
		UserID:       userID,
		Tier:         models.FreeTier{MaxStorage: s.cfg.FreeStorageBytes},
		PeriodStart:  monthStart(now),
		Reputation:   s.cfg.MinReputationForContributor,
		LastActivity: now,
	}
	if err := s.store.PutProfile(ctx, profile); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return s.store.LoadProfile(ctx, userID)
		}
		return nil, err
	}
	return profile, nil
}

// OnboardContributor moves a user to the contributor tier against a
// claimed storage region. The proof record is created first so the tier
// can never exist without a verifiable claim behind it.
func (s *EconomyService) OnboardContributor(ctx context.Context, userID, region string, claimedBytes int64, deliveryPeer string) (*models.StorageProof, error) {
	if region == "" || claimedBytes <= 0 {
		return nil, ErrRegionUnverifiable
	}

	profile, err := s.store.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	refreshProfile(profile, now, s.cfg)

	if profile.Tier.Kind() == models.TierContributor {
		return nil, ErrAlreadyContributor
	}
	if profile.Reputation < s.cfg.MinReputationForContributor {
		return nil, fmt.Errorf("reputation %.1f below %.1f: %w",
			profile.Reputation, s.cfg.MinReputationForContributor, ErrInsufficientReputation)
	}
	if _, err := s.store.LoadProofByUser(ctx, userID); err == nil {
		return nil, ErrAlreadyContributor
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(s.rng, seed); err != nil {
		return nil, fmt.Errorf("failed to generate region seed: %w", err)
	}

	proof := &models.StorageProof{
		ProofID:               uuid.New().String(),
		UserID:                userID,
		StorageRegion:         region,
		DeliveryPeer:          deliveryPeer,
		RegionSeed:            seed,
		ClaimedBytes:          claimedBytes,
		NextVerificationDueAt: now,
		Status:                models.ProofPending,
		ConsistencyScore:      100,
		Difficulty:            1,
	}
	if err := s.store.PutProof(ctx, proof); err != nil {
		return nil, err
	}

	err = s.updateWithRetry(ctx, userID, func(p *models.UserProfile) error {
		refreshProfile(p, now, s.cfg)
		if p.Tier.Kind() == models.TierContributor {
			return ErrAlreadyContributor
		}
		if p.Reputation < s.cfg.MinReputationForContributor {
			return ErrInsufficientReputation
		}
		p.Tier = models.ContributorTier{
			ContributedBytes: claimedBytes,
			EarnedBytes:      claimedBytes / s.cfg.ContributionRatio,
			Region:           region,
			NextDue:          now,
			ProofEnabled:     true,
		}
		p.LastActivity = now
		return nil
	})
	if err != nil {
		if derr := s.store.DeleteProofByUser(ctx, userID); derr != nil {
			log.Printf("Failed to clean up proof after onboarding error for %s: %v", userID, derr)
		}
		return nil, err
	}
	return proof, nil
}

// UpgradePremium moves a user to the premium tier until expiresAt. An
// existing contributor's proof is retired; the tiers are exclusive.
func (s *EconomyService) UpgradePremium(ctx context.Context, userID string, maxStorage int64, expiresAt time.Time, features []string) error {
	now := s.clock.Now().UTC()
	if !expiresAt.After(now) {
		return ErrSubscriptionInPast
	}

	var wasContributor bool
	err := s.updateWithRetry(ctx, userID, func(p *models.UserProfile) error {
		refreshProfile(p, now, s.cfg)
		wasContributor = p.Tier.Kind() == models.TierContributor
		p.Tier = models.PremiumTier{
			MaxStorage:            maxStorage,
			SubscriptionExpiresAt: expiresAt.UTC(),
			Features:              features,
			Priority:              1,
			Redundancy:            3,
		}
		p.LastActivity = now
		return nil
	})
	if err != nil {
		return err
	}

	if wasContributor {
		if err := s.store.DeleteProofByUser(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to retire contributor proof for %s: %w", userID, err)
		}
	}
	return nil
}

// UpgradeEnterprise moves a user to the enterprise tier. A nil
// maxStorage means unbounded storage.
func (s *EconomyService) UpgradeEnterprise(ctx context.Context, userID string, maxStorage *int64, contractExpiresAt time.Time, sla string, dedicatedNodes int, complianceLevel string) error {
	now := s.clock.Now().UTC()
	if !contractExpiresAt.After(now) {
		return ErrSubscriptionInPast
	}

	var wasContributor bool
	err := s.updateWithRetry(ctx, userID, func(p *models.UserProfile) error {
		refreshProfile(p, now, s.cfg)
		wasContributor = p.Tier.Kind() == models.TierContributor
		p.Tier = models.EnterpriseTier{
			MaxStorage:        maxStorage,
			ContractExpiresAt: contractExpiresAt.UTC(),
			SLA:               sla,
			DedicatedNodes:    dedicatedNodes,
			ComplianceLevel:   complianceLevel,
		}
		p.LastActivity = now
		return nil
	})
	if err != nil {
		return err
	}

	if wasContributor {
		if err := s.store.DeleteProofByUser(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to retire contributor proof for %s: %w", userID, err)
		}
	}
	return nil
}

// Admit decides whether a proposed operation is allowed right now. It
// never persists anything; decay and period resets are applied to a
// working copy and written back on the next mutating call.
func (s *EconomyService) Admit(ctx context.Context, userID string, op models.Operation) (models.Decision, error) {
	profile, err := s.store.LoadProfile(ctx, userID)
	if err != nil {
		return models.Decision{}, err
	}
	now := s.clock.Now().UTC()
	refreshProfile(profile, now, s.cfg)
	return s.quota.Evaluate(profile, op, now), nil
}

// RecordUsage applies the byte deltas of a completed operation to the
// profile's counters. Counters never go negative.
func (s *EconomyService) RecordUsage(ctx context.Context, userID string, op models.Operation) error {
	now := s.clock.Now().UTC()
	return s.updateWithRetry(ctx, userID, func(p *models.UserProfile) error {
		refreshProfile(p, now, s.cfg)
		switch op.Kind {
		case models.OpUpload:
			p.UploadUsedPeriod += op.Bytes
			p.UsageBytes += op.Bytes
		case models.OpDownload:
			p.DownloadUsedPeriod += op.Bytes
		case models.OpDelete:
			p.UsageBytes -= op.Bytes
		case models.OpStoreDelta:
			p.UsageBytes += op.Bytes
		}
		if p.UsageBytes < 0 {
			p.UsageBytes = 0
		}
		p.LastActivity = now
		return nil
	})
}

// Statistics returns the user's current quota and reputation snapshot.
func (s *EconomyService) Statistics(ctx context.Context, userID string) (*models.UserStats, error) {
	profile, err := s.store.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	refreshProfile(profile, now, s.cfg)

	var pending *time.Time
	if live, err := s.store.LiveChallengeForUser(ctx, userID); err == nil {
		deadline := live.ExpiresAt
		pending = &deadline
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	return &models.UserStats{
		UserID:             profile.UserID,
		Tier:               profile.Tier.Kind(),
		UsageBytes:         profile.UsageBytes,
		MaxStorage:         s.quota.MaxStorage(profile.Tier),
		UploadUsedPeriod:   profile.UploadUsedPeriod,
		UploadQuota:        s.quota.UploadQuota(profile.Tier),
		DownloadUsedPeriod: profile.DownloadUsedPeriod,
		DownloadQuota:      s.quota.DownloadQuota(profile.Tier),
		Reputation:         profile.Reputation,
		ViolationsCount:    len(profile.Violations),
		VerificationStreak: profile.VerificationStreak,
		CanContribute:      profile.Reputation >= s.cfg.MinReputationForContributor && profile.Tier.Kind() == models.TierFree,
		PendingChallenge:   pending,
	}, nil
}

// AnonymizeUser scrubs personal linkage from a profile while keeping the
// accounting totals. The user id itself is the retained key.
func (s *EconomyService) AnonymizeUser(ctx context.Context, userID string) error {
	return s.updateWithRetry(ctx, userID, func(p *models.UserProfile) error {
		p.Anonymized = true
		return nil
	})
}

// refreshProfile applies the lazy per-day reputation decay and the
// monthly bandwidth period reset to an in-memory profile. Decay is
// anchored to whole days since the last activity, so repeated calls in
// the same day are idempotent.
func refreshProfile(p *models.UserProfile, now time.Time, cfg Config) {
	if !p.LastActivity.IsZero() {
		days := int64(now.Sub(p.LastActivity).Hours() / 24)
		if days > 0 {
			p.Reputation = clampReputation(p.Reputation - float64(days)*cfg.ReputationDecayPerDay)
			p.LastActivity = p.LastActivity.Add(time.Duration(days) * 24 * time.Hour)
		}
	}

	if start := monthStart(now); start.After(p.PeriodStart) {
		p.PeriodStart = start
		p.UploadUsedPeriod = 0
		p.DownloadUsedPeriod = 0
	}
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// updateWithRetry wraps Store.UpdateProfile with a bounded retry on
// version conflicts from concurrent writers.
func (s *EconomyService) updateWithRetry(ctx context.Context, userID string, fn func(*models.UserProfile) error) error {
	backoff := conflictBackoff
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		err = s.store.UpdateProfile(ctx, userID, fn)
		if err == nil || !errors.Is(err, storage.ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(backoff):
		}
		backoff *= 2
	}
	return err
}
