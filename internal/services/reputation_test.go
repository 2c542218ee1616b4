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

// resolve issues a challenge and answers it correctly or not.
func resolve(t *testing.T, f *fixture, userID string, correct bool) *models.VerificationOutcome {
	t.Helper()
	ctx := context.Background()

	proof, err := f.store.LoadProofByUser(ctx, userID)
	require.NoError(t, err)
	challenge, err := f.challenges.Issue(ctx, proof)
	require.NoError(t, err)

	digest := make([]byte, 32)
	if correct {
		digest = f.answer(t, proof, challenge)
	}
	outcome, err := f.verifier.Resolve(ctx, challenge.ChallengeID, digest, challenge.IssuedAt.Add(f.cfg.VerifyMinResponse))
	require.NoError(t, err)
	require.NoError(t, f.reputation.ApplyOutcome(ctx, outcome))
	return outcome
}

func TestPassRewardsReputationAndStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proof := f.onboard(t, "alice", 4<<30)
	outcome := resolve(t, f, "alice", true)

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 76.0, profile.Reputation)
	assert.Equal(t, 1, profile.VerificationStreak)

	tier := profile.Tier.(models.ContributorTier)
	assert.Equal(t, 1, tier.Passed)
	assert.Equal(t, outcome.ReceivedAt.Add(f.cfg.VerifyInterval), tier.NextDue)

	stored, err := f.store.LoadProof(ctx, proof.ProofID)
	require.NoError(t, err)
	assert.Equal(t, models.ProofVerified, stored.Status)
	assert.Equal(t, proof.ClaimedBytes, stored.VerifiedBytes)
	assert.Equal(t, 2, stored.Difficulty)
	assert.Equal(t, 1, stored.StreakCount)
}

func TestDifficultyEscalatesAndCaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proof := f.onboard(t, "alice", 4<<30)
	for i := 0; i < f.cfg.DifficultyLevels+2; i++ {
		resolve(t, f, "alice", true)
	}

	stored, err := f.store.LoadProof(ctx, proof.ProofID)
	require.NoError(t, err)
	assert.Equal(t, f.cfg.DifficultyLevels, stored.Difficulty)
}

func TestStreakBonusEverySeventhPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.onboard(t, "alice", 4<<30)
	for i := 0; i < f.cfg.StreakBonusK; i++ {
		resolve(t, f, "alice", true)
	}

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	tier := profile.Tier.(models.ContributorTier)
	assert.Equal(t, f.cfg.StreakBonusBytes, tier.BonusBytes)

	// Six more passes stay short of the next bonus.
	for i := 0; i < f.cfg.StreakBonusK-1; i++ {
		resolve(t, f, "alice", true)
	}
	profile, err = f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.cfg.StreakBonusBytes, profile.Tier.(models.ContributorTier).BonusBytes)
}

func TestFailurePenalizesAndResetsDifficulty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proof := f.onboard(t, "alice", 4<<30)
	resolve(t, f, "alice", true)
	resolve(t, f, "alice", true)
	resolve(t, f, "alice", false)

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 72.0, profile.Reputation) // 75 +1 +1 -5
	assert.Equal(t, 0, profile.VerificationStreak)
	require.Len(t, profile.Violations, 1)
	assert.Equal(t, models.ViolationProofFailed, profile.Violations[0].Kind)
	assert.Equal(t, models.SeverityMedium, profile.Violations[0].Severity)

	stored, err := f.store.LoadProof(ctx, proof.ProofID)
	require.NoError(t, err)
	assert.Equal(t, models.ProofFailed, stored.Status)
	assert.Equal(t, 1, stored.Difficulty)
	assert.Equal(t, 0, stored.StreakCount)
}

func TestThreeFailuresDemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.onboard(t, "alice", 4<<30)

	resolve(t, f, "alice", false)
	resolve(t, f, "alice", false)

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierContributor, profile.Tier.Kind())

	resolve(t, f, "alice", false)

	profile, err = f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, profile.Tier.Kind())

	// Three medium failures plus the critical demotion record.
	require.Len(t, profile.Violations, 4)
	assert.Equal(t, models.SeverityCritical, profile.Violations[3].Severity)

	// The proof is retired with the tier.
	_, err = f.store.LoadProofByUser(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOldFailuresOutsideWindowDoNotDemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.onboard(t, "alice", 4<<30)

	resolve(t, f, "alice", false)
	resolve(t, f, "alice", false)

	// Push the first two failures outside the rolling window.
	f.clock.Add(f.cfg.FailedWindow + time.Hour)

	resolve(t, f, "alice", false)

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierContributor, profile.Tier.Kind())
}

func TestHardFloorDemotesRegardlessOfWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.onboard(t, "alice", 4<<30)
	require.NoError(t, f.store.UpdateProfile(ctx, "alice", func(p *models.UserProfile) error {
		p.Reputation = 24.0
		return nil
	}))

	// A single failure drops reputation to 19, through the floor.
	resolve(t, f, "alice", false)

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, profile.Tier.Kind())
	assert.Equal(t, 19.0, profile.Reputation)
}

func TestHandlePaymentLapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.economy.RegisterUser(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, f.economy.UpgradePremium(ctx, "alice", 10<<30, f.now().Add(time.Hour), nil))

	// Not yet lapsed: nothing changes.
	require.NoError(t, f.reputation.HandlePaymentLapse(ctx, "alice", f.now()))
	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, profile.Tier.Kind())

	f.clock.Add(2 * time.Hour)
	require.NoError(t, f.reputation.HandlePaymentLapse(ctx, "alice", f.now()))

	profile, err = f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, profile.Tier.Kind())
	// Lapsing is not misbehavior; reputation is untouched.
	assert.Equal(t, 75.0, profile.Reputation)
	require.Len(t, profile.Violations, 1)
	assert.Equal(t, models.ViolationPaymentLapsed, profile.Violations[0].Kind)
}

func TestReportQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.economy.RegisterUser(ctx, "alice")
	require.NoError(t, err)

	op := models.Operation{Kind: models.OpUpload, Bytes: 1 << 30}
	require.NoError(t, f.reputation.ReportQuotaExceeded(ctx, "alice", op, f.now()))

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 73.0, profile.Reputation)
	require.Len(t, profile.Violations, 1)
	assert.Equal(t, models.ViolationQuotaExceeded, profile.Violations[0].Kind)
	assert.Equal(t, models.SeverityLow, profile.Violations[0].Severity)
}

func TestQuotaDemotionRetiresProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched, delivery := newTestScheduler(f)

	f.onboard(t, "alice", 4<<30)
	require.NoError(t, f.store.UpdateProfile(ctx, "alice", func(p *models.UserProfile) error {
		p.Reputation = 21.0
		return nil
	}))

	// The -2 penalty drops reputation to 19, through the hard floor.
	op := models.Operation{Kind: models.OpUpload, Bytes: 1 << 30}
	require.NoError(t, f.reputation.ReportQuotaExceeded(ctx, "alice", op, f.now()))

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, profile.Tier.Kind())
	assert.Equal(t, 19.0, profile.Reputation)

	// The proof goes with the tier, so no further challenges are issued.
	_, err = f.store.LoadProofByUser(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	sched.Tick(ctx)
	assert.Empty(t, delivery.all())
}

func TestReportContributionShrunk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proof := f.onboard(t, "alice", 4<<30)
	resolve(t, f, "alice", true) // establish a streak

	require.NoError(t, f.reputation.ReportContributionShrunk(ctx, "alice", 2<<30, f.now()))

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 66.0, profile.Reputation) // 75 +1 -10
	assert.Equal(t, 0, profile.VerificationStreak)

	tier := profile.Tier.(models.ContributorTier)
	assert.Equal(t, int64(2<<30), tier.ContributedBytes)
	assert.Equal(t, int64(2<<30)/f.cfg.ContributionRatio, tier.EarnedBytes)

	stored, err := f.store.LoadProof(ctx, proof.ProofID)
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), stored.ClaimedBytes)
	assert.Equal(t, int64(0), stored.VerifiedBytes)
	assert.Equal(t, 1, stored.Difficulty)

	// Shrinking on a non-contributor is rejected.
	_, err = f.economy.RegisterUser(ctx, "bob")
	require.NoError(t, err)
	assert.ErrorIs(t, f.reputation.ReportContributionShrunk(ctx, "bob", 1<<30, f.now()), ErrNotContributor)
}

func TestReputationClampedToBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.economy.RegisterUser(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateProfile(ctx, "alice", func(p *models.UserProfile) error {
		p.Reputation = 100.0
		return nil
	}))

	f.onboard(t, "bob", 4<<30)
	require.NoError(t, f.store.UpdateProfile(ctx, "bob", func(p *models.UserProfile) error {
		p.Reputation = 100.0
		return nil
	}))
	resolve(t, f, "bob", true)

	profile, err := f.store.LoadProfile(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 100.0, profile.Reputation)

	require.NoError(t, f.store.UpdateProfile(ctx, "alice", func(p *models.UserProfile) error {
		p.Reputation = 1.0
		return nil
	}))
	require.NoError(t, f.reputation.ReportQuotaExceeded(ctx, "alice", models.Operation{Kind: models.OpUpload}, f.now()))
	profile, err = f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.0, profile.Reputation)
}
