package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/federated-storage/economy/internal/models"
)

func freeProfile() *models.UserProfile {
	return &models.UserProfile{
		UserID:     "user-1",
		Tier:       models.FreeTier{MaxStorage: 100 * 1024 * 1024},
		Reputation: 75,
	}
}

func TestEvaluateFreeTier(t *testing.T) {
	q := NewQuotaEvaluator(DefaultConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		profile func() *models.UserProfile
		op      models.Operation
		allowed bool
		reason  models.DenyReason
	}{
		{
			name:    "upload within cap",
			profile: freeProfile,
			op:      models.Operation{Kind: models.OpUpload, Bytes: 1024},
			allowed: true,
		},
		{
			name: "upload exactly to the cap",
			profile: func() *models.UserProfile {
				p := freeProfile()
				p.UsageBytes = 100*1024*1024 - 1
				return p
			},
			op:      models.Operation{Kind: models.OpUpload, Bytes: 1},
			allowed: true,
		},
		{
			name: "upload one byte over the cap",
			profile: func() *models.UserProfile {
				p := freeProfile()
				p.UsageBytes = 100 * 1024 * 1024
				return p
			},
			op:      models.Operation{Kind: models.OpUpload, Bytes: 1},
			allowed: false,
			reason:  models.DenyStorageExceeded,
		},
		{
			name: "upload bandwidth exhausted",
			profile: func() *models.UserProfile {
				p := freeProfile()
				p.UploadUsedPeriod = 1024 * 1024 * 1024
				return p
			},
			op:      models.Operation{Kind: models.OpUpload, Bytes: 1},
			allowed: false,
			reason:  models.DenyBandwidthExceeded,
		},
		{
			name: "download bandwidth exhausted",
			profile: func() *models.UserProfile {
				p := freeProfile()
				p.DownloadUsedPeriod = 2 * 1024 * 1024 * 1024
				return p
			},
			op:      models.Operation{Kind: models.OpDownload, Bytes: 1},
			allowed: false,
			reason:  models.DenyBandwidthExceeded,
		},
		{
			name: "upload with reputation below floor",
			profile: func() *models.UserProfile {
				p := freeProfile()
				p.Reputation = 9.9
				return p
			},
			op:      models.Operation{Kind: models.OpUpload, Bytes: 1},
			allowed: false,
			reason:  models.DenyReputationTooLow,
		},
		{
			name: "delete always admitted",
			profile: func() *models.UserProfile {
				p := freeProfile()
				p.Reputation = 0
				p.UsageBytes = 200 * 1024 * 1024
				return p
			},
			op:      models.Operation{Kind: models.OpDelete, Bytes: 1024},
			allowed: true,
		},
		{
			name: "negative store delta always admitted",
			profile: func() *models.UserProfile {
				p := freeProfile()
				p.UsageBytes = 200 * 1024 * 1024
				return p
			},
			op:      models.Operation{Kind: models.OpStoreDelta, Bytes: -1024},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := q.Evaluate(tt.profile(), tt.op, now)
			assert.Equal(t, tt.allowed, decision.Allowed)
			if !tt.allowed {
				assert.Equal(t, tt.reason, decision.Reason)
			}
		})
	}
}

func TestEvaluateExpiredTierDeniesEverything(t *testing.T) {
	q := NewQuotaEvaluator(DefaultConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	p := freeProfile()
	p.Tier = models.PremiumTier{MaxStorage: 1 << 30, SubscriptionExpiresAt: now.Add(-time.Second)}

	for _, kind := range []models.OpKind{models.OpUpload, models.OpDownload, models.OpDelete} {
		decision := q.Evaluate(p, models.Operation{Kind: kind, Bytes: 1}, now)
		assert.False(t, decision.Allowed, "op %s", kind)
		assert.Equal(t, models.DenyTierExpired, decision.Reason)
	}
}

func TestContributorCapacityIsEarnedPlusBonus(t *testing.T) {
	q := NewQuotaEvaluator(DefaultConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	p := freeProfile()
	p.Tier = models.ContributorTier{
		ContributedBytes: 4 << 30,
		EarnedBytes:      1 << 30,
		BonusBytes:       64 * 1024 * 1024,
	}

	limit := q.MaxStorage(p.Tier)
	assert.Equal(t, int64(1<<30)+64*1024*1024, *limit)

	p.UsageBytes = *limit
	decision := q.Evaluate(p, models.Operation{Kind: models.OpUpload, Bytes: 1}, now)
	assert.False(t, decision.Allowed)
	assert.Equal(t, models.DenyStorageExceeded, decision.Reason)
}

func TestEnterpriseUnboundedCaps(t *testing.T) {
	q := NewQuotaEvaluator(DefaultConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	p := freeProfile()
	p.Tier = models.EnterpriseTier{ContractExpiresAt: now.Add(365 * 24 * time.Hour)}
	p.UsageBytes = 1 << 50
	p.UploadUsedPeriod = 1 << 50

	decision := q.Evaluate(p, models.Operation{Kind: models.OpUpload, Bytes: 1 << 40}, now)
	assert.True(t, decision.Allowed)

	assert.Nil(t, q.MaxStorage(p.Tier))
	assert.Nil(t, q.UploadQuota(p.Tier))
	assert.Nil(t, q.DownloadQuota(p.Tier))
}

func TestEnterpriseBoundedStorage(t *testing.T) {
	q := NewQuotaEvaluator(DefaultConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	limit := int64(10 << 30)
	p := freeProfile()
	p.Tier = models.EnterpriseTier{MaxStorage: &limit, ContractExpiresAt: now.Add(time.Hour)}
	p.UsageBytes = limit

	decision := q.Evaluate(p, models.Operation{Kind: models.OpUpload, Bytes: 1}, now)
	assert.False(t, decision.Allowed)
	assert.Equal(t, models.DenyStorageExceeded, decision.Reason)
}

func TestPremiumBandwidthMultiples(t *testing.T) {
	q := NewQuotaEvaluator(DefaultConfig())

	tier := models.PremiumTier{MaxStorage: 1 << 30}
	assert.Equal(t, int64(3<<30), *q.UploadQuota(tier))
	assert.Equal(t, int64(5<<30), *q.DownloadQuota(tier))
}
