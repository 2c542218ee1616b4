package services

import (
	"time"

	"github.com/federated-storage/economy/internal/models"
)

// QuotaEvaluator decides whether a proposed user operation is admitted
// under the profile's tier. Evaluation is pure: it never mutates the
// profile and performs no I/O; counter updates are applied by the caller
// after the gated operation succeeds.
type QuotaEvaluator struct {
	cfg Config
}

// NewQuotaEvaluator creates a quota evaluator.
func NewQuotaEvaluator(cfg Config) *QuotaEvaluator {
	return &QuotaEvaluator{cfg: cfg}
}

// Evaluate applies the admission rules in order, first match wins:
// tier expiry, storage-at-rest, period bandwidth, reputation floor.
func (q *QuotaEvaluator) Evaluate(p *models.UserProfile, op models.Operation, now time.Time) models.Decision {
	if exp := models.TierExpiry(p.Tier); exp != nil && !exp.After(now) {
		return models.Deny(models.DenyTierExpired)
	}

	switch op.Kind {
	case models.OpUpload:
		if exceedsCap(p.UsageBytes, op.Bytes, q.MaxStorage(p.Tier)) {
			return models.Deny(models.DenyStorageExceeded)
		}
		if exceedsCap(p.UploadUsedPeriod, op.Bytes, q.UploadQuota(p.Tier)) {
			return models.Deny(models.DenyBandwidthExceeded)
		}
		if p.Reputation < q.cfg.UploadReputationFloor {
			return models.Deny(models.DenyReputationTooLow)
		}
	case models.OpDownload:
		if exceedsCap(p.DownloadUsedPeriod, op.Bytes, q.DownloadQuota(p.Tier)) {
			return models.Deny(models.DenyBandwidthExceeded)
		}
	case models.OpDelete:
		// Frees space; always admitted once the tier is valid.
	case models.OpStoreDelta:
		if op.Bytes > 0 {
			if exceedsCap(p.UsageBytes, op.Bytes, q.MaxStorage(p.Tier)) {
				return models.Deny(models.DenyStorageExceeded)
			}
			if p.Reputation < q.cfg.UploadReputationFloor {
				return models.Deny(models.DenyReputationTooLow)
			}
		}
	}

	return models.Allow()
}

// exceedsCap reports whether used+delta would exceed cap. A nil cap is
// unbounded.
func exceedsCap(used, delta int64, limit *int64) bool {
	if limit == nil {
		return false
	}
	return used+delta > *limit
}

// MaxStorage returns the storage-at-rest cap for a tier; nil means
// unbounded. Contributor capacity is earned bytes plus any streak bonus.
func (q *QuotaEvaluator) MaxStorage(t models.Tier) *int64 {
	switch v := t.(type) {
	case models.FreeTier:
		return &v.MaxStorage
	case models.ContributorTier:
		limit := v.EarnedBytes + v.BonusBytes
		return &limit
	case models.PremiumTier:
		return &v.MaxStorage
	case models.EnterpriseTier:
		return v.MaxStorage
	default:
		zero := int64(0)
		return &zero
	}
}

// UploadQuota returns the per-period upload cap for a tier; nil means
// unbounded.
func (q *QuotaEvaluator) UploadQuota(t models.Tier) *int64 {
	switch v := t.(type) {
	case models.FreeTier:
		limit := q.cfg.FreeUploadBytes
		return &limit
	case models.ContributorTier:
		limit := 2 * (v.EarnedBytes + v.BonusBytes)
		return &limit
	case models.PremiumTier:
		limit := 3 * v.MaxStorage
		return &limit
	case models.EnterpriseTier:
		return nil
	default:
		zero := int64(0)
		return &zero
	}
}

// DownloadQuota returns the per-period download cap for a tier; nil means
// unbounded.
func (q *QuotaEvaluator) DownloadQuota(t models.Tier) *int64 {
	switch v := t.(type) {
	case models.FreeTier:
		limit := q.cfg.FreeDownloadBytes
		return &limit
	case models.ContributorTier:
		limit := 4 * (v.EarnedBytes + v.BonusBytes)
		return &limit
	case models.PremiumTier:
		limit := 5 * v.MaxStorage
		return &limit
	case models.EnterpriseTier:
		return nil
	default:
		zero := int64(0)
		return &zero
	}
}
