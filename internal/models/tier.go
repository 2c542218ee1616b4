package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TierKind identifies the active tier variant.
type TierKind string

const (
	TierFree        TierKind = "free"
	TierContributor TierKind = "contributor"
	TierPremium     TierKind = "premium"
	TierEnterprise  TierKind = "enterprise"
)

// Tier is the closed set of storage tiers. Exactly one variant is active
// per profile at any time.
type Tier interface {
	Kind() TierKind
}

// FreeTier is the floor tier every user starts in.
type FreeTier struct {
	MaxStorage int64 `json:"max_storage"`
}

// ContributorTier is held by users who contribute verified local disk space.
// EarnedBytes is always ContributedBytes / R (integer floor); BonusBytes is
// the soft streak reward on top and is never counted against the ratio.
type ContributorTier struct {
	ContributedBytes int64     `json:"contributed_bytes"`
	EarnedBytes      int64     `json:"earned_bytes"`
	BonusBytes       int64     `json:"bonus_bytes"`
	Region           string    `json:"region"`
	LastVerifiedAt   time.Time `json:"last_verified_at"`
	Passed           int       `json:"passed"`
	Failed           int       `json:"failed"`
	NextDue          time.Time `json:"next_due"`
	ProofEnabled     bool      `json:"proof_enabled"`
}

// PremiumTier is a paid subscription.
type PremiumTier struct {
	MaxStorage            int64     `json:"max_storage"`
	SubscriptionExpiresAt time.Time `json:"subscription_expires_at"`
	Features              []string  `json:"features"`
	Priority              int       `json:"priority"`
	Redundancy            int       `json:"redundancy"`
}

// EnterpriseTier is a contracted tier. Nil caps mean unbounded; no
// sentinel values appear in admission arithmetic.
type EnterpriseTier struct {
	MaxStorage        *int64    `json:"max_storage"`
	ContractExpiresAt time.Time `json:"contract_expires_at"`
	SLA               string    `json:"sla"`
	DedicatedNodes    int       `json:"dedicated_nodes"`
	ComplianceLevel   string    `json:"compliance_level"`
}

func (FreeTier) Kind() TierKind        { return TierFree }
func (ContributorTier) Kind() TierKind { return TierContributor }
func (PremiumTier) Kind() TierKind     { return TierPremium }
func (EnterpriseTier) Kind() TierKind  { return TierEnterprise }

// TierExpiry returns the wall-clock instant after which the tier is no
// longer valid, or nil for tiers that do not expire.
func TierExpiry(t Tier) *time.Time {
	switch v := t.(type) {
	case PremiumTier:
		e := v.SubscriptionExpiresAt
		return &e
	case EnterpriseTier:
		e := v.ContractExpiresAt
		return &e
	default:
		return nil
	}
}

// MarshalTier serialises a tier variant for storage.
func MarshalTier(t Tier) (TierKind, []byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal tier: %w", err)
	}
	return t.Kind(), data, nil
}

// UnmarshalTier reconstructs a tier variant from its stored form.
func UnmarshalTier(kind TierKind, data []byte) (Tier, error) {
	switch kind {
	case TierFree:
		var t FreeTier
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal free tier: %w", err)
		}
		return t, nil
	case TierContributor:
		var t ContributorTier
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal contributor tier: %w", err)
		}
		return t, nil
	case TierPremium:
		var t PremiumTier
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal premium tier: %w", err)
		}
		return t, nil
	case TierEnterprise:
		var t EnterpriseTier
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal enterprise tier: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown tier kind %q", kind)
	}
}
