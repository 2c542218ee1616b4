package models

import (
	"time"
)

// UserProfile is the durable per-user record of the storage economy.
type UserProfile struct {
	UserID             string
	Tier               Tier
	UsageBytes         int64
	UploadUsedPeriod   int64
	DownloadUsedPeriod int64
	PeriodStart        time.Time
	Reputation         float64 // always within [0, 100]
	Violations         []Violation
	VerificationStreak int
	LastActivity       time.Time
	Anonymized         bool
	Version            int64 // optimistic concurrency token
}

// ViolationKind classifies a recorded infraction.
type ViolationKind string

const (
	ViolationProofFailed        ViolationKind = "proof_failed"
	ViolationQuotaExceeded      ViolationKind = "quota_exceeded"
	ViolationContributionShrunk ViolationKind = "contribution_shrunk"
	ViolationPaymentLapsed      ViolationKind = "payment_lapsed"
	ViolationAbuse              ViolationKind = "abuse"
)

// ViolationSeverity grades a violation.
type ViolationSeverity string

const (
	SeverityLow      ViolationSeverity = "low"
	SeverityMedium   ViolationSeverity = "medium"
	SeverityHigh     ViolationSeverity = "high"
	SeverityCritical ViolationSeverity = "critical"
)

// Violation is immutable once appended to a profile. Only an operator
// flips Resolved.
type Violation struct {
	ID        string            `json:"id"`
	Kind      ViolationKind     `json:"kind"`
	Severity  ViolationSeverity `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Note      string            `json:"note"`
	Resolved  bool              `json:"resolved"`
}

// ProofStatus tracks the lifecycle of a storage proof.
type ProofStatus string

const (
	ProofPending    ProofStatus = "pending"
	ProofVerified   ProofStatus = "verified"
	ProofChallenged ProofStatus = "challenged"
	ProofFailed     ProofStatus = "failed"
	ProofSuspended  ProofStatus = "suspended"
	ProofExpired    ProofStatus = "expired"
)

// StorageProof is the one-per-contributor record of a claimed storage
// region. RegionSeed is the 32-byte plot seed issued at onboarding; the
// region's content is derived from it, which lets the coordinator compute
// expected digests for any byte range without touching the contributor's
// disk.
type StorageProof struct {
	ProofID               string
	UserID                string
	StorageRegion         string
	DeliveryPeer          string
	RegionSeed            []byte
	ClaimedBytes          int64
	VerifiedBytes         int64
	LastVerifiedAt        time.Time
	NextVerificationDueAt time.Time
	Status                ProofStatus
	StreakCount           int
	ConsistencyScore      float64 // [0, 100]
	AvgResponseMs         float64
	Difficulty            int
	ConsecutiveIndex      int
}

// Challenge is a transient verification attempt. At most one live
// challenge exists per user.
type Challenge struct {
	ChallengeID      string
	UserID           string
	ProofID          string
	Nonce            []byte // 32 bytes, never reused within a proof's lifetime
	RegionOffset     int64
	RegionLength     int64
	ExpectedDigest   []byte
	IssuedAt         time.Time
	ExpiresAt        time.Time
	Difficulty       int
	ConsecutiveIndex int
}

// FailReason classifies a failed verification. These never surface to end
// users directly; they feed reputation accounting.
type FailReason string

const (
	FailNone     FailReason = ""
	FailExpired  FailReason = "expired"
	FailMismatch FailReason = "mismatch"
	FailTooFast  FailReason = "too_fast"
)

// VerificationOutcome is the verifier's verdict on one challenge.
type VerificationOutcome struct {
	ChallengeID string
	UserID      string
	ProofID     string
	Passed      bool
	Reason      FailReason
	ResponseMs  int64
	ReceivedAt  time.Time
}

// OpKind is the class of a user operation submitted for admission.
type OpKind string

const (
	OpUpload     OpKind = "upload"
	OpDownload   OpKind = "download"
	OpDelete     OpKind = "delete"
	OpStoreDelta OpKind = "store_delta"
)

// Operation is a proposed user operation. Bytes is signed for
// OpStoreDelta and non-negative otherwise.
type Operation struct {
	Kind  OpKind
	Bytes int64
}

// DenyReason explains a denied admission check.
type DenyReason string

const (
	DenyTierExpired       DenyReason = "tier_expired"
	DenyStorageExceeded   DenyReason = "storage_exceeded"
	DenyBandwidthExceeded DenyReason = "bandwidth_exceeded"
	DenyReputationTooLow  DenyReason = "reputation_too_low"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

// Allow is the positive admission decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny is a negative admission decision with its reason.
func Deny(reason DenyReason) Decision { return Decision{Reason: reason} }

// UserStats is the statistics snapshot exposed to callers.
type UserStats struct {
	UserID             string   `json:"user_id"`
	Tier               TierKind `json:"tier"`
	UsageBytes         int64    `json:"usage_bytes"`
	MaxStorage         *int64   `json:"max_storage,omitempty"`
	UploadUsedPeriod   int64    `json:"upload_used_period"`
	UploadQuota        *int64   `json:"upload_quota,omitempty"`
	DownloadUsedPeriod int64    `json:"download_used_period"`
	DownloadQuota      *int64   `json:"download_quota,omitempty"`
	Reputation         float64  `json:"reputation"`
	ViolationsCount    int      `json:"violations_count"`
	VerificationStreak int      `json:"verification_streak"`
	CanContribute      bool     `json:"can_contribute"`
	// PendingChallenge is the response deadline of the outstanding
	// storage challenge, nil when none is live.
	PendingChallenge *time.Time `json:"pending_challenge,omitempty"`
}
