package storage

import (
	"context"
	"errors"
	"time"

	"github.com/federated-storage/economy/internal/models"
)

var (
	// ErrNotFound is returned for absent records. It is a normal result
	// for profiles and a logic error for proofs and challenges.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an update observed a stale snapshot
	// or an insert hit a uniqueness constraint. Retry is the caller's
	// responsibility.
	ErrConflict = errors.New("conflict")
	// ErrNonceReuse is returned when a challenge nonce was already used
	// for the proof.
	ErrNonceReuse = errors.New("nonce reuse")
)

// DueVerification pairs a contributor profile with its proof when a
// verification is due.
type DueVerification struct {
	Profile *models.UserProfile
	Proof   *models.StorageProof
}

// Store is the durable state of the storage economy: profiles and their
// violation logs, storage proofs, live challenges and the per-proof nonce
// history. A successful write is durable before the call returns.
type Store interface {
	LoadProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	PutProfile(ctx context.Context, p *models.UserProfile) error
	// UpdateProfile runs fn on the current profile under per-user
	// exclusion and persists the result atomically. Violations appended
	// by fn are written to the append-only log in insertion order.
	UpdateProfile(ctx context.Context, userID string, fn func(*models.UserProfile) error) error
	// EnumerateDue lists contributors whose next verification is due and
	// who have no live challenge outstanding.
	EnumerateDue(ctx context.Context, now time.Time, limit int) ([]DueVerification, error)
	// ExpiredTierUsers lists users whose subscription or contract expiry
	// is at or before now.
	ExpiredTierUsers(ctx context.Context, now time.Time, limit int) ([]string, error)

	LoadProof(ctx context.Context, proofID string) (*models.StorageProof, error)
	LoadProofByUser(ctx context.Context, userID string) (*models.StorageProof, error)
	PutProof(ctx context.Context, p *models.StorageProof) error
	UpdateProof(ctx context.Context, proofID string, fn func(*models.StorageProof) error) error
	DeleteProofByUser(ctx context.Context, userID string) error
	// RecordNonce remembers a nonce for the proof's lifetime, returning
	// ErrNonceReuse if it was seen before.
	RecordNonce(ctx context.Context, proofID string, nonce []byte) error

	// PutChallenge inserts a live challenge; ErrConflict if the user
	// already has one outstanding.
	PutChallenge(ctx context.Context, c *models.Challenge) error
	LoadChallenge(ctx context.Context, challengeID string) (*models.Challenge, error)
	// DeleteChallenge removes a challenge from the live set; deleted
	// reports whether this call removed it, so a challenge resolved
	// concurrently by another path is processed exactly once.
	DeleteChallenge(ctx context.Context, challengeID string) (deleted bool, err error)
	LiveChallengeForUser(ctx context.Context, userID string) (*models.Challenge, error)
	ExpiredChallenges(ctx context.Context, now time.Time, limit int) ([]models.Challenge, error)

	Close() error
}
