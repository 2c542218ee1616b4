package services

import (
	"context"
	"time"
)

// ChallengePayload is what the contributor's node receives. It carries
// everything needed to read the challenged range and respond; the
// expected digest never leaves the coordinator.
type ChallengePayload struct {
	ChallengeID  string    `json:"challenge_id"`
	ProofID      string    `json:"proof_id"`
	Nonce        []byte    `json:"nonce"`
	RegionOffset int64     `json:"region_offset"`
	RegionLength int64     `json:"region_length"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ChallengeDelivery hands a challenge payload to a contributor peer.
type ChallengeDelivery interface {
	Dispatch(ctx context.Context, peerID string, payload ChallengePayload) error
}

// DeliveryFunc adapts a function to the ChallengeDelivery interface.
type DeliveryFunc func(ctx context.Context, peerID string, payload ChallengePayload) error

func (f DeliveryFunc) Dispatch(ctx context.Context, peerID string, payload ChallengePayload) error {
	return f(ctx, peerID, payload)
}
