package services

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/federated-storage/economy/internal/models"
	"github.com/federated-storage/economy/internal/storage"
)

// fixture wires the services over an in-memory store and a mock clock.
type fixture struct {
	store      storage.Store
	clock      *clock.Mock
	cfg        Config
	quota      *QuotaEvaluator
	reputation *ReputationService
	economy    *EconomyService
	challenges *ChallengeService
	verifier   *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	cfg := DefaultConfig()
	quota := NewQuotaEvaluator(cfg)
	reputation := NewReputationService(store, cfg)

	return &fixture{
		store:      store,
		clock:      clk,
		cfg:        cfg,
		quota:      quota,
		reputation: reputation,
		economy:    NewEconomyService(store, cfg, quota, reputation, clk),
		challenges: NewChallengeService(store, cfg, clk),
		verifier:   NewVerifier(store, cfg),
	}
}

func (f *fixture) now() time.Time {
	return f.clock.Now().UTC()
}

// onboard registers a user and moves them to the contributor tier.
func (f *fixture) onboard(t *testing.T, userID string, claimedBytes int64) *models.StorageProof {
	t.Helper()
	ctx := context.Background()

	_, err := f.economy.RegisterUser(ctx, userID)
	require.NoError(t, err)

	proof, err := f.economy.OnboardContributor(ctx, userID, "/srv/plots/"+userID, claimedBytes, "12D3KooW"+userID)
	require.NoError(t, err)
	return proof
}

// answer computes the correct digest for a live challenge.
func (f *fixture) answer(t *testing.T, proof *models.StorageProof, c *models.Challenge) []byte {
	t.Helper()
	digest, err := regionDigest(proof.RegionSeed, c.Nonce, c.UserID, c.RegionOffset, c.RegionLength)
	require.NoError(t, err)
	return digest
}
