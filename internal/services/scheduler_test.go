package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federated-storage/economy/internal/models"
)

// captureDelivery records dispatched challenge payloads.
type captureDelivery struct {
	mu       sync.Mutex
	payloads []ChallengePayload
	peers    []string
}

func (d *captureDelivery) Dispatch(ctx context.Context, peerID string, payload ChallengePayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = append(d.peers, peerID)
	d.payloads = append(d.payloads, payload)
	return nil
}

func (d *captureDelivery) all() []ChallengePayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ChallengePayload(nil), d.payloads...)
}

func newTestScheduler(f *fixture) (*Scheduler, *captureDelivery) {
	delivery := &captureDelivery{}
	return NewScheduler(f.store, f.cfg, f.challenges, f.reputation, delivery, f.clock), delivery
}

func TestTickIssuesDueChallenges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched, delivery := newTestScheduler(f)

	f.onboard(t, "alice", 4<<30)

	sched.Tick(ctx)

	payloads := delivery.all()
	require.Len(t, payloads, 1)
	payload := payloads[0]
	assert.Equal(t, "12D3KooWalice", delivery.peers[0])
	assert.Len(t, payload.Nonce, 32)
	assert.NotEmpty(t, payload.ChallengeID)

	// The payload never carries the expected digest; confirm the stored
	// challenge does.
	stored, err := f.store.LoadChallenge(ctx, payload.ChallengeID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ExpectedDigest)

	// With a live challenge outstanding, the next tick issues nothing.
	sched.Tick(ctx)
	assert.Len(t, delivery.all(), 1)
}

func TestTickExpiresOverdueChallenges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched, delivery := newTestScheduler(f)

	f.onboard(t, "alice", 4<<30)
	sched.Tick(ctx)
	require.Len(t, delivery.all(), 1)

	// Nobody answers. Past the deadline the tick synthesizes a failure.
	f.clock.Add(f.cfg.VerifyTimeout + time.Minute)
	sched.Tick(ctx)

	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 70.0, profile.Reputation)
	require.Len(t, profile.Violations, 1)
	assert.Equal(t, models.ViolationProofFailed, profile.Violations[0].Kind)

	// The failure pushed the next verification a full interval out, so
	// nothing new was issued this tick.
	assert.Len(t, delivery.all(), 1)

	proof, err := f.store.LoadProofByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ProofFailed, proof.Status)
}

func TestTickSweepsLapsedSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched, _ := newTestScheduler(f)

	_, err := f.economy.RegisterUser(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, f.economy.UpgradePremium(ctx, "alice", 10<<30, f.now().Add(time.Hour), nil))

	sched.Tick(ctx)
	profile, err := f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierPremium, profile.Tier.Kind())

	f.clock.Add(2 * time.Hour)
	sched.Tick(ctx)

	profile, err = f.store.LoadProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, profile.Tier.Kind())
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	sched, delivery := newTestScheduler(f)

	f.onboard(t, "alice", 4<<30)

	sched.Start()
	time.Sleep(10 * time.Millisecond) // let the loop register its ticker
	f.clock.Add(f.cfg.SchedulerPeriod)
	sched.Stop()

	assert.Len(t, delivery.all(), 1)
}

func TestVerifiedProofNotDueUntilNextInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched, delivery := newTestScheduler(f)

	f.onboard(t, "alice", 4<<30)
	sched.Tick(ctx)
	payloads := delivery.all()
	require.Len(t, payloads, 1)

	// Answer the challenge correctly.
	proof, err := f.store.LoadProofByUser(ctx, "alice")
	require.NoError(t, err)
	challenge, err := f.store.LoadChallenge(ctx, payloads[0].ChallengeID)
	require.NoError(t, err)
	digest := f.answer(t, proof, challenge)

	f.clock.Add(f.cfg.VerifyMinResponse)
	outcome, err := f.verifier.Resolve(ctx, challenge.ChallengeID, digest, f.now())
	require.NoError(t, err)
	require.True(t, outcome.Passed)
	require.NoError(t, f.reputation.ApplyOutcome(ctx, outcome))

	// An hour later nothing is due; one interval later it is.
	f.clock.Add(time.Hour)
	sched.Tick(ctx)
	assert.Len(t, delivery.all(), 1)

	f.clock.Add(f.cfg.VerifyInterval)
	sched.Tick(ctx)
	assert.Len(t, delivery.all(), 2)
}
