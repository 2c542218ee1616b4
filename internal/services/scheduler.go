package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/federated-storage/economy/internal/storage"
)

// Scheduler drives the periodic verification cycle: expiring overdue
// challenges, sweeping lapsed subscriptions and issuing new challenges
// for due proofs.
type Scheduler struct {
	store      storage.Store
	cfg        Config
	challenges *ChallengeService
	reputation *ReputationService
	delivery   ChallengeDelivery
	clock      clock.Clock

	stop chan struct{}
	done sync.WaitGroup
}

func NewScheduler(store storage.Store, cfg Config, challenges *ChallengeService, reputation *ReputationService, delivery ChallengeDelivery, clk clock.Clock) *Scheduler {
	return &Scheduler{
		store:      store,
		cfg:        cfg,
		challenges: challenges,
		reputation: reputation,
		delivery:   delivery,
		clock:      clk,
		stop:       make(chan struct{}),
	}
}

// Start launches the scheduler loop. It runs until Stop is called.
func (s *Scheduler) Start() {
	s.done.Add(1)
	go s.run()
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.done.Wait()
}

func (s *Scheduler) run() {
	defer s.done.Done()

	ticker := s.clock.Ticker(s.cfg.SchedulerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one scheduler pass. Errors are logged per item; one bad
// record never stalls the rest of the batch.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now().UTC()

	s.expireOverdue(ctx, now)
	s.sweepExpiredTiers(ctx, now)
	s.issueDue(ctx, now)
}

func (s *Scheduler) expireOverdue(ctx context.Context, now time.Time) {
	outcomes, err := s.challenges.ExpireOverdue(ctx, now, s.cfg.SchedulerBatch)
	if err != nil {
		log.Printf("Failed to expire overdue challenges: %v", err)
		return
	}
	for i := range outcomes {
		if err := s.reputation.ApplyOutcome(ctx, &outcomes[i]); err != nil {
			log.Printf("Failed to apply expiry outcome for user %s: %v", outcomes[i].UserID, err)
		}
	}
}

func (s *Scheduler) sweepExpiredTiers(ctx context.Context, now time.Time) {
	users, err := s.store.ExpiredTierUsers(ctx, now, s.cfg.SchedulerBatch)
	if err != nil {
		log.Printf("Failed to list expired tiers: %v", err)
		return
	}
	for _, userID := range users {
		if err := s.reputation.HandlePaymentLapse(ctx, userID, now); err != nil {
			log.Printf("Failed to lapse tier for user %s: %v", userID, err)
		}
	}
}

func (s *Scheduler) issueDue(ctx context.Context, now time.Time) {
	due, err := s.store.EnumerateDue(ctx, now, s.cfg.SchedulerBatch)
	if err != nil {
		log.Printf("Failed to enumerate due verifications: %v", err)
		return
	}

	for _, d := range due {
		challenge, err := s.challenges.Issue(ctx, d.Proof)
		if err != nil {
			// Another coordinator may have challenged this user first.
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			log.Printf("Failed to issue challenge for proof %s: %v", d.Proof.ProofID, err)
			continue
		}

		payload := ChallengePayload{
			ChallengeID:  challenge.ChallengeID,
			ProofID:      challenge.ProofID,
			Nonce:        challenge.Nonce,
			RegionOffset: challenge.RegionOffset,
			RegionLength: challenge.RegionLength,
			ExpiresAt:    challenge.ExpiresAt,
		}
		if err := s.delivery.Dispatch(ctx, d.Proof.DeliveryPeer, payload); err != nil {
			// The challenge stays live; the node can still answer
			// before it expires, and expiry handles the rest.
			log.Printf("Failed to deliver challenge %s to %s: %v", challenge.ChallengeID, d.Proof.DeliveryPeer, err)
		}
	}
}
