package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	"github.com/federated-storage/economy/internal/services"
	"github.com/federated-storage/economy/internal/storage"
)

// ProofHandler handles challenge responses from storage nodes
type ProofHandler struct {
	verifier   *services.Verifier
	reputation *services.ReputationService
	clock      clock.Clock
}

// NewProofHandler creates a new proof handler
func NewProofHandler(verifier *services.Verifier, reputation *services.ReputationService, clk clock.Clock) *ProofHandler {
	return &ProofHandler{
		verifier:   verifier,
		reputation: reputation,
		clock:      clk,
	}
}

// ChallengeResponseRequest is a storage node's answer to a challenge
type ChallengeResponseRequest struct {
	ChallengeID string `json:"challenge_id" binding:"required"`
	Digest      []byte `json:"digest" binding:"required"`
}

// Respond handles a challenge response. Receipt time is taken when the
// request arrives, not when the node claims to have answered.
func (h *ProofHandler) Respond(c *gin.Context) {
	receivedAt := h.clock.Now().UTC()

	var req ChallengeResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.verifier.Resolve(c.Request.Context(), req.ChallengeID, req.Digest, receivedAt)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "challenge not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.reputation.ApplyOutcome(c.Request.Context(), outcome); err != nil {
		log.Printf("Failed to apply verification outcome for user %s: %v", outcome.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to settle outcome"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"passed":      outcome.Passed,
		"reason":      outcome.Reason,
		"response_ms": outcome.ResponseMs,
	})
}

// ContributionReportRequest is a storage node's report that a user's
// pledged region no longer holds its claimed size.
type ContributionReportRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	NewBytes int64  `json:"new_bytes" binding:"gte=0"`
}

// ReportShrink handles a node's report of a shrunken contribution
func (h *ProofHandler) ReportShrink(c *gin.Context) {
	var req ContributionReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := h.clock.Now().UTC()
	err := h.reputation.ReportContributionShrunk(c.Request.Context(), req.UserID, req.NewBytes, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		case errors.Is(err, services.ErrNotContributor):
			c.JSON(http.StatusConflict, gin.H{"error": "user is not a contributor"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "claimed_bytes": req.NewBytes})
}
