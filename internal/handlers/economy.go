package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	"github.com/federated-storage/economy/internal/middleware"
	"github.com/federated-storage/economy/internal/models"
	"github.com/federated-storage/economy/internal/services"
	"github.com/federated-storage/economy/internal/storage"
)

// EconomyHandler handles tier, admission and usage requests
type EconomyHandler struct {
	economy    *services.EconomyService
	reputation *services.ReputationService
	clock      clock.Clock
	jwtConfig  middleware.JWTConfig
}

// NewEconomyHandler creates a new economy handler
func NewEconomyHandler(economy *services.EconomyService, reputation *services.ReputationService, clk clock.Clock, jwtSecret string) *EconomyHandler {
	return &EconomyHandler{
		economy:    economy,
		reputation: reputation,
		clock:      clk,
		jwtConfig: middleware.JWTConfig{
			Secret:     jwtSecret,
			Expiration: 24 * time.Hour,
		},
	}
}

// RegisterRequest is the user registration payload
type RegisterRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// AuthResponse is returned after registration
type AuthResponse struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
	Token  string `json:"token"`
}

// Register handles user registration
func (h *EconomyHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile, err := h.economy.RegisterUser(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	token, err := middleware.GenerateToken(profile.UserID, h.jwtConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{
		UserID: profile.UserID,
		Tier:   string(profile.Tier.Kind()),
		Token:  token,
	})
}

// ContributeRequest is the contributor onboarding payload
type ContributeRequest struct {
	Region       string `json:"region" binding:"required"`
	ClaimedBytes int64  `json:"claimed_bytes" binding:"required"`
	DeliveryPeer string `json:"delivery_peer" binding:"required"`
}

// Contribute handles contributor tier onboarding
func (h *EconomyHandler) Contribute(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req ContributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proof, err := h.economy.OnboardContributor(c.Request.Context(), userID, req.Region, req.ClaimedBytes, req.DeliveryPeer)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInsufficientReputation),
			errors.Is(err, services.ErrRegionUnverifiable):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrAlreadyContributor):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not registered"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"proof_id":      proof.ProofID,
		"region_seed":   proof.RegionSeed,
		"claimed_bytes": proof.ClaimedBytes,
		"status":        proof.Status,
	})
}

// PremiumRequest is the premium upgrade payload
type PremiumRequest struct {
	MaxStorage int64     `json:"max_storage" binding:"required"`
	ExpiresAt  time.Time `json:"expires_at" binding:"required"`
	Features   []string  `json:"features"`
}

// UpgradePremium handles premium tier upgrades
func (h *EconomyHandler) UpgradePremium(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req PremiumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.economy.UpgradePremium(c.Request.Context(), userID, req.MaxStorage, req.ExpiresAt, req.Features)
	if err != nil {
		if errors.Is(err, services.ErrSubscriptionInPast) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tier": models.TierPremium})
}

// EnterpriseRequest is the enterprise upgrade payload
type EnterpriseRequest struct {
	MaxStorage      *int64    `json:"max_storage"`
	ExpiresAt       time.Time `json:"expires_at" binding:"required"`
	SLA             string    `json:"sla"`
	DedicatedNodes  int       `json:"dedicated_nodes"`
	ComplianceLevel string    `json:"compliance_level"`
}

// UpgradeEnterprise handles enterprise tier upgrades
func (h *EconomyHandler) UpgradeEnterprise(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req EnterpriseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.economy.UpgradeEnterprise(c.Request.Context(), userID, req.MaxStorage, req.ExpiresAt, req.SLA, req.DedicatedNodes, req.ComplianceLevel)
	if err != nil {
		if errors.Is(err, services.ErrSubscriptionInPast) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tier": models.TierEnterprise})
}

// OperationRequest describes an operation for admission or accounting
type OperationRequest struct {
	Kind  models.OpKind `json:"kind" binding:"required"`
	Bytes int64         `json:"bytes"`
}

// Admit handles admission checks for proposed operations
func (h *EconomyHandler) Admit(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := h.economy.Admit(c.Request.Context(), userID, models.Operation{Kind: req.Kind, Bytes: req.Bytes})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if decision.Allowed {
		c.JSON(http.StatusOK, gin.H{"allowed": true})
		return
	}

	// Quota denials count against the user's record.
	if decision.Reason == models.DenyStorageExceeded || decision.Reason == models.DenyBandwidthExceeded {
		op := models.Operation{Kind: req.Kind, Bytes: req.Bytes}
		if err := h.reputation.ReportQuotaExceeded(c.Request.Context(), userID, op, h.clock.Now().UTC()); err != nil {
			log.Printf("Failed to record quota violation for user %s: %v", userID, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"allowed": false, "reason": decision.Reason})
}

// RecordUsage handles usage accounting after completed operations
func (h *EconomyHandler) RecordUsage(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.economy.RecordUsage(c.Request.Context(), userID, models.Operation{Kind: req.Kind, Bytes: req.Bytes})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// Statistics handles user statistics requests
func (h *EconomyHandler) Statistics(c *gin.Context) {
	userID := middleware.GetUserID(c)

	stats, err := h.economy.Statistics(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Anonymize handles privacy scrub requests
func (h *EconomyHandler) Anonymize(c *gin.Context) {
	userID := middleware.GetUserID(c)

	if err := h.economy.AnonymizeUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "anonymized"})
}
