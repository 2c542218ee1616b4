package services

import "time"

// Config holds the storage economy parameters consumed by the services.
// The zero value is not usable; start from DefaultConfig or map from the
// loaded TOML configuration.
type Config struct {
	// ContributionRatio is R: a contributor earns 1/R of contributed bytes.
	ContributionRatio int64

	FreeStorageBytes  int64
	FreeUploadBytes   int64
	FreeDownloadBytes int64

	// VerifyInterval is the base interval between verifications.
	VerifyInterval time.Duration
	// VerifyTimeout is the challenge window Δmax.
	VerifyTimeout time.Duration
	// VerifyMinResponse is Δmin, the minimum plausible response time.
	// Responses faster than this indicate precomputation or replay.
	VerifyMinResponse time.Duration

	MaxFailedVerifications int
	FailedWindow           time.Duration

	// DifficultyLevels is the maximum challenge range multiplier exponent.
	DifficultyLevels int

	StreakBonusK        int
	StreakBonusBytes    int64
	StreakBonusMaxBytes int64

	MinReputationForContributor float64
	ReputationDecayPerDay       float64
	HardReputationFloor         float64
	UploadReputationFloor       float64

	SchedulerPeriod time.Duration
	SchedulerBatch  int

	// ResponseAlpha is the EMA smoothing factor for avg_response_ms.
	ResponseAlpha float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ContributionRatio:           4,
		FreeStorageBytes:            100 * 1024 * 1024,
		FreeUploadBytes:             1024 * 1024 * 1024,
		FreeDownloadBytes:           2 * 1024 * 1024 * 1024,
		VerifyInterval:              24 * time.Hour,
		VerifyTimeout:               60 * time.Minute,
		VerifyMinResponse:           30 * time.Second,
		MaxFailedVerifications:      3,
		FailedWindow:                7 * 24 * time.Hour,
		DifficultyLevels:            5,
		StreakBonusK:                7,
		StreakBonusBytes:            64 * 1024 * 1024,
		StreakBonusMaxBytes:         1024 * 1024 * 1024,
		MinReputationForContributor: 75.0,
		ReputationDecayPerDay:       0.1,
		HardReputationFloor:         20.0,
		UploadReputationFloor:       10.0,
		SchedulerPeriod:             60 * time.Second,
		SchedulerBatch:              100,
		ResponseAlpha:               0.2,
	}
}
