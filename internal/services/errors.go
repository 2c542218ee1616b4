package services

import "errors"

// Onboarding errors are surfaced to the caller verbatim.
var (
	ErrInsufficientReputation = errors.New("insufficient reputation for contribution")
	ErrRegionUnverifiable     = errors.New("storage region unverifiable")
	ErrAlreadyContributor     = errors.New("user is already a contributor")
	ErrNotContributor         = errors.New("user is not a contributor")
	ErrSubscriptionInPast     = errors.New("subscription expiry is in the past")
)
