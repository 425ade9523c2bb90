package domain

import "strings"

// Tier enumerates subscription plans.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierFamily  Tier = "family"
)

// TierLimits is the admission policy attached to a tier.
type TierLimits struct {
	RequestsPerHour int
	Burst           int
	MaxConcurrent   int
	LongStories     bool
	BackgroundMusic bool
}

var tierLimits = map[Tier]TierLimits{
	TierFree:    {RequestsPerHour: 5, Burst: 2, MaxConcurrent: 1},
	TierPremium: {RequestsPerHour: 20, Burst: 5, MaxConcurrent: 3, LongStories: true, BackgroundMusic: true},
	TierFamily:  {RequestsPerHour: 30, Burst: 8, MaxConcurrent: 5, LongStories: true, BackgroundMusic: true},
}

// ParseTier normalizes a plan claim; unknown values fall back to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPremium:
		return TierPremium
	case TierFamily:
		return TierFamily
	default:
		return TierFree
	}
}

// Limits returns the admission policy for the tier.
func (t Tier) Limits() TierLimits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// Features is the per-tier feature matrix surfaced to clients.
func (t Tier) Features() map[string]any {
	l := t.Limits()
	return map[string]any{
		"long_stories":      l.LongStories,
		"background_music":  l.BackgroundMusic,
		"max_concurrent":    l.MaxConcurrent,
		"requests_per_hour": l.RequestsPerHour,
	}
}
