package models

// Rate tiers
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierMax        = "max"
	TierEnterprise = "enterprise"
)

// TierLimits defines the per-window request allowance for a tier
type TierLimits struct {
	RequestsPerWindow int `yaml:"requests_per_window" json:"requests_per_window"`
}

// TierConfig is the on-disk tier file
type TierConfig struct {
	DefaultTier string                `yaml:"default_tier"`
	Tiers       map[string]TierLimits `yaml:"tiers"`
	Users       map[string]string     `yaml:"users"` // userID -> tier
}

// TierOrder defines the order of tiers for comparison
var TierOrder = map[string]int{
	TierFree:       0,
	TierPro:        1,
	TierMax:        2,
	TierEnterprise: 3,
}

// GetTierLimits returns the built-in limits for a tier
func GetTierLimits(tier string) TierLimits {
	switch tier {
	case TierPro:
		return TierLimits{RequestsPerWindow: 30}
	case TierMax:
		return TierLimits{RequestsPerWindow: 60}
	case TierEnterprise:
		return TierLimits{RequestsPerWindow: 120}
	default:
		return TierLimits{RequestsPerWindow: 10}
	}
}

// DefaultTierConfig returns the tier configuration used when no tier file exists
func DefaultTierConfig() *TierConfig {
	return &TierConfig{
		DefaultTier: TierFree,
		Tiers: map[string]TierLimits{
			TierFree:       GetTierLimits(TierFree),
			TierPro:        GetTierLimits(TierPro),
			TierMax:        GetTierLimits(TierMax),
			TierEnterprise: GetTierLimits(TierEnterprise),
		},
		Users: map[string]string{},
	}
}
