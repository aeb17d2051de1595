package athanor

import "slices"

// Feature flags gated per tier.
const (
	FeatureCouncil       = "council"
	FeatureMusic         = "music"
	FeatureJam           = "jam"
	FeatureTraining      = "training"
	FeatureCodeExecution = "code_execution"
	FeatureDevMode       = "dev_mode"
)

// UnlimitedQuota marks a counter without a cap.
const UnlimitedQuota int64 = -1

// TierPolicy is one tier's capability bundle.
type TierPolicy struct {
	// Limits caps each counter for the billing period. A missing counter
	// means zero allowance; UnlimitedQuota lifts the cap.
	Limits map[Counter]int64
	// AllowedModels lists model ids the tier may call.
	AllowedModels []string
	ToolsEnabled  bool
	// MaxContextTokens bounds the conversation tail loaded per request.
	MaxContextTokens int
	Features         []string
}

// Policy is the static tier table loaded at startup. It is immutable after
// construction, so concurrent reads need no locking.
type Policy struct {
	tiers map[Tier]TierPolicy
	// devModels are additionally visible to users with the dev-mode flag.
	devModels []string
}

// NewPolicy builds the gate from a tier table and the dev-mode model list.
func NewPolicy(tiers map[Tier]TierPolicy, devModels []string) *Policy {
	return &Policy{tiers: tiers, devModels: devModels}
}

// Limit returns the period cap for the counter at the given tier.
func (p *Policy) Limit(t Tier, c Counter) int64 {
	return p.tiers[t].Limits[c]
}

// ToolsEnabled reports whether the tier may use tools at all.
func (p *Policy) ToolsEnabled(t Tier) bool {
	return p.tiers[t].ToolsEnabled
}

// MaxContextTokens returns the tier's context window bound. Zero means no
// bound.
func (p *Policy) MaxContextTokens(t Tier) int {
	return p.tiers[t].MaxContextTokens
}

// AllowedModel reports whether the user may call modelID. Dev mode widens
// the set with the dev model list; it never touches quota.
func (p *Policy) AllowedModel(u User, modelID string) bool {
	if slices.Contains(p.tiers[u.Tier].AllowedModels, modelID) {
		return true
	}
	return u.DevMode && slices.Contains(p.devModels, modelID)
}

// FeatureEnabled reports whether the user's tier grants the feature.
func (p *Policy) FeatureEnabled(u User, feature string) bool {
	if feature == FeatureDevMode {
		return u.DevMode
	}
	return slices.Contains(p.tiers[u.Tier].Features, feature)
}

// CheckModel returns the TierForbidden error for a denied model, nil when
// allowed.
func (p *Policy) CheckModel(u User, modelID string) error {
	if !p.AllowedModel(u, modelID) {
		return &Error{Kind: KindTierForbidden, Resource: modelID,
			Message: "model " + modelID + " is not available on tier " + string(u.Tier)}
	}
	return nil
}

// CheckFeature returns the TierForbidden error for a denied feature, nil
// when granted.
func (p *Policy) CheckFeature(u User, feature string) error {
	if !p.FeatureEnabled(u, feature) {
		return &Error{Kind: KindTierForbidden, Resource: feature,
			Message: "feature " + feature + " is not available on tier " + string(u.Tier)}
	}
	return nil
}
