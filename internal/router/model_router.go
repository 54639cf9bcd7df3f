package router

import "strings"

// Default model ids per tier.
const (
	ModelOpus   = "claude-opus-4-20250514"
	ModelSonnet = "claude-sonnet-4-20250514"
	ModelHaiku  = "claude-haiku-4-5-20250901"
)

// ModelForTier maps a Tier to its default model id.
func ModelForTier(t Tier) string {
	switch t {
	case TierComplex:
		return ModelOpus
	case TierSimple:
		return ModelHaiku
	default:
		return ModelSonnet
	}
}

// TierForModel is the inverse of ModelForTier, used to re-derive a
// tier from a configured override model id.
func TierForModel(model string) Tier {
	switch model {
	case ModelOpus:
		return TierComplex
	case ModelHaiku:
		return TierSimple
	default:
		return TierStandard
	}
}

// MaxTokensForTier returns the default max_tokens budget for a tier.
func MaxTokensForTier(t Tier) int {
	switch t {
	case TierComplex:
		return 8192
	case TierSimple:
		return 1024
	default:
		return 4096
	}
}

// ShortModelName returns a human-short label for a model id, used in
// routing-decision reasons.
func ShortModelName(model string) string {
	switch model {
	case ModelOpus:
		return "opus"
	case ModelHaiku:
		return "haiku"
	case ModelSonnet:
		return "sonnet"
	default:
		return model
	}
}

// Decision is the result of one routing pass: both the intended and
// the actual model, so analytics can tell a downgrade happened.
type Decision struct {
	IntendedModel  string
	ActualModel    string
	MaxTokens      int
	Downgraded     bool
	Reason         string
	Classification *Result
}

// Config holds the routing-relevant fields from the "routing"
// configuration block.
type Config struct {
	Enabled        bool
	ForceModel     string
	SimpleModel    string
	StandardModel  string
	ComplexModel   string
	SimpleMaxTok   int
	StandardMaxTok int
	ComplexMaxTok  int
}

// BudgetUtilization abstracts the Budget Tracker's utilization query
// so this package does not import internal/cost.
type BudgetUtilization interface {
	Utilization() float64
}

// overridePrefixes maps a leading message prefix (including the
// trailing space) to a forced tier. Recognizing a prefix strips it
// from the message content before it is persisted or sent onward.
var overridePrefixes = map[string]Tier{
	"/haiku ":  TierSimple,
	"/sonnet ": TierStandard,
	"/opus ":   TierComplex,
}

// ParseModelOverride detects and strips a per-message model override
// prefix, returning the stripped message, the forced tier, and
// whether an override was found.
func ParseModelOverride(message string) (stripped string, tier Tier, found bool) {
	for prefix, t := range overridePrefixes {
		if strings.HasPrefix(message, prefix) {
			return strings.TrimPrefix(message, prefix), t, true
		}
	}
	return message, TierStandard, false
}

// modelForConfiguredTier resolves a tier to the configured model,
// falling back to the built-in default if the config field is empty.
func modelForConfiguredTier(cfg Config, t Tier) (model string, maxTokens int) {
	switch t {
	case TierSimple:
		if cfg.SimpleModel != "" {
			model = cfg.SimpleModel
		} else {
			model = ModelForTier(TierSimple)
		}
		maxTokens = cfg.SimpleMaxTok
	case TierComplex:
		if cfg.ComplexModel != "" {
			model = cfg.ComplexModel
		} else {
			model = ModelForTier(TierComplex)
		}
		maxTokens = cfg.ComplexMaxTok
	default:
		if cfg.StandardModel != "" {
			model = cfg.StandardModel
		} else {
			model = ModelForTier(TierStandard)
		}
		maxTokens = cfg.StandardMaxTok
	}
	if maxTokens <= 0 {
		maxTokens = MaxTokensForTier(t)
	}
	return model, maxTokens
}

// downgradeOneTier returns the next tier down, or the same tier if
// already Simple.
func downgradeOneTier(t Tier) Tier {
	switch t {
	case TierComplex:
		return TierStandard
	case TierStandard:
		return TierSimple
	default:
		return TierSimple
	}
}

// Route applies the deterministic routing priority: per-message
// override > force-model > classify > budget downgrade.
// message should already have any override prefix stripped by the
// caller via ParseModelOverride; overrideTier/overrideFound carry that
// result in.
func Route(cfg Config, message string, context []string, overrideTier Tier, overrideFound bool, budget BudgetUtilization) Decision {
	var classification *Result
	var tier Tier
	var bypassDowngrade bool

	switch {
	case overrideFound:
		tier = overrideTier
		bypassDowngrade = true
	case cfg.ForceModel != "":
		tier = TierForModel(cfg.ForceModel)
		bypassDowngrade = true
	default:
		result := Classify(message, context)
		classification = &result
		tier = result.Tier
	}

	intendedModel, maxTokens := modelForConfiguredTier(cfg, tier)
	if overrideFound {
		// an override names an exact model family; honor the configured
		// model for that tier so deployments can still repoint "/opus".
		intendedModel, maxTokens = modelForConfiguredTier(cfg, tier)
	}
	if cfg.ForceModel != "" && !overrideFound {
		intendedModel = cfg.ForceModel
		maxTokens = MaxTokensForTier(TierForModel(cfg.ForceModel))
	}

	actualTier := tier
	downgraded := false
	reason := "classification"
	if overrideFound {
		reason = "per-message override"
	} else if cfg.ForceModel != "" {
		reason = "force-model config"
	}

	if !bypassDowngrade && budget != nil {
		utilization := budget.Utilization()
		switch {
		case utilization >= 0.95:
			if actualTier != TierSimple {
				actualTier = TierSimple
				downgraded = true
				reason = "budget downgrade: utilization >= 0.95"
			}
		case utilization >= 0.80:
			newTier := downgradeOneTier(actualTier)
			if newTier != actualTier {
				actualTier = newTier
				downgraded = true
				reason = "budget downgrade: utilization >= 0.80"
			}
		}
	}

	actualModel := intendedModel
	if downgraded {
		actualModel, maxTokens = modelForConfiguredTier(cfg, actualTier)
	}

	return Decision{
		IntendedModel:  intendedModel,
		ActualModel:    actualModel,
		MaxTokens:      maxTokens,
		Downgraded:     downgraded,
		Reason:         reason,
		Classification: classification,
	}
}
