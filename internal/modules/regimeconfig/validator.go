package regimeconfig

import (
	"fmt"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/pkg/formulas"
)

// Validate checks every invariant the engine depends on. A document that
// fails validation is never committed.
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: empty document", domain.ErrInvalidConfig)
	}

	if err := validateWeightTable(doc.RegimeToWeights, "regime_to_weights"); err != nil {
		return err
	}

	for symbol, table := range doc.PerSymbolWeights {
		if err := validateWeightTable(table, fmt.Sprintf("per_symbol_weights[%s]", symbol)); err != nil {
			return err
		}
	}

	if err := validateBindings(doc.SymbolStrategies); err != nil {
		return err
	}

	if err := validateRules(&doc.Rules); err != nil {
		return err
	}

	if doc.MinWeightThreshold < 0 || doc.MinWeightThreshold >= 1 {
		return fmt.Errorf("%w: min_weight_threshold %.3f outside [0,1)",
			domain.ErrInvalidConfig, doc.MinWeightThreshold)
	}
	if doc.MaxAllocationRatio < 0 {
		return fmt.Errorf("%w: max_allocation_ratio must not be negative", domain.ErrInvalidConfig)
	}
	for symbol, pool := range doc.SymbolCapitalPool {
		if pool < 0 {
			return fmt.Errorf("%w: negative capital pool for %s", domain.ErrInvalidConfig, symbol)
		}
	}

	return nil
}

// validateWeightTable requires all four regimes with weights in [0,1]
// summing to 1.
func validateWeightTable(table map[domain.Regime]domain.WeightTriple, name string) error {
	if len(table) == 0 {
		return fmt.Errorf("%w: %s is empty", domain.ErrInvalidConfig, name)
	}
	for _, regime := range domain.AllRegimes {
		triple, ok := table[regime]
		if !ok {
			return fmt.Errorf("%w: %s missing regime %q", domain.ErrInvalidConfig, name, regime)
		}
		for _, style := range domain.AllStyles {
			w := triple.Weight(style)
			if w < 0 || w > 1 {
				return fmt.Errorf("%w: %s[%s].%s = %.4f outside [0,1]",
					domain.ErrInvalidConfig, name, regime, style, w)
			}
		}
		if !formulas.EqualWithin(triple.Sum(), 1.0, domain.WeightSumTolerance) {
			return fmt.Errorf("%w: %s[%s] weights sum to %.6f, want 1.0",
				domain.ErrInvalidConfig, name, regime, triple.Sum())
		}
	}
	for regime := range table {
		if !regime.Valid() {
			return fmt.Errorf("%w: %s has unknown regime %q", domain.ErrInvalidConfig, name, regime)
		}
	}
	return nil
}

// validateBindings requires valid styles and a strategy id bound at most once
// per symbol.
func validateBindings(bindings domain.SymbolStrategies) error {
	for symbol, styleMap := range bindings {
		if symbol == "" {
			return fmt.Errorf("%w: empty symbol in symbol_strategies", domain.ErrInvalidConfig)
		}
		seen := make(map[int64]domain.Style)
		for style, ids := range styleMap {
			if !style.Valid() {
				return fmt.Errorf("%w: symbol %s has unknown style %q",
					domain.ErrInvalidConfig, symbol, style)
			}
			for _, id := range ids {
				if prev, dup := seen[id]; dup {
					return fmt.Errorf("%w: strategy %d bound to both %s and %s for %s",
						domain.ErrInvalidConfig, id, prev, style, symbol)
				}
				seen[id] = style
			}
		}
	}
	return nil
}

func validateRules(rules *Rules) error {
	switch rules.PrimaryIndicator {
	case string(domain.IndicatorVIX), string(domain.IndicatorVHSI), string(domain.IndicatorFearGreed):
	case domain.PrimaryAuto:
		if len(rules.IndicatorPerMarket) == 0 {
			return fmt.Errorf("%w: primary_indicator auto requires indicator_per_market",
				domain.ErrInvalidConfig)
		}
		for market, ind := range rules.IndicatorPerMarket {
			switch ind {
			case domain.IndicatorVIX, domain.IndicatorVHSI, domain.IndicatorFearGreed:
			default:
				return fmt.Errorf("%w: market %s mapped to unsupported indicator %q",
					domain.ErrInvalidConfig, market, ind)
			}
		}
	case domain.PrimaryCustom:
		if rules.CustomCode == "" {
			return fmt.Errorf("%w: primary_indicator custom requires custom_code",
				domain.ErrInvalidConfig)
		}
		if err := validateInverted(rules.CustomScoreThresholds, "custom_score_thresholds"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown primary_indicator %q",
			domain.ErrInvalidConfig, rules.PrimaryIndicator)
	}

	if err := validateVol(rules.VIX, "vix"); err != nil {
		return err
	}
	if err := validateVol(rules.VHSI, "vhsi"); err != nil {
		return err
	}
	return validateInverted(rules.FearGreed, "fear_greed")
}

func validateVol(t VolThresholds, name string) error {
	if !(t.Panic > t.HighVol && t.HighVol > t.LowVol) {
		return fmt.Errorf("%w: %s thresholds must satisfy panic > high_vol > low_vol (got %.1f/%.1f/%.1f)",
			domain.ErrInvalidConfig, name, t.Panic, t.HighVol, t.LowVol)
	}
	return nil
}

func validateInverted(t FearGreedThresholds, name string) error {
	if !(t.ExtremeFear < t.HighFear && t.HighFear < t.LowGreed) {
		return fmt.Errorf("%w: %s thresholds must satisfy extreme_fear < high_fear < low_greed (got %.1f/%.1f/%.1f)",
			domain.ErrInvalidConfig, name, t.ExtremeFear, t.HighFear, t.LowGreed)
	}
	return nil
}
