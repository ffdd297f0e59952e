package regimeconfig

import (
	"time"

	"github.com/aristath/regime-engine/internal/domain"
)

// VolThresholds classifies a volatility-style indicator (VIX, VHSI):
// value >= Panic → panic, value >= HighVol → high_vol, value <= LowVol →
// low_vol, otherwise normal.
type VolThresholds struct {
	Panic   float64 `json:"panic"`
	HighVol float64 `json:"high_vol"`
	LowVol  float64 `json:"low_vol"`
}

// FearGreedThresholds classifies an inverted indicator where low values mean
// fear: value < ExtremeFear → panic, value < HighFear → high_vol, value >
// LowGreed → low_vol, otherwise normal.
type FearGreedThresholds struct {
	ExtremeFear float64 `json:"extreme_fear"`
	HighFear    float64 `json:"high_fear"`
	LowGreed    float64 `json:"low_greed"`
}

// Rules configures regime detection.
type Rules struct {
	// PrimaryIndicator is vix, vhsi, fear_greed, auto or custom.
	PrimaryIndicator string `json:"primary_indicator"`

	VIX       VolThresholds       `json:"vix"`
	VHSI      VolThresholds       `json:"vhsi"`
	FearGreed FearGreedThresholds `json:"fear_greed"`

	// IndicatorPerMarket maps market → indicator when PrimaryIndicator is
	// auto. The "default" key covers unmapped markets.
	IndicatorPerMarket map[string]domain.Indicator `json:"indicator_per_market,omitempty"`

	// SymbolMarkets maps symbol → market for multi-market classification.
	SymbolMarkets map[string]string `json:"symbol_markets,omitempty"`

	// CustomCode is the user-supplied scoring expression, used when
	// PrimaryIndicator is custom.
	CustomCode            string              `json:"custom_code,omitempty"`
	CustomScoreThresholds FearGreedThresholds `json:"custom_score_thresholds,omitempty"`
}

// Document is the single persisted engine configuration record.
type Document struct {
	SymbolStrategies domain.SymbolStrategies                `json:"symbol_strategies"`
	RegimeToWeights  map[domain.Regime]domain.WeightTriple  `json:"regime_to_weights"`
	Rules            Rules                                  `json:"regime_rules"`
	Enabled          bool                                   `json:"enabled"`

	// PerSymbolWeights overrides the regime→weights table for specific
	// symbols. Consulted before RegimeToWeights during resolution.
	PerSymbolWeights map[string]map[domain.Regime]domain.WeightTriple `json:"per_symbol_weights,omitempty"`

	// MinWeightThreshold zeroes style weights below it; the remaining
	// positive weights are renormalized to sum to 1.
	MinWeightThreshold float64 `json:"min_weight_threshold"`

	// MaxAllocationRatio caps a strategy's allocation at its initial capital
	// times this ratio, when the initial capital is known.
	MaxAllocationRatio float64 `json:"max_allocation_ratio"`

	// SymbolCapitalPool fixes the total capital per symbol.
	SymbolCapitalPool map[string]float64 `json:"symbol_capital_pool"`

	// StrategyInitialCapital records each strategy's own capital, used for
	// the MaxAllocationRatio cap and for deriving missing pools.
	StrategyInitialCapital map[int64]float64 `json:"strategy_initial_capital,omitempty"`

	// Version increments on every committed write; writes carrying a stale
	// version are rejected (optimistic concurrency).
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MultiMarket reports whether per-market classification is active.
func (d *Document) MultiMarket() bool {
	return d.Rules.PrimaryIndicator == domain.PrimaryAuto && len(d.Rules.IndicatorPerMarket) > 0
}

// MostDefensiveWeights returns the triple forced while the circuit breaker is
// tripped: the panic row of the weight table.
func (d *Document) MostDefensiveWeights() domain.WeightTriple {
	return d.RegimeToWeights[domain.RegimePanic]
}

// DefaultDocument returns the configuration used until an operator saves one.
func DefaultDocument() *Document {
	return &Document{
		SymbolStrategies: domain.SymbolStrategies{},
		RegimeToWeights: map[domain.Regime]domain.WeightTriple{
			domain.RegimePanic:   {Conservative: 0.8, Balanced: 0.2, Aggressive: 0.0},
			domain.RegimeHighVol: {Conservative: 0.5, Balanced: 0.4, Aggressive: 0.1},
			domain.RegimeNormal:  {Conservative: 0.2, Balanced: 0.6, Aggressive: 0.2},
			domain.RegimeLowVol:  {Conservative: 0.1, Balanced: 0.3, Aggressive: 0.6},
		},
		Rules: Rules{
			PrimaryIndicator: string(domain.IndicatorVIX),
			VIX:              VolThresholds{Panic: 30, HighVol: 25, LowVol: 15},
			VHSI:             VolThresholds{Panic: 30, HighVol: 25, LowVol: 15},
			FearGreed:        FearGreedThresholds{ExtremeFear: 20, HighFear: 35, LowGreed: 65},
			CustomScoreThresholds: FearGreedThresholds{ExtremeFear: 20, HighFear: 35, LowGreed: 65},
		},
		Enabled:            true,
		MinWeightThreshold: 0.05,
		MaxAllocationRatio: 2.0,
		SymbolCapitalPool:  map[string]float64{},
	}
}
