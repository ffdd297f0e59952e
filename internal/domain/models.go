package domain

import "time"

// Regime is a discrete market-condition label driving capital defensiveness.
type Regime string

const (
	RegimePanic   Regime = "panic"
	RegimeHighVol Regime = "high_vol"
	RegimeNormal  Regime = "normal"
	RegimeLowVol  Regime = "low_vol"
)

// AllRegimes lists the canonical regimes, most defensive first.
var AllRegimes = []Regime{RegimePanic, RegimeHighVol, RegimeNormal, RegimeLowVol}

// Valid reports whether r is one of the four canonical labels.
func (r Regime) Valid() bool {
	switch r {
	case RegimePanic, RegimeHighVol, RegimeNormal, RegimeLowVol:
		return true
	}
	return false
}

// Style is a risk bucket to which strategies are bound per symbol.
type Style string

const (
	StyleConservative Style = "conservative"
	StyleBalanced     Style = "balanced"
	StyleAggressive   Style = "aggressive"
)

// AllStyles lists the three styles in fixed order. Allocation iterates this
// order so results are deterministic.
var AllStyles = []Style{StyleConservative, StyleBalanced, StyleAggressive}

// Valid reports whether s is a known style.
func (s Style) Valid() bool {
	switch s {
	case StyleConservative, StyleBalanced, StyleAggressive:
		return true
	}
	return false
}

// Indicator identifies a macro indicator series.
type Indicator string

const (
	IndicatorVIX       Indicator = "vix"
	IndicatorVHSI      Indicator = "vhsi"
	IndicatorDXY       Indicator = "dxy"
	IndicatorFearGreed Indicator = "fear_greed"
)

// Primary-indicator modes beyond the concrete indicators: "auto" resolves an
// indicator per market, "custom" runs user-supplied scoring code.
const (
	PrimaryAuto   = "auto"
	PrimaryCustom = "custom"
)

// WeightTriple holds the capital split across the three styles for one regime.
type WeightTriple struct {
	Conservative float64 `json:"conservative"`
	Balanced     float64 `json:"balanced"`
	Aggressive   float64 `json:"aggressive"`
}

// WeightSumTolerance is the accepted deviation from 1.0 for a weight triple.
const WeightSumTolerance = 1e-6

// Sum returns the total of the three weights.
func (w WeightTriple) Sum() float64 {
	return w.Conservative + w.Balanced + w.Aggressive
}

// Weight returns the weight for a single style.
func (w WeightTriple) Weight(s Style) float64 {
	switch s {
	case StyleConservative:
		return w.Conservative
	case StyleBalanced:
		return w.Balanced
	case StyleAggressive:
		return w.Aggressive
	}
	return 0
}

// ScoreBasis records which indicator and raw value produced a classification.
type ScoreBasis struct {
	Indicator Indicator `json:"indicator"`
	RawValue  float64   `json:"raw_value"`
}

// IndicatorSnapshot is the set of latest readings a cycle classified against.
// Missing entries mean no fresh reading existed for that indicator.
type IndicatorSnapshot map[Indicator]float64

// TriggerSource distinguishes scheduled cycles from operator-initiated ones.
type TriggerSource string

const (
	TriggerAuto   TriggerSource = "auto"
	TriggerManual TriggerSource = "manual"
)

// SymbolStrategies maps symbol → style → ordered strategy ids.
type SymbolStrategies map[string]map[Style][]int64

// StrategyIDs returns every strategy id bound under any symbol and style.
func (ss SymbolStrategies) StrategyIDs() []int64 {
	var ids []int64
	for _, styleMap := range ss {
		for _, list := range styleMap {
			ids = append(ids, list...)
		}
	}
	return ids
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

// Now returns the current wall time.
func (RealClock) Now() time.Time { return time.Now() }
