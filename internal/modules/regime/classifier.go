package regime

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
)

// State is the classifier's output for one evaluation cycle.
type State struct {
	// Regime is the global regime. In multi-market mode it is the regime of
	// the default market, kept for summary display.
	Regime domain.Regime `json:"regime"`

	// PerSymbol holds one regime per symbol in multi-market mode.
	PerSymbol map[string]domain.Regime `json:"per_symbol,omitempty"`

	// Failed lists symbols whose classification could not complete this
	// cycle (stale data, sandbox failure). Their previous state is retained.
	Failed map[string]string `json:"failed,omitempty"`

	// HeadlineStale is set in multi-market mode when the default market had
	// no fresh reading. Regime is left unset; the caller retains the previous
	// headline rather than guessing one.
	HeadlineStale bool `json:"headline_stale,omitempty"`

	ScoreBasis domain.ScoreBasis `json:"score_basis"`
	ComputedAt time.Time         `json:"computed_at"`
}

// Equal reports whether two states describe the same regimes.
func (s *State) Equal(other *State) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Regime != other.Regime || len(s.PerSymbol) != len(other.PerSymbol) {
		return false
	}
	for sym, r := range s.PerSymbol {
		if other.PerSymbol[sym] != r {
			return false
		}
	}
	return true
}

// Inputs carries the indicator values a cycle classifies against, already
// snapshotted so classification is pure.
type Inputs struct {
	// Global holds the default-market readings.
	Global domain.IndicatorSnapshot
	// PerMarket holds market-specific readings, e.g. VHSI for HShare.
	PerMarket map[string]domain.IndicatorSnapshot
}

// Value looks up an indicator for a market, falling back to the global
// snapshot. The second return is false when no fresh reading exists.
func (in Inputs) Value(indicator domain.Indicator, market string) (float64, bool) {
	if market != "" {
		if snap, ok := in.PerMarket[market]; ok {
			if v, ok := snap[indicator]; ok {
				return v, true
			}
		}
	}
	v, ok := in.Global[indicator]
	return v, ok
}

// Scorer executes user-supplied scoring code. Implemented by the sandbox.
type Scorer interface {
	Score(code string, inputs domain.IndicatorSnapshot, thresholds regimeconfig.FearGreedThresholds) (domain.Regime, error)
}

// Classifier maps indicator readings to regimes according to the configured
// rules. Pure given its inputs; all state lives in the caller.
type Classifier struct {
	scorer Scorer
	log    zerolog.Logger
}

// NewClassifier creates a new classifier. The scorer is only consulted when
// the rules select custom detection.
func NewClassifier(scorer Scorer, log zerolog.Logger) *Classifier {
	return &Classifier{
		scorer: scorer,
		log:    log.With().Str("component", "classifier").Logger(),
	}
}

// Classify produces the cycle's regime state. In auto (multi-market) mode a
// symbol whose market has no fresh reading fails individually and is listed
// in State.Failed; in every other mode a missing reading fails the whole
// classification with domain.ErrStaleData.
func (c *Classifier) Classify(rules *regimeconfig.Rules, in Inputs, symbols []string, now time.Time) (*State, error) {
	state := &State{ComputedAt: now}

	switch rules.PrimaryIndicator {
	case domain.PrimaryCustom:
		regime, err := c.scorer.Score(rules.CustomCode, in.Global, rules.CustomScoreThresholds)
		if err != nil {
			return nil, err
		}
		state.Regime = regime
		state.ScoreBasis = domain.ScoreBasis{Indicator: "custom"}
		return state, nil

	case domain.PrimaryAuto:
		return c.classifyPerMarket(rules, in, symbols, state)

	default:
		indicator := domain.Indicator(rules.PrimaryIndicator)
		value, ok := in.Value(indicator, "")
		if !ok {
			return nil, fmt.Errorf("%w: %s unavailable", domain.ErrStaleData, indicator)
		}
		state.Regime = classifyValue(rules, indicator, value)
		state.ScoreBasis = domain.ScoreBasis{Indicator: indicator, RawValue: value}
		return state, nil
	}
}

// classifyPerMarket resolves one regime per symbol via the market→indicator
// mapping. Symbols with no fresh reading fail individually.
func (c *Classifier) classifyPerMarket(rules *regimeconfig.Rules, in Inputs, symbols []string, state *State) (*State, error) {
	state.PerSymbol = make(map[string]domain.Regime, len(symbols))
	state.Failed = make(map[string]string)

	defaultIndicator := rules.IndicatorPerMarket["default"]
	if defaultIndicator == "" {
		defaultIndicator = domain.IndicatorVIX
	}

	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	for _, symbol := range sorted {
		market := rules.SymbolMarkets[symbol]
		indicator, ok := rules.IndicatorPerMarket[market]
		if !ok {
			indicator = defaultIndicator
		}

		value, ok := in.Value(indicator, market)
		if !ok {
			state.Failed[symbol] = fmt.Sprintf("%s unavailable for market %s", indicator, market)
			c.log.Warn().Str("symbol", symbol).Str("market", market).
				Str("indicator", string(indicator)).
				Msg("Classification skipped, indicator unavailable")
			continue
		}
		state.PerSymbol[symbol] = classifyValue(rules, indicator, value)
	}

	if len(state.PerSymbol) == 0 && len(state.Failed) > 0 {
		return nil, fmt.Errorf("%w: no market had a fresh reading", domain.ErrStaleData)
	}

	// The default market's indicator drives the headline regime. A missing
	// reading never invents one: the headline is flagged stale instead, the
	// same way a symbol fails individually.
	if value, ok := in.Value(defaultIndicator, ""); ok {
		state.Regime = classifyValue(rules, defaultIndicator, value)
		state.ScoreBasis = domain.ScoreBasis{Indicator: defaultIndicator, RawValue: value}
	} else {
		state.HeadlineStale = true
		c.log.Warn().Str("indicator", string(defaultIndicator)).
			Msg("Headline classification skipped, default market reading unavailable")
	}
	if len(state.Failed) == 0 {
		state.Failed = nil
	}
	return state, nil
}

// classifyValue applies the four-bucket threshold policy for one indicator.
// Fear & Greed inverts the comparison: low values mean fear.
func classifyValue(rules *regimeconfig.Rules, indicator domain.Indicator, value float64) domain.Regime {
	switch indicator {
	case domain.IndicatorFearGreed:
		return classifyInverted(rules.FearGreed, value)
	case domain.IndicatorVHSI:
		return classifyVol(rules.VHSI, value)
	default:
		return classifyVol(rules.VIX, value)
	}
}

func classifyVol(t regimeconfig.VolThresholds, value float64) domain.Regime {
	switch {
	case value >= t.Panic:
		return domain.RegimePanic
	case value >= t.HighVol:
		return domain.RegimeHighVol
	case value <= t.LowVol:
		return domain.RegimeLowVol
	default:
		return domain.RegimeNormal
	}
}

func classifyInverted(t regimeconfig.FearGreedThresholds, value float64) domain.Regime {
	switch {
	case value < t.ExtremeFear:
		return domain.RegimePanic
	case value < t.HighFear:
		return domain.RegimeHighVol
	case value > t.LowGreed:
		return domain.RegimeLowVol
	default:
		return domain.RegimeNormal
	}
}
