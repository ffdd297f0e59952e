package weights

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/regime"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
)

// Effective is the resolved, currently-applicable weight set. Derived state:
// recomputed every cycle, persisted only as the latest-computed cache.
type Effective struct {
	Global domain.WeightTriple `json:"global"`

	// PerSymbol carries symbol-specific triples: multi-market regimes and
	// configured per-symbol overrides. Symbols absent here use Global.
	PerSymbol map[string]domain.WeightTriple `json:"per_symbol,omitempty"`

	// Unresolved lists symbols that had no regime this cycle and no last
	// known weights. The allocator freezes their strategies.
	Unresolved []string `json:"unresolved,omitempty"`

	// Forced is set when the circuit breaker overrode resolution.
	Forced bool `json:"forced,omitempty"`
}

// Triple returns the weights applying to a symbol.
func (e *Effective) Triple(symbol string) domain.WeightTriple {
	if t, ok := e.PerSymbol[symbol]; ok {
		return t
	}
	return e.Global
}

// Resolver maps a regime state to effective weights.
type Resolver struct {
	log zerolog.Logger
}

// NewResolver creates a new weight resolver
func NewResolver(log zerolog.Logger) *Resolver {
	return &Resolver{log: log.With().Str("component", "resolver").Logger()}
}

// Resolve computes effective weights from the cycle's regime state. A regime
// without a mapping fails with domain.ErrMissingWeightMapping — zeros are
// never substituted. Symbols without a resolvable regime keep their last
// known weights from prev.
func (r *Resolver) Resolve(state *regime.State, doc *regimeconfig.Document, prev *Effective) (*Effective, error) {
	global, err := lookup(doc.RegimeToWeights, state.Regime, doc.MinWeightThreshold)
	if err != nil {
		return nil, err
	}

	eff := &Effective{Global: global}

	// Multi-market regimes resolve independently per symbol.
	for symbol, symRegime := range state.PerSymbol {
		triple, err := lookupForSymbol(doc, symbol, symRegime)
		if err != nil {
			return nil, err
		}
		setPerSymbol(eff, symbol, applyThreshold(triple, doc.MinWeightThreshold))
	}

	// Symbols that failed classification keep their last known weights.
	for symbol := range state.Failed {
		if prev != nil {
			if t, ok := prev.PerSymbol[symbol]; ok {
				setPerSymbol(eff, symbol, t)
				continue
			}
		}
		eff.Unresolved = append(eff.Unresolved, symbol)
	}

	// Per-symbol overrides also apply in global mode.
	if len(state.PerSymbol) == 0 {
		for symbol := range doc.PerSymbolWeights {
			triple, err := lookupForSymbol(doc, symbol, state.Regime)
			if err != nil {
				return nil, err
			}
			setPerSymbol(eff, symbol, applyThreshold(triple, doc.MinWeightThreshold))
		}
	}

	return eff, nil
}

// Forced returns the defensive weight set applied while the circuit breaker
// is tripped: the panic row everywhere.
func Forced(doc *regimeconfig.Document) (*Effective, error) {
	triple, err := lookup(doc.RegimeToWeights, domain.RegimePanic, 0)
	if err != nil {
		return nil, err
	}
	return &Effective{Global: triple, Forced: true}, nil
}

func setPerSymbol(eff *Effective, symbol string, t domain.WeightTriple) {
	if eff.PerSymbol == nil {
		eff.PerSymbol = make(map[string]domain.WeightTriple)
	}
	eff.PerSymbol[symbol] = t
}

// lookupForSymbol consults per-symbol overrides before the global table.
func lookupForSymbol(doc *regimeconfig.Document, symbol string, r domain.Regime) (domain.WeightTriple, error) {
	if table, ok := doc.PerSymbolWeights[symbol]; ok {
		if triple, ok := table[r]; ok {
			return triple, nil
		}
		return domain.WeightTriple{}, fmt.Errorf("%w: %s override lacks regime %q",
			domain.ErrMissingWeightMapping, symbol, r)
	}
	triple, ok := doc.RegimeToWeights[r]
	if !ok {
		return domain.WeightTriple{}, fmt.Errorf("%w: %q", domain.ErrMissingWeightMapping, r)
	}
	return triple, nil
}

func lookup(table map[domain.Regime]domain.WeightTriple, r domain.Regime, threshold float64) (domain.WeightTriple, error) {
	triple, ok := table[r]
	if !ok {
		return domain.WeightTriple{}, fmt.Errorf("%w: %q", domain.ErrMissingWeightMapping, r)
	}
	return applyThreshold(triple, threshold), nil
}

// applyThreshold zeroes weights below the minimum and renormalizes the
// survivors so the triple still sums to 1. A triple that ends up all-zero is
// returned unchanged.
func applyThreshold(t domain.WeightTriple, threshold float64) domain.WeightTriple {
	if threshold <= 0 {
		return t
	}
	zeroed := t
	if zeroed.Conservative < threshold {
		zeroed.Conservative = 0
	}
	if zeroed.Balanced < threshold {
		zeroed.Balanced = 0
	}
	if zeroed.Aggressive < threshold {
		zeroed.Aggressive = 0
	}
	total := zeroed.Sum()
	if total <= 0 {
		return t
	}
	zeroed.Conservative /= total
	zeroed.Balanced /= total
	zeroed.Aggressive /= total
	return zeroed
}
