package allocation

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
	"github.com/aristath/regime-engine/internal/modules/weights"
)

// Result is the allocator's output for one cycle. Re-applying the same
// Result is a no-op: capital targets are absolute, not deltas.
type Result struct {
	// PerStrategyCapital maps strategy id → target capital.
	PerStrategyCapital map[int64]float64 `json:"per_strategy_capital"`

	// FrozenStrategyIDs lists strategies that must not deploy new capital:
	// zero-weight buckets and symbols whose regime evaluation failed.
	// Freezing never force-liquidates; the execution layer only consumes the
	// flag.
	FrozenStrategyIDs []int64 `json:"frozen_strategy_ids"`
}

// Frozen reports whether a strategy id is in the frozen set.
func (r *Result) Frozen(id int64) bool {
	for _, f := range r.FrozenStrategyIDs {
		if f == id {
			return true
		}
	}
	return false
}

// Diff lists the strategy transitions between two allocation results.
type Diff struct {
	Started       []int64 `json:"started"`        // capital went 0 → positive
	Stopped       []int64 `json:"stopped"`        // capital went positive → 0
	WeightChanged []int64 `json:"weight_changed"` // capital changed while staying positive
}

// Empty reports whether the diff carries no transitions.
func (d Diff) Empty() bool {
	return len(d.Started) == 0 && len(d.Stopped) == 0 && len(d.WeightChanged) == 0
}

// Allocator splits per-symbol capital pools across style buckets and their
// bound strategies. Pure and deterministic: identical inputs produce
// identical results, so a cycle re-run after a transient failure converges.
type Allocator struct {
	log zerolog.Logger
}

// NewAllocator creates a new capital allocator
func NewAllocator(log zerolog.Logger) *Allocator {
	return &Allocator{log: log.With().Str("component", "allocator").Logger()}
}

// Allocate computes per-strategy target capital.
//
// For each symbol: bucket capital = pool × style weight; bucket capital is
// split evenly across the bucket's strategies; a strategy's share is capped
// at its initial capital × MaxAllocationRatio when that capital is known.
// Buckets with zero weight allocate nothing and their strategies are frozen.
// Symbols listed in failedSymbols are wholly frozen but keep their computed
// targets, so held capital stays accounted for.
func (a *Allocator) Allocate(
	eff *weights.Effective,
	doc *regimeconfig.Document,
	failedSymbols map[string]bool,
) Result {
	result := Result{PerStrategyCapital: make(map[int64]float64)}
	frozen := make(map[int64]bool)

	unresolved := make(map[string]bool, len(eff.Unresolved))
	for _, symbol := range eff.Unresolved {
		unresolved[symbol] = true
	}

	symbols := make([]string, 0, len(doc.SymbolStrategies))
	for symbol := range doc.SymbolStrategies {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		styleMap := doc.SymbolStrategies[symbol]
		pool := a.symbolPool(symbol, styleMap, doc)
		triple := eff.Triple(symbol)
		symbolDead := unresolved[symbol]

		for _, style := range domain.AllStyles {
			ids := styleMap[style]
			if len(ids) == 0 {
				continue
			}

			weight := triple.Weight(style)
			if weight <= 0 || symbolDead {
				for _, id := range ids {
					result.PerStrategyCapital[id] = 0
					frozen[id] = true
				}
				continue
			}

			share := pool * weight / float64(len(ids))
			for _, id := range ids {
				capital := share
				if initial := doc.StrategyInitialCapital[id]; initial > 0 && doc.MaxAllocationRatio > 0 {
					if cap := initial * doc.MaxAllocationRatio; capital > cap {
						capital = cap
					}
				}
				result.PerStrategyCapital[id] = capital
				if failedSymbols[symbol] {
					frozen[id] = true
				}
			}
		}
	}

	result.FrozenStrategyIDs = sortedIDs(frozen)
	return result
}

// symbolPool returns the configured capital pool, deriving one from strategy
// initial capital when none is configured: the largest initial capital times
// the number of populated style buckets.
func (a *Allocator) symbolPool(symbol string, styleMap map[domain.Style][]int64, doc *regimeconfig.Document) float64 {
	if pool, ok := doc.SymbolCapitalPool[symbol]; ok {
		return pool
	}

	maxInitial := 0.0
	populated := 0
	for _, style := range domain.AllStyles {
		ids := styleMap[style]
		if len(ids) == 0 {
			continue
		}
		populated++
		for _, id := range ids {
			if ic := doc.StrategyInitialCapital[id]; ic > maxInitial {
				maxInitial = ic
			}
		}
	}
	if maxInitial <= 0 {
		return 0
	}
	return maxInitial * float64(populated)
}

// ComputeDiff compares two results and lists started, stopped and
// weight-changed strategies. Re-binding a strategy changes only its bucket's
// distribution on the next cycle; history already written is untouched.
func ComputeDiff(prev, next Result) Diff {
	var diff Diff

	ids := make(map[int64]bool)
	for id := range prev.PerStrategyCapital {
		ids[id] = true
	}
	for id := range next.PerStrategyCapital {
		ids[id] = true
	}

	for _, id := range sortedIDs(ids) {
		before := prev.PerStrategyCapital[id]
		after := next.PerStrategyCapital[id]
		switch {
		case before <= 0 && after > 0:
			diff.Started = append(diff.Started, id)
		case before > 0 && after <= 0:
			diff.Stopped = append(diff.Stopped, id)
		case before > 0 && after > 0 && !closeEnough(before, after):
			diff.WeightChanged = append(diff.WeightChanged, id)
		}
	}
	return diff
}

func closeEnough(a, b float64) bool {
	d := a - b
	return d > -1e-6 && d < 1e-6
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
