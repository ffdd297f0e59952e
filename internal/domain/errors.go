package domain

import "errors"

// Sentinel errors for the evaluation pipeline. Callers branch with errors.Is;
// wrapping sites add the failing indicator/symbol/regime context.
var (
	// ErrStaleData - the required indicator reading is missing or outside the
	// freshness window. The previous regime state stays authoritative.
	ErrStaleData = errors.New("indicator data missing or stale")

	// ErrCustomCode - user-supplied scoring code failed, timed out, or broke
	// its output contract. The previous regime state stays authoritative.
	ErrCustomCode = errors.New("custom scoring code failed")

	// ErrMissingWeightMapping - the configured regime→weights table lacks a
	// regime required by the current cycle. The cycle is rejected, never
	// substituted with zeros.
	ErrMissingWeightMapping = errors.New("regime has no weight mapping")

	// ErrInvalidConfig - a configuration write failed validation and was not
	// committed.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEvaluationBusy - an evaluation cycle is already in flight; the caller
	// should retry after the current cycle finishes.
	ErrEvaluationBusy = errors.New("evaluation cycle already running")
)
