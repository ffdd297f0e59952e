package regime

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/modules/regimeconfig"
)

// Sandbox evaluates user-supplied scoring code in an isolated expression VM.
// The code sees the current indicator readings and nothing else: no I/O, no
// persistence handles, no process state. Execution is wall-clock bounded.
//
// The expression must evaluate to either a canonical regime label (string)
// or a numeric score that is bucketed against the configured score
// thresholds with fear-greed-style inverted comparison.
type Sandbox struct {
	timeout time.Duration
	log     zerolog.Logger
}

// NewSandbox creates a new sandbox with the given execution timeout.
func NewSandbox(timeout time.Duration, log zerolog.Logger) *Sandbox {
	return &Sandbox{
		timeout: timeout,
		log:     log.With().Str("component", "sandbox").Logger(),
	}
}

// ScoreResult is the raw sandbox outcome, used by the verify operation.
type ScoreResult struct {
	Regime domain.Regime `json:"regime"`
	Score  *float64      `json:"score,omitempty"`
}

// Score compiles and runs the code against the snapshot, returning the
// resulting regime. Every failure mode maps to domain.ErrCustomCode; the
// caller retains the previous regime state.
func (s *Sandbox) Score(code string, inputs domain.IndicatorSnapshot, thresholds regimeconfig.FearGreedThresholds) (domain.Regime, error) {
	result, err := s.run(code, inputs, thresholds)
	if err != nil {
		return "", err
	}
	return result.Regime, nil
}

// Verify runs the code exactly as a cycle would but commits nothing. Used by
// operators to validate code before saving it.
func (s *Sandbox) Verify(code string, inputs domain.IndicatorSnapshot, thresholds regimeconfig.FearGreedThresholds) (ScoreResult, error) {
	return s.run(code, inputs, thresholds)
}

func (s *Sandbox) run(code string, inputs domain.IndicatorSnapshot, thresholds regimeconfig.FearGreedThresholds) (ScoreResult, error) {
	if code == "" {
		return ScoreResult{}, fmt.Errorf("%w: no code configured", domain.ErrCustomCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	env := map[string]interface{}{
		"vix":        inputs[domain.IndicatorVIX],
		"vhsi":       inputs[domain.IndicatorVHSI],
		"dxy":        inputs[domain.IndicatorDXY],
		"fear_greed": inputs[domain.IndicatorFearGreed],
		"ctx":        ctx,
	}

	// WithContext interrupts the VM when the deadline passes, so a runaway
	// expression stops instead of leaking a goroutine.
	program, err := expr.Compile(code, expr.Env(env), expr.WithContext("ctx"))
	if err != nil {
		return ScoreResult{}, fmt.Errorf("%w: compile: %v", domain.ErrCustomCode, err)
	}

	output, err := runProgram(program, env)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Error().Dur("timeout", s.timeout).Msg("Custom code timed out")
			return ScoreResult{}, fmt.Errorf("%w: timed out after %s", domain.ErrCustomCode, s.timeout)
		}
		return ScoreResult{}, fmt.Errorf("%w: %v", domain.ErrCustomCode, err)
	}

	return interpretOutput(output, thresholds)
}

// runProgram executes the compiled expression, converting VM panics into
// errors.
func runProgram(program *vm.Program, env map[string]interface{}) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return expr.Run(program, env)
}

// interpretOutput enforces the output contract: a canonical regime label or
// a numeric score. Anything else is an error, never a silent default.
func interpretOutput(output interface{}, thresholds regimeconfig.FearGreedThresholds) (ScoreResult, error) {
	switch v := output.(type) {
	case string:
		regime := domain.Regime(v)
		if !regime.Valid() {
			return ScoreResult{}, fmt.Errorf("%w: invalid regime label %q", domain.ErrCustomCode, v)
		}
		return ScoreResult{Regime: regime}, nil
	case float64:
		return scoreResult(v, thresholds), nil
	case int:
		return scoreResult(float64(v), thresholds), nil
	case nil:
		return ScoreResult{}, fmt.Errorf("%w: code produced no value", domain.ErrCustomCode)
	default:
		return ScoreResult{}, fmt.Errorf("%w: code must produce a regime label or numeric score, got %T",
			domain.ErrCustomCode, output)
	}
}

// scoreResult buckets a numeric score: low scores mean fear, so the
// comparison direction matches fear_greed classification.
func scoreResult(score float64, t regimeconfig.FearGreedThresholds) ScoreResult {
	result := ScoreResult{Score: &score}
	switch {
	case score < t.ExtremeFear:
		result.Regime = domain.RegimePanic
	case score < t.HighFear:
		result.Regime = domain.RegimeHighVol
	case score > t.LowGreed:
		result.Regime = domain.RegimeLowVol
	default:
		result.Regime = domain.RegimeNormal
	}
	return result
}
