package scheduler

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/aristath/regime-engine/internal/domain"
	"github.com/aristath/regime-engine/internal/engine"
)

// EvaluationJob runs the scheduled regime evaluation cycle. Overlapping
// ticks are skipped: the engine serializes cycles and a busy tick is not a
// failure.
type EvaluationJob struct {
	engine *engine.Engine
	log    zerolog.Logger
}

// NewEvaluationJob creates the evaluation cycle job
func NewEvaluationJob(eng *engine.Engine, log zerolog.Logger) *EvaluationJob {
	return &EvaluationJob{
		engine: eng,
		log:    log.With().Str("job", "regime_evaluation").Logger(),
	}
}

// Name returns the job name
func (j *EvaluationJob) Name() string {
	return "regime_evaluation"
}

// Run executes one evaluation cycle
func (j *EvaluationJob) Run() error {
	err := j.engine.RunCycle(domain.TriggerAuto)
	if errors.Is(err, domain.ErrEvaluationBusy) {
		j.log.Info().Msg("Cycle already running, skipping this tick")
		return nil
	}
	if errors.Is(err, domain.ErrStaleData) || errors.Is(err, domain.ErrCustomCode) {
		// Previous durable state stays authoritative; surfaced via summary.
		j.log.Warn().Err(err).Msg("Cycle kept previous state")
		return nil
	}
	return err
}
