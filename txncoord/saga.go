package txncoord

import (
	"context"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/coredbio/coredb/errs"
)

// SagaStep is one unit of a saga: a forward Action and the Compensate
// action that undoes it if a later step fails.
type SagaStep struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// SagaState is the lifecycle state of a running saga.
type SagaState int

const (
	SagaRunning SagaState = iota
	SagaCompensating
	SagaCompleted
	SagaCompensated
	SagaFailed
)

func (s SagaState) String() string {
	switch s {
	case SagaRunning:
		return "running"
	case SagaCompensating:
		return "compensating"
	case SagaCompleted:
		return "completed"
	case SagaCompensated:
		return "compensated"
	case SagaFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Saga is an ordered sequence of steps executed with compensation-based
// rollback, for workflows that span participants too loosely coupled for
// two-phase commit. CompletedSteps records, in completion order, the index
// of every step whose Action has succeeded so far.
type Saga struct {
	RunID          uuid.UUID
	Steps          []SagaStep
	CompletedSteps []int
	State          SagaState
}

// NewSaga builds a Saga with a fresh run id for log correlation.
func NewSaga(steps []SagaStep) *Saga {
	return &Saga{RunID: uuid.NewV4(), Steps: steps, State: SagaRunning}
}

// SagaConfig holds the tunable knobs of a SagaCoordinator.
type SagaConfig struct {
	StepTimeout      time.Duration `yaml:"step_timeout"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
}

// DefaultSagaConfig returns the SagaConfig used when a caller does not
// supply one.
func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		StepTimeout:      30 * time.Second,
		MaxRetryAttempts: 3,
	}
}

// SagaCoordinator runs Sagas, attempting a failing step up to
// MaxRetryAttempts times in all before compensating every completed step in
// reverse order.
type SagaCoordinator struct {
	cfg    SagaConfig
	logger *logrus.Logger
}

// NewSagaCoordinator builds a SagaCoordinator; a nil logger is replaced by
// logrus.New(), which logs to stderr at info level.
func NewSagaCoordinator(cfg SagaConfig, logger *logrus.Logger) *SagaCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &SagaCoordinator{cfg: cfg, logger: logger}
}

// Execute runs every step of saga in order, attempting a failing step's
// Action up to cfg.MaxRetryAttempts times in all (each attempt bounded by
// cfg.StepTimeout) before giving up on it. If a step is never made to
// succeed, every previously completed step's Compensate is run in reverse
// completion order. Execute returns the saga's terminal state: Completed if
// every step succeeded, Compensated if compensation fully undid the
// completed steps after a failure, or Failed if compensation itself could
// not fully undo them — a saga left in an unknown, partially-applied state
// that needs operator attention.
func (s *SagaCoordinator) Execute(ctx context.Context, saga *Saga) (SagaState, error) {
	saga.State = SagaRunning

	for i, step := range saga.Steps {
		err := s.runStepWithRetry(ctx, saga, step)
		if err == nil {
			saga.CompletedSteps = append(saga.CompletedSteps, i)
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"saga_run_id": saga.RunID.String(),
			"step":        step.Name,
		}).WithError(err).Warn("txncoord: saga step exhausted retries, compensating")

		if compErr := s.compensate(ctx, saga); compErr != nil {
			saga.State = SagaFailed
			return saga.State, errs.Conflict.Wrap(compErr, "saga step "+step.Name+" failed and compensation did not complete")
		}
		saga.State = SagaCompensated
		return saga.State, errs.Conflict.Wrap(err, "saga step "+step.Name+" failed")
	}

	saga.State = SagaCompleted
	return saga.State, nil
}

// runStepWithRetry attempts step.Action up to cfg.MaxRetryAttempts times
// (at least once even if MaxRetryAttempts is zero), each attempt bounded by
// its own cfg.StepTimeout derived from ctx.
func (s *SagaCoordinator) runStepWithRetry(ctx context.Context, saga *Saga, step SagaStep) error {
	attempts := s.cfg.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		s.logger.WithFields(logrus.Fields{
			"saga_run_id": saga.RunID.String(),
			"step":        step.Name,
			"attempt":     attempt,
		}).Debug("txncoord: saga step starting")

		stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout())
		lastErr = step.Action(stepCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		s.logger.WithFields(logrus.Fields{
			"saga_run_id": saga.RunID.String(),
			"step":        step.Name,
			"attempt":     attempt,
		}).WithError(lastErr).Warn("txncoord: saga step attempt failed")
	}
	return lastErr
}

func (s *SagaCoordinator) stepTimeout() time.Duration {
	if s.cfg.StepTimeout <= 0 {
		return 30 * time.Second
	}
	return s.cfg.StepTimeout
}

// compensate runs Compensate for each completed step in reverse order,
// returning the first compensation failure encountered so the caller can
// distinguish a clean rollback (Compensated) from one that didn't fully
// undo its work (Failed). It still attempts every remaining step's
// Compensate even after one fails, since undoing as much as possible beats
// stopping early.
func (s *SagaCoordinator) compensate(ctx context.Context, saga *Saga) error {
	saga.State = SagaCompensating
	var firstErr error
	for i := len(saga.CompletedSteps) - 1; i >= 0; i-- {
		step := saga.Steps[saga.CompletedSteps[i]]
		if step.Compensate == nil {
			continue
		}
		compCtx, cancel := context.WithTimeout(ctx, s.stepTimeout())
		err := step.Compensate(compCtx)
		cancel()
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"saga_run_id": saga.RunID.String(),
				"step":        step.Name,
			}).WithError(err).Error("txncoord: saga compensation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
