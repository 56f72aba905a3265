package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agent-spend-authorizer/internal/anomaly"
	"agent-spend-authorizer/internal/authorization"
	"agent-spend-authorizer/internal/breaker"
	"agent-spend-authorizer/internal/cache"
	"agent-spend-authorizer/internal/database"
	"agent-spend-authorizer/internal/events"
	"agent-spend-authorizer/internal/features"
	"agent-spend-authorizer/internal/ledger"
	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
	"agent-spend-authorizer/internal/validation"
)

const replayKeyPrefix = "decision:"

// Deps are the components the service orchestrates. Cache, Events and
// Features may be nil.
type Deps struct {
	Store     database.Store
	Pipeline  *authorization.Pipeline
	Writer    *ledger.Writer
	Detector  *anomaly.Detector
	Breaker   *breaker.Breaker
	Cache     cache.Cache
	Events    *events.Manager
	Features  *features.Manager
	ReplayTTL time.Duration
}

// Service provides the business operations behind the HTTP handlers and CLI.
type Service struct {
	db        database.Store
	pipeline  *authorization.Pipeline
	writer    *ledger.Writer
	detector  *anomaly.Detector
	breaker   *breaker.Breaker
	cache     cache.Cache
	events    *events.Manager
	flags     *features.Manager
	replayTTL time.Duration
	now       func() time.Time
}

// NewService creates a new service instance and subscribes circuit breaker
// transitions to the event manager.
func NewService(d Deps) *Service {
	s := &Service{
		db:        d.Store,
		pipeline:  d.Pipeline,
		writer:    d.Writer,
		detector:  d.Detector,
		breaker:   d.Breaker,
		cache:     d.Cache,
		events:    d.Events,
		flags:     d.Features,
		replayTTL: d.ReplayTTL,
		now:       time.Now,
	}
	if s.replayTTL <= 0 {
		s.replayTTL = 24 * time.Hour
	}
	if s.flags == nil {
		s.flags = features.NewDefaultManager(nil)
	}
	if s.events != nil && s.breaker != nil {
		s.breaker.OnTransition(func(ctx context.Context, t breaker.Transition) {
			s.events.PublishCircuitChanged(ctx, t.Event)
		})
	}
	return s
}

// Authorize produces the decision for one authorization event. A retried
// correlation id is answered from the replay cache when enabled.
func (s *Service) Authorize(ctx context.Context, req models.AuthorizationRequest) models.Evaluation {
	replay := s.cache != nil && req.CorrelationID != "" && s.flags.IsEnabled(features.FeatureDecisionReplay)

	if replay {
		var cached models.Evaluation
		err := cache.GetJSON(ctx, s.cache, replayKeyPrefix+req.CorrelationID, &cached)
		switch {
		case err == nil:
			cached.Replayed = true
			logging.FromContext(ctx).Debug().
				Str("correlation_id", req.CorrelationID).
				Msg("replayed cached decision")
			return cached
		case !errors.Is(err, cache.ErrNotFound):
			logging.FromContext(ctx).Warn().Err(err).Msg("decision replay cache unavailable")
		}
	}

	eval := s.pipeline.Evaluate(ctx, req)

	// transient failures are re-evaluated on retry
	if replay && eval.Decision.DeclineCode != models.DeclineProcessingError {
		if err := cache.SetJSON(ctx, s.cache, replayKeyPrefix+req.CorrelationID, eval, s.replayTTL); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Msg("failed to cache decision")
		}
	}
	return eval
}

// Record hands the decision to the async ledger writer. It never blocks.
func (s *Service) Record(eval models.Evaluation) {
	s.writer.Submit(eval)
}

// RunAnomalyScan runs one detector pass over all active agents.
func (s *Service) RunAnomalyScan(ctx context.Context) (models.ScanSummary, error) {
	return s.detector.Scan(ctx)
}

// ResetCircuit returns an agent to green on behalf of an operator.
func (s *Service) ResetCircuit(ctx context.Context, agentID string, req models.ResetCircuitRequest) (models.ResetCircuitResponse, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return models.ResetCircuitResponse{}, &validation.ValidationError{Field: "agent_id", Message: "is required"}
	}

	previous, err := s.breaker.Reset(ctx, agentID, validation.SanitizeString(req.Actor), validation.SanitizeString(req.Reason))
	if err != nil {
		return models.ResetCircuitResponse{}, err
	}
	return models.ResetCircuitResponse{
		AgentID:        agentID,
		PreviousStatus: previous,
		Status:         models.StatusGreen,
	}, nil
}

// ListDeadLetters returns ledger tasks that exhausted their retries.
func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]models.LedgerTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tasks, err := s.db.ListDeadLedgerTasks(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return tasks, nil
}

// RetryDeadLetter puts a dead-lettered task back in the outbox with a fresh
// attempt budget. Steps that already succeeded are not repeated.
func (s *Service) RetryDeadLetter(ctx context.Context, correlationID string) error {
	ok, err := s.db.RequeueLedgerTask(ctx, correlationID, s.now())
	if err != nil {
		return fmt.Errorf("failed to requeue ledger task: %w", err)
	}
	if !ok {
		return database.ErrNotFound
	}
	logging.Component("ledger").Info().Str("correlation_id", correlationID).Msg("dead letter requeued")
	return nil
}

// Health reports store reachability and ledger writer counters.
type Health struct {
	Status   string                 `json:"status"`
	Database string                 `json:"database"`
	Ledger   ledger.Stats           `json:"ledger"`
	Features []features.FeatureFlag `json:"features"`
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Database: "ok", Features: s.flags.List()}
	if s.writer != nil {
		h.Ledger = s.writer.Stats()
	}
	if err := s.db.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Database = err.Error()
	}
	return h
}
