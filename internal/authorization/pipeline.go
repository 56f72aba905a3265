// Package authorization implements the synchronous decision pipeline.
//
// Evaluate is total: every request yields a decision within the configured
// budget. Store failures, deadlines and panics all become processing_error.
package authorization

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agent-spend-authorizer/internal/breaker"
	"agent-spend-authorizer/internal/database"
	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
	"agent-spend-authorizer/internal/validation"
)

// DefaultTimeout leaves headroom under the network's two second deadline.
const DefaultTimeout = 1500 * time.Millisecond

const dayLayout = "2006-01-02"

// PolicyStore is the read side the pipeline needs.
type PolicyStore interface {
	GetCard(ctx context.Context, cardID string) (*models.Card, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
}

type Pipeline struct {
	store    PolicyStore
	timeout  time.Duration
	location *time.Location
	now      func() time.Time
	tracer   trace.Tracer
}

type Option func(*Pipeline)

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLocation sets the timezone used to compute the authorization's day.
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) {
		if loc != nil {
			p.location = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(store PolicyStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		timeout:  DefaultTimeout,
		location: time.UTC,
		now:      time.Now,
		tracer:   otel.Tracer("agent-spend-authorizer/authorization"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate runs the ordered checks and always returns a decision.
func (p *Pipeline) Evaluate(ctx context.Context, req models.AuthorizationRequest) models.Evaluation {
	start := p.now()
	validation.NormalizeAuthorizationRequest(&req)
	ctx, span := p.tracer.Start(ctx, "authorization.evaluate",
		trace.WithAttributes(
			attribute.String("authorization.id", req.CorrelationID),
			attribute.Int64("authorization.amount", req.Amount),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	day := start.In(p.location).Format(dayLayout)
	done := make(chan models.Evaluation, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Component("authorization").Error().
					Str("correlation_id", req.CorrelationID).
					Interface("panic", r).
					Msg("decision pipeline panicked")
				done <- decline(req, day, models.DeclineProcessingError, fmt.Sprintf("internal error: %v", r))
			}
		}()
		done <- p.evaluate(ctx, req, day)
	}()

	var eval models.Evaluation
	select {
	case eval = <-done:
	case <-ctx.Done():
		logging.Component("authorization").Error().
			Str("correlation_id", req.CorrelationID).
			Dur("budget", p.timeout).
			Msg("decision deadline exceeded")
		eval = decline(req, day, models.DeclineProcessingError, "decision deadline exceeded")
	}

	decidedAt := p.now()
	eval.Decision.CorrelationID = eval.Request.CorrelationID
	eval.Decision.DecidedAt = decidedAt
	eval.Decision.ProcessingTime = decidedAt.Sub(start)

	span.SetAttributes(
		attribute.Bool("authorization.approved", eval.Decision.Approved),
		attribute.String("authorization.decline_code", string(eval.Decision.DeclineCode)),
	)
	if eval.Decision.DeclineCode == models.DeclineProcessingError {
		span.SetStatus(codes.Error, eval.Decision.Reason)
	}
	return eval
}

func (p *Pipeline) evaluate(ctx context.Context, req models.AuthorizationRequest, day string) models.Evaluation {
	log := logging.Component("authorization").With().Str("correlation_id", req.CorrelationID).Logger()

	if err := validation.ValidateAuthorizationRequest(req); err != nil {
		log.Warn().Err(err).Msg("malformed authorization request")
		return decline(req, day, models.DeclineProcessingError, "malformed request: "+err.Error())
	}

	card, err := p.store.GetCard(ctx, req.CardID)
	if errors.Is(err, database.ErrNotFound) {
		return decline(req, day, models.DeclineCardInactive, "card not found")
	}
	if err != nil {
		log.Error().Err(err).Str("card_id", req.CardID).Msg("card lookup failed")
		return decline(req, day, models.DeclineProcessingError, "card lookup failed")
	}
	if !card.IsActive {
		return decline(req, day, models.DeclineCardInactive, "card inactive")
	}

	agent, err := p.store.GetAgent(ctx, card.AgentID)
	if errors.Is(err, database.ErrNotFound) {
		log.Error().Str("agent_id", card.AgentID).Msg("card references unknown agent")
		return withOwner(decline(req, day, models.DeclineProcessingError, "agent not found"), card.AgentID, card.OrganizationID)
	}
	if err != nil {
		log.Error().Err(err).Str("agent_id", card.AgentID).Msg("agent lookup failed")
		return withOwner(decline(req, day, models.DeclineProcessingError, "agent lookup failed"), card.AgentID, card.OrganizationID)
	}

	eval := checkAgent(req, *card, *agent, day)
	if !eval.Decision.Approved {
		log.Debug().
			Str("agent_id", agent.ID).
			Str("decline_code", string(eval.Decision.DeclineCode)).
			Str("reason", eval.Decision.Reason).
			Msg("authorization declined")
	}
	return eval
}

// checkAgent applies the policy checks to a resolved card and agent.
func checkAgent(req models.AuthorizationRequest, card models.Card, agent models.Agent, day string) models.Evaluation {
	reject := func(code models.DeclineCode, reason string) models.Evaluation {
		return withOwner(decline(req, day, code, reason), agent.ID, agent.OrganizationID)
	}

	if card.OrganizationID != agent.OrganizationID {
		return reject(models.DeclineNotAllowed, "card organization does not match agent organization")
	}
	if !agent.IsActive {
		return reject(models.DeclineCardInactive, "agent inactive")
	}
	if breaker.Blocks(agent.Status) {
		return reject(models.DeclineCardInactive, "agent frozen by circuit breaker")
	}
	if containsCategory(agent.BlockedMerchantCategories, req.MerchantCategory) {
		return reject(models.DeclineSpendingControls, "merchant category blocked: "+req.MerchantCategory)
	}
	if len(agent.AllowedMerchantCategories) > 0 && !containsCategory(agent.AllowedMerchantCategories, req.MerchantCategory) {
		return reject(models.DeclineSpendingControls, "merchant category not allowed: "+req.MerchantCategory)
	}
	if agent.CurrentSpend+req.Amount > agent.MonthlyBudget {
		return reject(models.DeclineInsufficientFunds,
			fmt.Sprintf("monthly budget exceeded: %d + %d > %d", agent.CurrentSpend, req.Amount, agent.MonthlyBudget))
	}

	todaySpend := agent.EffectiveTodaySpend(day)
	if agent.HardLimitPerDay != nil && todaySpend+req.Amount > *agent.HardLimitPerDay {
		return reject(models.DeclineSpendingControls,
			fmt.Sprintf("daily limit exceeded: %d + %d > %d", todaySpend, req.Amount, *agent.HardLimitPerDay))
	}
	if agent.HardLimitPerMinute != nil && req.Amount > *agent.HardLimitPerMinute {
		return reject(models.DeclineSpendingControls,
			fmt.Sprintf("per-minute limit exceeded by single transaction: %d > %d", req.Amount, *agent.HardLimitPerMinute))
	}

	return models.Evaluation{
		Request:        req,
		Decision:       models.AuthorizationDecision{Approved: true, Reason: "all checks passed"},
		AgentID:        agent.ID,
		OrganizationID: agent.OrganizationID,
		LocalDay:       day,
	}
}

func containsCategory(set []string, category string) bool {
	return slices.ContainsFunc(set, func(c string) bool {
		return validation.NormalizeCategory(c) == category
	})
}

func decline(req models.AuthorizationRequest, day string, code models.DeclineCode, reason string) models.Evaluation {
	return models.Evaluation{
		Request:  req,
		Decision: models.AuthorizationDecision{Approved: false, DeclineCode: code, Reason: reason},
		LocalDay: day,
	}
}

func withOwner(eval models.Evaluation, agentID, orgID string) models.Evaluation {
	eval.AgentID = agentID
	eval.OrganizationID = orgID
	return eval
}
