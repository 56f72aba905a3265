// Package breaker implements the per-agent three-state circuit breaker.
//
// Automatic transitions only degrade (green -> yellow -> red). Recovery to
// green is a separate administrative operation that is always audited.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
)

// ActorAnomalyDetector is recorded on automatic transitions.
const ActorAnomalyDetector = "anomaly_detector"

var (
	ErrInvalidTransition = errors.New("invalid circuit breaker transition")
	ErrActorRequired     = errors.New("reset requires an actor")
	ErrReasonRequired    = errors.New("reset requires a reason")
)

// Store is the persistence the breaker needs.
type Store interface {
	CompareAndSwapStatus(ctx context.Context, agentID string, from, to models.CircuitStatus, actor, reason string, at time.Time) (bool, error)
	ResetStatus(ctx context.Context, agentID, actor, reason string, at time.Time) (models.CircuitStatus, error)
}

// CanTransition reports whether an automatic transition is allowed.
func CanTransition(from, to models.CircuitStatus) bool {
	switch from {
	case models.StatusGreen:
		return to == models.StatusYellow
	case models.StatusYellow:
		return to == models.StatusRed
	default:
		return false
	}
}

// Next returns the next degradation step, if any.
func Next(from models.CircuitStatus) (models.CircuitStatus, error) {
	switch from {
	case models.StatusGreen:
		return models.StatusYellow, nil
	case models.StatusYellow:
		return models.StatusRed, nil
	default:
		return from, ErrInvalidTransition
	}
}

// Blocks reports whether a status forces a blanket decline.
func Blocks(status models.CircuitStatus) bool {
	return status == models.StatusRed
}

// Transition is delivered to subscribers after a committed status change.
type Transition struct {
	Event     models.CircuitEvent
	Automatic bool
}

type Breaker struct {
	store        Store
	now          func() time.Time
	onTransition []func(context.Context, Transition)
}

func New(store Store) *Breaker {
	return &Breaker{store: store, now: time.Now}
}

// OnTransition registers a callback for committed transitions.
func (b *Breaker) OnTransition(fn func(context.Context, Transition)) {
	b.onTransition = append(b.onTransition, fn)
}

// Escalate moves agentID from -> to if the agent is still in from.
// It returns false without error when another writer got there first.
func (b *Breaker) Escalate(ctx context.Context, agentID string, from, to models.CircuitStatus, reason string) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	at := b.now()
	swapped, err := b.store.CompareAndSwapStatus(ctx, agentID, from, to, ActorAnomalyDetector, reason, at)
	if err != nil {
		return false, fmt.Errorf("escalate agent %s: %w", agentID, err)
	}
	if !swapped {
		return false, nil
	}

	logging.Component("breaker").Warn().
		Str("agent_id", agentID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("circuit breaker escalated")

	b.notify(ctx, Transition{
		Event: models.CircuitEvent{
			AgentID: agentID, FromStatus: from, ToStatus: to,
			Actor: ActorAnomalyDetector, Reason: reason, CreatedAt: at,
		},
		Automatic: true,
	})
	return true, nil
}

// Reset returns the agent to green. It is the only way out of yellow or red.
func (b *Breaker) Reset(ctx context.Context, agentID, actor, reason string) (models.CircuitStatus, error) {
	actor = strings.TrimSpace(actor)
	reason = strings.TrimSpace(reason)
	if actor == "" {
		return "", ErrActorRequired
	}
	if reason == "" {
		return "", ErrReasonRequired
	}

	at := b.now()
	previous, err := b.store.ResetStatus(ctx, agentID, actor, reason, at)
	if err != nil {
		return "", err
	}

	logging.Component("breaker").Info().
		Str("agent_id", agentID).
		Str("from", string(previous)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("circuit breaker reset")

	b.notify(ctx, Transition{
		Event: models.CircuitEvent{
			AgentID: agentID, FromStatus: previous, ToStatus: models.StatusGreen,
			Actor: actor, Reason: reason, CreatedAt: at,
		},
	})
	return previous, nil
}

func (b *Breaker) notify(ctx context.Context, t Transition) {
	for _, fn := range b.onTransition {
		fn(ctx, t)
	}
}
