package events

import (
	"context"
	"sync"
	"time"

	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventAuthorizationDecided is emitted by the ledger writer once per decision
	EventAuthorizationDecided EventType = "authorization.decided"
	// EventCircuitEscalated is emitted when the anomaly detector degrades an agent
	EventCircuitEscalated EventType = "circuit.escalated"
	// EventCircuitReset is emitted on administrative recovery
	EventCircuitReset EventType = "circuit.reset"
	// EventBudgetWarning is emitted when an agent nears its monthly budget
	EventBudgetWarning EventType = "budget.warning"
)

// AllTypes lists every event type the service emits.
var AllTypes = []EventType{EventAuthorizationDecided, EventCircuitEscalated, EventCircuitReset, EventBudgetWarning}

// Event represents an event in the system.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Keyed is implemented by payloads that have a natural partition key.
type Keyed interface {
	PartitionKey() string
}

// AuthorizationDecidedData is the observability record for one decision.
type AuthorizationDecidedData struct {
	CorrelationID    string             `json:"correlation_id"`
	AgentID          string             `json:"agent_id"`
	OrganizationID   string             `json:"organization_id"`
	Amount           int64              `json:"amount"`
	MerchantCategory string             `json:"merchant_category"`
	Approved         bool               `json:"approved"`
	DeclineCode      models.DeclineCode `json:"decline_code,omitempty"`
	ProcessingMillis int64              `json:"processing_ms"`
}

func (d AuthorizationDecidedData) PartitionKey() string { return d.AgentID }

// CircuitChangedData carries a committed circuit breaker transition.
type CircuitChangedData struct {
	Event models.CircuitEvent `json:"event"`
}

func (d CircuitChangedData) PartitionKey() string { return d.Event.AgentID }

// BudgetWarningData carries a budget warning alert.
type BudgetWarningData struct {
	Alert models.Alert `json:"alert"`
}

func (d BudgetWarningData) PartitionKey() string { return d.Alert.AgentID }

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	inflight sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
// Handlers run asynchronously and outlive the caller's cancellation.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	ctx = context.WithoutCancel(ctx)

	// inflight.Add only under the read lock; Shutdown waits after taking the write lock
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return
	}
	for _, handler := range m.handlers[eventType] {
		m.inflight.Add(1)
		go func(h Handler) {
			defer m.inflight.Done()
			if err := h(ctx, event); err != nil {
				logging.Component("events").Error().Err(err).
					Str("event_type", string(event.Type)).
					Msg("event handler failed")
			}
		}(handler)
	}
}

// PublishAuthorizationDecided publishes the per-decision observability event.
func (m *Manager) PublishAuthorizationDecided(ctx context.Context, eval models.Evaluation) {
	m.Publish(ctx, EventAuthorizationDecided, AuthorizationDecidedData{
		CorrelationID:    eval.Request.CorrelationID,
		AgentID:          eval.AgentID,
		OrganizationID:   eval.OrganizationID,
		Amount:           eval.Request.Amount,
		MerchantCategory: eval.Request.MerchantCategory,
		Approved:         eval.Decision.Approved,
		DeclineCode:      eval.Decision.DeclineCode,
		ProcessingMillis: eval.Decision.ProcessingTime.Milliseconds(),
	})
}

// PublishCircuitChanged publishes an escalation or reset.
func (m *Manager) PublishCircuitChanged(ctx context.Context, e models.CircuitEvent) {
	eventType := EventCircuitEscalated
	if e.ToStatus == models.StatusGreen {
		eventType = EventCircuitReset
	}
	m.Publish(ctx, eventType, CircuitChangedData{Event: e})
}

// PublishBudgetWarning publishes a budget warning.
func (m *Manager) PublishBudgetWarning(ctx context.Context, alert models.Alert) {
	m.Publish(ctx, EventBudgetWarning, BudgetWarningData{Alert: alert})
}

// Wait blocks until in-flight handlers return.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Shutdown stops accepting events and waits for in-flight handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.inflight.Wait()
}
