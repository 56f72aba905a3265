package models

import "time"

// CircuitStatus is the per-agent circuit breaker state.
type CircuitStatus string

const (
	StatusGreen  CircuitStatus = "green"  // normal
	StatusYellow CircuitStatus = "yellow" // elevated risk, still authorizes
	StatusRed    CircuitStatus = "red"    // frozen
)

// Valid reports whether s is one of the three known states.
func (s CircuitStatus) Valid() bool {
	switch s {
	case StatusGreen, StatusYellow, StatusRed:
		return true
	}
	return false
}

// DeclineCode is the fixed vocabulary consumed by the payment network.
type DeclineCode string

const (
	DeclineCardInactive      DeclineCode = "card_inactive"
	DeclineInsufficientFunds DeclineCode = "insufficient_funds"
	DeclineSpendingControls  DeclineCode = "spending_controls"
	DeclineProcessingError   DeclineCode = "processing_error"
	DeclineNotAllowed        DeclineCode = "not_allowed"
)

// Agent is the unit being authorized. Money fields are integer minor units.
type Agent struct {
	ID                        string        `json:"id" yaml:"id"`
	OrganizationID            string        `json:"organization_id" yaml:"organization_id"`
	Name                      string        `json:"name" yaml:"name"`
	MonthlyBudget             int64         `json:"monthly_budget" yaml:"monthly_budget"`
	CurrentSpend              int64         `json:"current_spend" yaml:"current_spend"`
	TodaySpend                int64         `json:"today_spend" yaml:"today_spend"`
	TodayDate                 string        `json:"today_date" yaml:"today_date"` // YYYY-MM-DD, empty if never spent
	SoftLimitPerMinute        *int64        `json:"soft_limit_per_minute,omitempty" yaml:"soft_limit_per_minute"`
	HardLimitPerMinute        *int64        `json:"hard_limit_per_minute,omitempty" yaml:"hard_limit_per_minute"`
	SoftLimitPerDay           *int64        `json:"soft_limit_per_day,omitempty" yaml:"soft_limit_per_day"`
	HardLimitPerDay           *int64        `json:"hard_limit_per_day,omitempty" yaml:"hard_limit_per_day"`
	Status                    CircuitStatus `json:"status" yaml:"status"`
	AllowedMerchantCategories []string      `json:"allowed_merchant_categories" yaml:"allowed_merchant_categories"`
	BlockedMerchantCategories []string      `json:"blocked_merchant_categories" yaml:"blocked_merchant_categories"`
	IsActive                  bool          `json:"is_active" yaml:"is_active"`
}

// EffectiveTodaySpend returns today's spend, treating a stale counter as zero.
func (a Agent) EffectiveTodaySpend(day string) int64 {
	if a.TodayDate != day {
		return 0
	}
	return a.TodaySpend
}

// Card is a payment instrument bound to exactly one agent.
type Card struct {
	ID             string `json:"id" yaml:"id"`
	AgentID        string `json:"agent_id" yaml:"agent_id"`
	OrganizationID string `json:"organization_id" yaml:"organization_id"`
	IsActive       bool   `json:"is_active" yaml:"is_active"`
}

// AuthorizationRequest is the inbound authorization event payload.
type AuthorizationRequest struct {
	CorrelationID    string `json:"authorization_id"`
	CardID           string `json:"card_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency,omitempty"`
	MerchantName     string `json:"merchant_name"`
	MerchantCategory string `json:"merchant_category"`
}

// AuthorizationDecision is the immutable outcome of one pipeline run.
// Reason is internal audit text and never leaves the service.
type AuthorizationDecision struct {
	CorrelationID  string        `json:"correlation_id"`
	Approved       bool          `json:"approved"`
	DeclineCode    DeclineCode   `json:"decline_code,omitempty"`
	Reason         string        `json:"reason"`
	DecidedAt      time.Time     `json:"decided_at"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Response renders the externally visible part of the decision.
func (d AuthorizationDecision) Response() DecisionResponse {
	if d.Approved {
		return DecisionResponse{Approved: true}
	}
	return DecisionResponse{Approved: false, DeclineCode: d.DeclineCode}
}

// DecisionResponse is the body returned to the payment network.
type DecisionResponse struct {
	Approved    bool        `json:"approved"`
	DeclineCode DeclineCode `json:"decline_code,omitempty"`
}

// Evaluation bundles a decision with the context the ledger writer needs.
type Evaluation struct {
	Request        AuthorizationRequest  `json:"request"`
	Decision       AuthorizationDecision `json:"decision"`
	AgentID        string                `json:"agent_id,omitempty"`
	OrganizationID string                `json:"organization_id,omitempty"`
	LocalDay       string                `json:"local_day"`
	Replayed       bool                  `json:"-"`
}

// AuditRecord is the immutable audit row for one authorization.
type AuditRecord struct {
	CorrelationID    string      `json:"correlation_id"`
	CardID           string      `json:"card_id"`
	AgentID          string      `json:"agent_id"`
	OrganizationID   string      `json:"organization_id"`
	Amount           int64       `json:"amount"`
	Currency         string      `json:"currency"`
	MerchantName     string      `json:"merchant_name"`
	MerchantCategory string      `json:"merchant_category"`
	Approved         bool        `json:"approved"`
	DeclineCode      DeclineCode `json:"decline_code,omitempty"`
	Reason           string      `json:"reason"`
	ProcessingMillis int64       `json:"processing_ms"`
	DecidedAt        time.Time   `json:"decided_at"`
}

// Transaction is an authorization attempt as seen by the anomaly detector.
type Transaction struct {
	CorrelationID    string    `json:"correlation_id"`
	AgentID          string    `json:"agent_id"`
	Amount           int64     `json:"amount"`
	MerchantName     string    `json:"merchant_name"`
	MerchantCategory string    `json:"merchant_category"`
	Approved         bool      `json:"approved"`
	DecidedAt        time.Time `json:"decided_at"`
}

// CircuitEvent records a circuit breaker transition.
type CircuitEvent struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agent_id"`
	FromStatus CircuitStatus `json:"from_status"`
	ToStatus   CircuitStatus `json:"to_status"`
	Actor      string        `json:"actor"`
	Reason     string        `json:"reason"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
