package models

import "time"

// LedgerTaskStatus is the outbox state of a ledger task.
type LedgerTaskStatus string

const (
	TaskPending LedgerTaskStatus = "pending"
	TaskDone    LedgerTaskStatus = "done"
	TaskDead    LedgerTaskStatus = "dead"
)

// LedgerTask is the durable unit of work for the async ledger writer.
type LedgerTask struct {
	CorrelationID  string           `json:"correlation_id"`
	Evaluation     Evaluation       `json:"evaluation"`
	Status         LedgerTaskStatus `json:"status"`
	CompletedSteps int              `json:"completed_steps"`
	AttemptCount   int              `json:"attempt_count"`
	NextAttemptAt  time.Time        `json:"next_attempt_at"`
	LastError      string           `json:"last_error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// AnomalyScore is the derived risk score for one agent on one detector pass.
type AnomalyScore struct {
	AgentID             string         `json:"agent_id"`
	Score               int            `json:"score"`
	Factors             map[string]int `json:"factors"`
	TransactionCount    int            `json:"transaction_count"`
	MaxRepeatedAmount   int            `json:"max_repeated_amount"`
	MaxRepeatedMerchant int            `json:"max_repeated_merchant"`
	VelocityPerMinute   int64          `json:"velocity_per_minute"`
}

// AlertKind identifies an operator-facing alert.
type AlertKind string

const (
	AlertCircuitEscalated AlertKind = "circuit_escalated"
	AlertBudgetWarning    AlertKind = "budget_warning"
)

// Alert is delivered to the external notification collaborator.
type Alert struct {
	Kind              AlertKind     `json:"kind"`
	AgentID           string        `json:"agent_id"`
	OrganizationID    string        `json:"organization_id"`
	FromStatus        CircuitStatus `json:"from_status,omitempty"`
	ToStatus          CircuitStatus `json:"to_status,omitempty"`
	Score             int           `json:"score,omitempty"`
	VelocityPerMinute int64         `json:"velocity_per_minute,omitempty"`
	CurrentSpend      int64         `json:"current_spend,omitempty"`
	MonthlyBudget     int64         `json:"monthly_budget,omitempty"`
	Utilization       string        `json:"utilization,omitempty"`
	Message           string        `json:"message"`
	CreatedAt         time.Time     `json:"created_at"`
}

// ScanSummary is returned by one anomaly detector pass.
type ScanSummary struct {
	AgentsChecked     int `json:"agents_checked"`
	AnomaliesDetected int `json:"anomalies_detected"`
	AgentsThrottled   int `json:"agents_throttled"`
	AlertsSent        int `json:"alerts_sent"`
	Failures          int `json:"failures"`
}

// ResetCircuitRequest is the body of the administrative recovery call.
type ResetCircuitRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// ResetCircuitResponse reports the outcome of an administrative recovery.
type ResetCircuitResponse struct {
	AgentID        string        `json:"agent_id"`
	PreviousStatus CircuitStatus `json:"previous_status"`
	Status         CircuitStatus `json:"status"`
}
