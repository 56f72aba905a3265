package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"agent-spend-authorizer/internal/models"
)

// ErrNotFound is returned by point lookups when the row does not exist.
var ErrNotFound = errors.New("database: not found")

// Store is the relational store behind the policy reads, the counter ledger,
// the circuit breaker and the ledger outbox.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Policy reads.
	GetCard(ctx context.Context, cardID string) (*models.Card, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	ListActiveAgents(ctx context.Context) ([]models.Agent, error)
	ListTransactions(ctx context.Context, agentID string, since time.Time) ([]models.Transaction, error)

	// Collaborator-owned rows, written by seeding and tests.
	UpsertAgent(ctx context.Context, agent models.Agent) error
	UpsertCard(ctx context.Context, card models.Card) error

	// Circuit breaker.
	CompareAndSwapStatus(ctx context.Context, agentID string, from, to models.CircuitStatus, actor, reason string, at time.Time) (bool, error)
	ResetStatus(ctx context.Context, agentID, actor, reason string, at time.Time) (models.CircuitStatus, error)
	ListCircuitEvents(ctx context.Context, agentID string) ([]models.CircuitEvent, error)

	// Ledger writes. Each reports whether a new row was written.
	InsertAuditRecord(ctx context.Context, rec models.AuditRecord) (bool, error)
	GetAuditRecord(ctx context.Context, correlationID string) (*models.AuditRecord, error)
	InsertJournalEntry(ctx context.Context, entry models.JournalEntry) (bool, error)
	GetJournalEntry(ctx context.Context, correlationID string) (*models.JournalEntry, error)
	ApplySpend(ctx context.Context, correlationID, agentID string, amount int64, day string, at time.Time) (bool, error)

	// Ledger outbox.
	EnqueueLedgerTask(ctx context.Context, task models.LedgerTask) (bool, error)
	ClaimLedgerTask(ctx context.Context, correlationID string, now, leaseUntil time.Time) (bool, error)
	UpdateLedgerTask(ctx context.Context, task models.LedgerTask) error
	GetLedgerTask(ctx context.Context, correlationID string) (*models.LedgerTask, error)
	ListDueLedgerTasks(ctx context.Context, now time.Time, limit int) ([]models.LedgerTask, error)
	ListDeadLedgerTasks(ctx context.Context, limit int) ([]models.LedgerTask, error)
	RequeueLedgerTask(ctx context.Context, correlationID string, at time.Time) (bool, error)
}

// Open returns the store selected by driver.
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewDB(path)
	case "postgres":
		return NewPostgresDB(ctx, dsn)
	default:
		return nil, errors.New("database: unsupported driver " + driver)
	}
}

// timeLayout is fixed-width so stored UTC timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func newCircuitEvent(agentID string, from, to models.CircuitStatus, actor, reason string, at time.Time) models.CircuitEvent {
	return models.CircuitEvent{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Reason:     reason,
		CreatedAt:  at,
	}
}
