package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"agent-spend-authorizer/internal/models"
)

// DB wraps the SQLite connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

var _ Store = (*DB)(nil)

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	dsn := dbPath + "?_foreign_keys=1&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.Migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate creates the necessary tables if they don't exist.
func (db *DB) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			monthly_budget INTEGER NOT NULL,
			current_spend INTEGER NOT NULL DEFAULT 0,
			today_spend INTEGER NOT NULL DEFAULT 0,
			today_date TEXT,
			soft_limit_per_minute INTEGER,
			hard_limit_per_minute INTEGER,
			soft_limit_per_day INTEGER,
			hard_limit_per_day INTEGER,
			status TEXT NOT NULL DEFAULT 'green',
			allowed_categories TEXT NOT NULL DEFAULT '[]',
			blocked_categories TEXT NOT NULL DEFAULT '[]',
			is_active INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			organization_id TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS authorizations (
			correlation_id TEXT PRIMARY KEY,
			card_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			organization_id TEXT NOT NULL DEFAULT '',
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL DEFAULT '',
			merchant_name TEXT NOT NULL DEFAULT '',
			merchant_category TEXT NOT NULL DEFAULT '',
			approved INTEGER NOT NULL,
			decline_code TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			processing_ms INTEGER NOT NULL DEFAULT 0,
			decided_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_authorizations_agent_decided ON authorizations(agent_id, decided_at)`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS journal_postings (
			id TEXT PRIMARY KEY,
			entry_id TEXT NOT NULL REFERENCES journal_entries(id),
			account TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
			amount INTEGER NOT NULL CHECK (amount > 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_postings_entry ON journal_postings(entry_id)`,
		`CREATE TABLE IF NOT EXISTS spend_applications (
			correlation_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			day TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_events (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_circuit_events_agent ON circuit_events(agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ledger_tasks (
			correlation_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			completed_steps INTEGER NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_tasks_due ON ledger_tasks(status, next_attempt_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

const agentColumns = `id, organization_id, name, monthly_budget, current_spend, today_spend, today_date,
	soft_limit_per_minute, hard_limit_per_minute, soft_limit_per_day, hard_limit_per_day,
	status, allowed_categories, blocked_categories, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent                  models.Agent
		todayDate              sql.NullString
		softMin, hardMin       sql.NullInt64
		softDay, hardDay       sql.NullInt64
		allowedJSON, blockJSON string
		status                 string
	)
	err := row.Scan(
		&agent.ID,
		&agent.OrganizationID,
		&agent.Name,
		&agent.MonthlyBudget,
		&agent.CurrentSpend,
		&agent.TodaySpend,
		&todayDate,
		&softMin,
		&hardMin,
		&softDay,
		&hardDay,
		&status,
		&allowedJSON,
		&blockJSON,
		&agent.IsActive,
	)
	if err != nil {
		return nil, err
	}
	agent.TodayDate = todayDate.String
	agent.SoftLimitPerMinute = nullableInt(softMin)
	agent.HardLimitPerMinute = nullableInt(hardMin)
	agent.SoftLimitPerDay = nullableInt(softDay)
	agent.HardLimitPerDay = nullableInt(hardDay)
	agent.Status = models.CircuitStatus(status)
	agent.AllowedMerchantCategories = deserializeCategories(allowedJSON)
	agent.BlockedMerchantCategories = deserializeCategories(blockJSON)
	return &agent, nil
}

// GetAgent returns the agent or ErrNotFound.
func (db *DB) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", agentID, err)
	}
	return agent, nil
}

// ListActiveAgents returns all agents with is_active set.
func (db *DB) ListActiveAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// UpsertAgent creates or updates an agent.
func (db *DB) UpsertAgent(ctx context.Context, agent models.Agent) error {
	if agent.Status == "" {
		agent.Status = models.StatusGreen
	}

	query := `INSERT INTO agents (` + agentColumns + `, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		organization_id = excluded.organization_id,
		name = excluded.name,
		monthly_budget = excluded.monthly_budget,
		current_spend = excluded.current_spend,
		today_spend = excluded.today_spend,
		today_date = excluded.today_date,
		soft_limit_per_minute = excluded.soft_limit_per_minute,
		hard_limit_per_minute = excluded.hard_limit_per_minute,
		soft_limit_per_day = excluded.soft_limit_per_day,
		hard_limit_per_day = excluded.hard_limit_per_day,
		status = excluded.status,
		allowed_categories = excluded.allowed_categories,
		blocked_categories = excluded.blocked_categories,
		is_active = excluded.is_active,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		agent.ID,
		agent.OrganizationID,
		agent.Name,
		agent.MonthlyBudget,
		agent.CurrentSpend,
		agent.TodaySpend,
		nullString(agent.TodayDate),
		agent.SoftLimitPerMinute,
		agent.HardLimitPerMinute,
		agent.SoftLimitPerDay,
		agent.HardLimitPerDay,
		string(agent.Status),
		serializeCategories(agent.AllowedMerchantCategories),
		serializeCategories(agent.BlockedMerchantCategories),
		agent.IsActive,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// GetCard returns the card or ErrNotFound.
func (db *DB) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	var card models.Card
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, agent_id, organization_id, is_active FROM cards WHERE id = ?`, cardID,
	).Scan(&card.ID, &card.AgentID, &card.OrganizationID, &card.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card %s: %w", cardID, err)
	}
	return &card, nil
}

// UpsertCard creates or updates a card.
func (db *DB) UpsertCard(ctx context.Context, card models.Card) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO cards (id, agent_id, organization_id, is_active)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		agent_id = excluded.agent_id,
		organization_id = excluded.organization_id,
		is_active = excluded.is_active`,
		card.ID, card.AgentID, card.OrganizationID, card.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert card: %w", err)
	}
	return nil
}

// ListTransactions returns the agent's authorization attempts decided at or after since.
func (db *DB) ListTransactions(ctx context.Context, agentID string, since time.Time) ([]models.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT correlation_id, agent_id, amount, merchant_name,
		merchant_category, approved, decided_at
		FROM authorizations
		WHERE agent_id = ? AND decided_at >= ?
		ORDER BY decided_at`, agentID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		var decidedAt string
		if err := rows.Scan(&txn.CorrelationID, &txn.AgentID, &txn.Amount, &txn.MerchantName,
			&txn.MerchantCategory, &txn.Approved, &decidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if txn.DecidedAt, err = parseTime(decidedAt); err != nil {
			return nil, fmt.Errorf("failed to parse decided_at: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

// CompareAndSwapStatus moves the agent from one status to another with a single
// conditional update and records the transition in the same transaction.
func (db *DB) CompareAndSwapStatus(ctx context.Context, agentID string, from, to models.CircuitStatus, actor, reason string, at time.Time) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(at), agentID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := insertCircuitEvent(ctx, tx, newCircuitEvent(agentID, from, to, actor, reason, at)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ResetStatus returns the agent to green and records who did it.
func (db *DB) ResetStatus(ctx context.Context, agentID, actor, reason string, at time.Time) (models.CircuitStatus, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?`, agentID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read agent status: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(models.StatusGreen), formatTime(at), agentID); err != nil {
		return "", fmt.Errorf("failed to reset agent status: %w", err)
	}

	event := newCircuitEvent(agentID, models.CircuitStatus(previous), models.StatusGreen, actor, reason, at)
	if err := insertCircuitEvent(ctx, tx, event); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return models.CircuitStatus(previous), nil
}

func insertCircuitEvent(ctx context.Context, tx *sql.Tx, e models.CircuitEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO circuit_events
		(id, agent_id, from_status, to_status, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, string(e.FromStatus), string(e.ToStatus), e.Actor, e.Reason, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert circuit event: %w", err)
	}
	return nil
}

// ListCircuitEvents returns the agent's transitions, oldest first.
func (db *DB) ListCircuitEvents(ctx context.Context, agentID string) ([]models.CircuitEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, agent_id, from_status, to_status, actor, reason, created_at
		FROM circuit_events WHERE agent_id = ? ORDER BY created_at, rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query circuit events: %w", err)
	}
	defer rows.Close()

	var events []models.CircuitEvent
	for rows.Next() {
		var e models.CircuitEvent
		var from, to, createdAt string
		if err := rows.Scan(&e.ID, &e.AgentID, &from, &to, &e.Actor, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan circuit event: %w", err)
		}
		e.FromStatus = models.CircuitStatus(from)
		e.ToStatus = models.CircuitStatus(to)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertAuditRecord writes the audit row once per correlation id.
func (db *DB) InsertAuditRecord(ctx context.Context, rec models.AuditRecord) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `INSERT INTO authorizations (
		correlation_id, card_id, agent_id, organization_id, amount, currency, merchant_name,
		merchant_category, approved, decline_code, reason, processing_ms, decided_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(correlation_id) DO NOTHING`,
		rec.CorrelationID, rec.CardID, rec.AgentID, rec.OrganizationID, rec.Amount, rec.Currency,
		rec.MerchantName, rec.MerchantCategory, rec.Approved, string(rec.DeclineCode), rec.Reason,
		rec.ProcessingMillis, formatTime(rec.DecidedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert audit record %s: %w", rec.CorrelationID, err)
	}
	return inserted(res)
}

func (db *DB) GetAuditRecord(ctx context.Context, correlationID string) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	var declineCode, decidedAt string
	err := db.conn.QueryRowContext(ctx, `SELECT correlation_id, card_id, agent_id, organization_id, amount,
		currency, merchant_name, merchant_category, approved, decline_code, reason, processing_ms, decided_at
		FROM authorizations WHERE correlation_id = ?`, correlationID).Scan(
		&rec.CorrelationID, &rec.CardID, &rec.AgentID, &rec.OrganizationID, &rec.Amount, &rec.Currency,
		&rec.MerchantName, &rec.MerchantCategory, &rec.Approved, &declineCode, &rec.Reason,
		&rec.ProcessingMillis, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record %s: %w", correlationID, err)
	}
	rec.DeclineCode = models.DeclineCode(declineCode)
	if rec.DecidedAt, err = parseTime(decidedAt); err != nil {
		return nil, fmt.Errorf("failed to parse decided_at: %w", err)
	}
	return &rec, nil
}

// InsertJournalEntry writes a balanced entry and its postings once per correlation id.
func (db *DB) InsertJournalEntry(ctx context.Context, entry models.JournalEntry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO journal_entries
		(id, correlation_id, agent_id, organization_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`,
		entry.ID, entry.CorrelationID, entry.AgentID, entry.OrganizationID, entry.Description,
		formatTime(entry.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert journal entry: %w", err)
	}
	ok, err := inserted(res)
	if err != nil || !ok {
		return false, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO journal_postings (id, entry_id, account, direction, amount)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return false, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range entry.Postings {
		if _, err := stmt.ExecContext(ctx, p.ID, entry.ID, p.Account, string(p.Direction), p.Amount); err != nil {
			return false, fmt.Errorf("failed to insert posting %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (db *DB) GetJournalEntry(ctx context.Context, correlationID string) (*models.JournalEntry, error) {
	var entry models.JournalEntry
	var createdAt string
	err := db.conn.QueryRowContext(ctx, `SELECT id, correlation_id, agent_id, organization_id, description, created_at
		FROM journal_entries WHERE correlation_id = ?`, correlationID).Scan(
		&entry.ID, &entry.CorrelationID, &entry.AgentID, &entry.OrganizationID, &entry.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entry %s: %w", correlationID, err)
	}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT id, entry_id, account, direction, amount
		FROM journal_postings WHERE entry_id = ? ORDER BY direction DESC, id`, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query postings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Posting
		var direction string
		if err := rows.Scan(&p.ID, &p.EntryID, &p.Account, &direction, &p.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan posting: %w", err)
		}
		p.Direction = models.PostingDirection(direction)
		entry.Postings = append(entry.Postings, p)
	}
	return &entry, rows.Err()
}

// applySpendQuery adds to current_spend and rolls today's counter in one
// statement: same day accumulates, an older or missing day resets to the
// amount, and a newer stored day is left alone.
const applySpendQuery = `UPDATE agents SET
	today_spend = CASE
		WHEN today_date = ? THEN today_spend + ?
		WHEN today_date IS NULL OR today_date < ? THEN ?
		ELSE today_spend
	END,
	today_date = CASE
		WHEN today_date IS NULL OR today_date < ? THEN ?
		ELSE today_date
	END,
	current_spend = current_spend + ?,
	updated_at = ?
	WHERE id = ?`

// ApplySpend applies an approved amount to the agent's counters once per correlation id.
func (db *DB) ApplySpend(ctx context.Context, correlationID, agentID string, amount int64, day string, at time.Time) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO spend_applications (correlation_id, agent_id, amount, day, applied_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`,
		correlationID, agentID, amount, day, formatTime(at))
	if err != nil {
		return false, fmt.Errorf("failed to record spend application: %w", err)
	}
	ok, err := inserted(res)
	if err != nil || !ok {
		return false, err
	}

	res, err = tx.ExecContext(ctx, applySpendQuery,
		day, amount, day, amount, day, day, amount, formatTime(at), agentID)
	if err != nil {
		return false, fmt.Errorf("failed to apply spend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

const ledgerTaskColumns = `correlation_id, payload, status, completed_steps, attempt_count,
	next_attempt_at, last_error, created_at, updated_at`

func scanLedgerTask(row rowScanner) (*models.LedgerTask, error) {
	var (
		task                            models.LedgerTask
		payload, status                 string
		nextAttempt, created, updatedAt string
	)
	if err := row.Scan(&task.CorrelationID, &payload, &status, &task.CompletedSteps, &task.AttemptCount,
		&nextAttempt, &task.LastError, &created, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &task.Evaluation); err != nil {
		return nil, fmt.Errorf("failed to decode ledger task %s: %w", task.CorrelationID, err)
	}
	task.Status = models.LedgerTaskStatus(status)
	var err error
	if task.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &task, nil
}

// EnqueueLedgerTask persists a task once per correlation id.
func (db *DB) EnqueueLedgerTask(ctx context.Context, task models.LedgerTask) (bool, error) {
	payload, err := json.Marshal(task.Evaluation)
	if err != nil {
		return false, fmt.Errorf("failed to encode ledger task: %w", err)
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	res, err := db.conn.ExecContext(ctx, `INSERT INTO ledger_tasks (`+ledgerTaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`,
		task.CorrelationID, string(payload), string(task.Status), task.CompletedSteps, task.AttemptCount,
		formatTime(task.NextAttemptAt), task.LastError, formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue ledger task %s: %w", task.CorrelationID, err)
	}
	return inserted(res)
}

// ClaimLedgerTask leases a due pending task until leaseUntil.
func (db *DB) ClaimLedgerTask(ctx context.Context, correlationID string, now, leaseUntil time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `UPDATE ledger_tasks SET next_attempt_at = ?, updated_at = ?
		WHERE correlation_id = ? AND status = 'pending' AND next_attempt_at <= ?`,
		formatTime(leaseUntil), formatTime(now), correlationID, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim ledger task %s: %w", correlationID, err)
	}
	return inserted(res)
}

func (db *DB) UpdateLedgerTask(ctx context.Context, task models.LedgerTask) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE ledger_tasks SET
		status = ?, completed_steps = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE correlation_id = ?`,
		string(task.Status), task.CompletedSteps, task.AttemptCount, formatTime(task.NextAttemptAt),
		task.LastError, formatTime(task.UpdatedAt), task.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to update ledger task %s: %w", task.CorrelationID, err)
	}
	ok, err := inserted(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (db *DB) GetLedgerTask(ctx context.Context, correlationID string) (*models.LedgerTask, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+ledgerTaskColumns+` FROM ledger_tasks WHERE correlation_id = ?`, correlationID)
	task, err := scanLedgerTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger task %s: %w", correlationID, err)
	}
	return task, nil
}

// ListDueLedgerTasks returns pending tasks whose next attempt is due.
func (db *DB) ListDueLedgerTasks(ctx context.Context, now time.Time, limit int) ([]models.LedgerTask, error) {
	return db.listLedgerTasks(ctx, `SELECT `+ledgerTaskColumns+` FROM ledger_tasks
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY next_attempt_at LIMIT ?`, formatTime(now), limit)
}

func (db *DB) ListDeadLedgerTasks(ctx context.Context, limit int) ([]models.LedgerTask, error) {
	return db.listLedgerTasks(ctx, `SELECT `+ledgerTaskColumns+` FROM ledger_tasks
		WHERE status = 'dead' ORDER BY updated_at DESC LIMIT ?`, limit)
}

func (db *DB) listLedgerTasks(ctx context.Context, query string, args ...any) ([]models.LedgerTask, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.LedgerTask
	for rows.Next() {
		task, err := scanLedgerTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger tasks: %w", err)
	}
	return tasks, nil
}

// RequeueLedgerTask moves a dead-lettered task back to pending with a fresh attempt budget.
func (db *DB) RequeueLedgerTask(ctx context.Context, correlationID string, at time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `UPDATE ledger_tasks SET
		status = 'pending', attempt_count = 0, next_attempt_at = ?, updated_at = ?
		WHERE correlation_id = ? AND status = 'dead'`,
		formatTime(at), formatTime(at), correlationID)
	if err != nil {
		return false, fmt.Errorf("failed to requeue ledger task %s: %w", correlationID, err)
	}
	return inserted(res)
}

func inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// serializeCategories converts a category set to a JSON string.
func serializeCategories(categories []string) string {
	if len(categories) == 0 {
		return "[]"
	}
	data, err := json.Marshal(categories)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// deserializeCategories converts a serialized category set back to a slice.
func deserializeCategories(serialized string) []string {
	if serialized == "" || serialized == "[]" {
		return nil
	}

	var result []string
	if err := json.Unmarshal([]byte(serialized), &result); err == nil {
		return result
	}

	// comma-separated rows written by older seed scripts
	return strings.Split(serialized, ",")
}
