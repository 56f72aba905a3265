package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-spend-authorizer/internal/models"
)

var (
	postgresConnectRetries = 10
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
)

// pgxConn is the subset of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresDB is the Store backed by PostgreSQL through pgx.
type PostgresDB struct {
	pool pgxConn
}

var _ Store = (*PostgresDB)(nil)

// NewPostgresDB connects with retries and initializes the schema.
func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
		} else {
			pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				db := &PostgresDB{pool: pool}
				if err := db.Migrate(ctx); err != nil {
					pool.Close()
					return nil, fmt.Errorf("failed to initialize schema: %w", err)
				}
				return db, nil
			}
			lastErr = err
			pool.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(postgresRetryDelay):
		}
	}
	return nil, fmt.Errorf("postgres ping retries exhausted: %w", lastErr)
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Migrate creates the necessary tables if they don't exist.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			monthly_budget BIGINT NOT NULL,
			current_spend BIGINT NOT NULL DEFAULT 0,
			today_spend BIGINT NOT NULL DEFAULT 0,
			today_date TEXT,
			soft_limit_per_minute BIGINT,
			hard_limit_per_minute BIGINT,
			soft_limit_per_day BIGINT,
			hard_limit_per_day BIGINT,
			status TEXT NOT NULL DEFAULT 'green' CHECK (status IN ('green', 'yellow', 'red')),
			allowed_categories TEXT[] NOT NULL DEFAULT '{}',
			blocked_categories TEXT[] NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			organization_id TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS authorizations (
			correlation_id TEXT PRIMARY KEY,
			card_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			organization_id TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT '',
			merchant_name TEXT NOT NULL DEFAULT '',
			merchant_category TEXT NOT NULL DEFAULT '',
			approved BOOLEAN NOT NULL,
			decline_code TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			processing_ms BIGINT NOT NULL DEFAULT 0,
			decided_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_authorizations_agent_decided ON authorizations(agent_id, decided_at)`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS journal_postings (
			id TEXT PRIMARY KEY,
			entry_id TEXT NOT NULL REFERENCES journal_entries(id),
			account TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
			amount BIGINT NOT NULL CHECK (amount > 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_postings_entry ON journal_postings(entry_id)`,
		`CREATE TABLE IF NOT EXISTS spend_applications (
			correlation_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			day TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS circuit_events (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			agent_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_circuit_events_agent ON circuit_events(agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ledger_tasks (
			correlation_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			completed_steps INTEGER NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_tasks_due ON ledger_tasks(status, next_attempt_at)`,
	}

	for _, query := range queries {
		if _, err := db.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

func scanPgAgent(row pgx.Row) (*models.Agent, error) {
	var (
		agent     models.Agent
		todayDate *string
		status    string
	)
	err := row.Scan(
		&agent.ID,
		&agent.OrganizationID,
		&agent.Name,
		&agent.MonthlyBudget,
		&agent.CurrentSpend,
		&agent.TodaySpend,
		&todayDate,
		&agent.SoftLimitPerMinute,
		&agent.HardLimitPerMinute,
		&agent.SoftLimitPerDay,
		&agent.HardLimitPerDay,
		&status,
		&agent.AllowedMerchantCategories,
		&agent.BlockedMerchantCategories,
		&agent.IsActive,
	)
	if err != nil {
		return nil, err
	}
	if todayDate != nil {
		agent.TodayDate = *todayDate
	}
	agent.Status = models.CircuitStatus(status)
	return &agent, nil
}

func (db *PostgresDB) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := scanPgAgent(db.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", agentID, err)
	}
	return agent, nil
}

func (db *PostgresDB) ListActiveAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanPgAgent(rows)
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

func (db *PostgresDB) UpsertAgent(ctx context.Context, agent models.Agent) error {
	if agent.Status == "" {
		agent.Status = models.StatusGreen
	}
	var todayDate *string
	if agent.TodayDate != "" {
		todayDate = &agent.TodayDate
	}

	_, err := db.pool.Exec(ctx, `INSERT INTO agents (`+agentColumns+`, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
	ON CONFLICT (id) DO UPDATE SET
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
		updated_at = excluded.updated_at`,
		agent.ID,
		agent.OrganizationID,
		agent.Name,
		agent.MonthlyBudget,
		agent.CurrentSpend,
		agent.TodaySpend,
		todayDate,
		agent.SoftLimitPerMinute,
		agent.HardLimitPerMinute,
		agent.SoftLimitPerDay,
		agent.HardLimitPerDay,
		string(agent.Status),
		nonNil(agent.AllowedMerchantCategories),
		nonNil(agent.BlockedMerchantCategories),
		agent.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	var card models.Card
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, organization_id, is_active FROM cards WHERE id = $1`, cardID,
	).Scan(&card.ID, &card.AgentID, &card.OrganizationID, &card.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card %s: %w", cardID, err)
	}
	return &card, nil
}

func (db *PostgresDB) UpsertCard(ctx context.Context, card models.Card) error {
	_, err := db.pool.Exec(ctx, `INSERT INTO cards (id, agent_id, organization_id, is_active)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE SET
		agent_id = excluded.agent_id,
		organization_id = excluded.organization_id,
		is_active = excluded.is_active`,
		card.ID, card.AgentID, card.OrganizationID, card.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert card: %w", err)
	}
	return nil
}

func (db *PostgresDB) ListTransactions(ctx context.Context, agentID string, since time.Time) ([]models.Transaction, error) {
	rows, err := db.pool.Query(ctx, `SELECT correlation_id, agent_id, amount, merchant_name,
		merchant_category, approved, decided_at
		FROM authorizations
		WHERE agent_id = $1 AND decided_at >= $2
		ORDER BY decided_at`, agentID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(&txn.CorrelationID, &txn.AgentID, &txn.Amount, &txn.MerchantName,
			&txn.MerchantCategory, &txn.Approved, &txn.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.DecidedAt = txn.DecidedAt.UTC()
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

func (db *PostgresDB) CompareAndSwapStatus(ctx context.Context, agentID string, from, to models.CircuitStatus, actor, reason string, at time.Time) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), at.UTC(), agentID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertPgCircuitEvent(ctx, tx, newCircuitEvent(agentID, from, to, actor, reason, at)); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (db *PostgresDB) ResetStatus(ctx context.Context, agentID, actor, reason string, at time.Time) (models.CircuitStatus, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var previous string
	err = tx.QueryRow(ctx, `SELECT status FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read agent status: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.StatusGreen), at.UTC(), agentID); err != nil {
		return "", fmt.Errorf("failed to reset agent status: %w", err)
	}

	event := newCircuitEvent(agentID, models.CircuitStatus(previous), models.StatusGreen, actor, reason, at)
	if err := insertPgCircuitEvent(ctx, tx, event); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return models.CircuitStatus(previous), nil
}

func insertPgCircuitEvent(ctx context.Context, tx pgx.Tx, e models.CircuitEvent) error {
	_, err := tx.Exec(ctx, `INSERT INTO circuit_events
		(id, agent_id, from_status, to_status, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AgentID, string(e.FromStatus), string(e.ToStatus), e.Actor, e.Reason, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert circuit event: %w", err)
	}
	return nil
}

func (db *PostgresDB) ListCircuitEvents(ctx context.Context, agentID string) ([]models.CircuitEvent, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, agent_id, from_status, to_status, actor, reason, created_at
		FROM circuit_events WHERE agent_id = $1 ORDER BY created_at, seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query circuit events: %w", err)
	}
	defer rows.Close()

	var events []models.CircuitEvent
	for rows.Next() {
		var e models.CircuitEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.AgentID, &from, &to, &e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan circuit event: %w", err)
		}
		e.FromStatus = models.CircuitStatus(from)
		e.ToStatus = models.CircuitStatus(to)
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (db *PostgresDB) InsertAuditRecord(ctx context.Context, rec models.AuditRecord) (bool, error) {
	tag, err := db.pool.Exec(ctx, `INSERT INTO authorizations (
		correlation_id, card_id, agent_id, organization_id, amount, currency, merchant_name,
		merchant_category, approved, decline_code, reason, processing_ms, decided_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (correlation_id) DO NOTHING`,
		rec.CorrelationID, rec.CardID, rec.AgentID, rec.OrganizationID, rec.Amount, rec.Currency,
		rec.MerchantName, rec.MerchantCategory, rec.Approved, string(rec.DeclineCode), rec.Reason,
		rec.ProcessingMillis, rec.DecidedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert audit record %s: %w", rec.CorrelationID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *PostgresDB) GetAuditRecord(ctx context.Context, correlationID string) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	var declineCode string
	err := db.pool.QueryRow(ctx, `SELECT correlation_id, card_id, agent_id, organization_id, amount,
		currency, merchant_name, merchant_category, approved, decline_code, reason, processing_ms, decided_at
		FROM authorizations WHERE correlation_id = $1`, correlationID).Scan(
		&rec.CorrelationID, &rec.CardID, &rec.AgentID, &rec.OrganizationID, &rec.Amount, &rec.Currency,
		&rec.MerchantName, &rec.MerchantCategory, &rec.Approved, &declineCode, &rec.Reason,
		&rec.ProcessingMillis, &rec.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record %s: %w", correlationID, err)
	}
	rec.DeclineCode = models.DeclineCode(declineCode)
	rec.DecidedAt = rec.DecidedAt.UTC()
	return &rec, nil
}

func (db *PostgresDB) InsertJournalEntry(ctx context.Context, entry models.JournalEntry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO journal_entries
		(id, correlation_id, agent_id, organization_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (correlation_id) DO NOTHING`,
		entry.ID, entry.CorrelationID, entry.AgentID, entry.OrganizationID, entry.Description,
		entry.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert journal entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	for _, p := range entry.Postings {
		batch.Queue(`INSERT INTO journal_postings (id, entry_id, account, direction, amount)
			VALUES ($1, $2, $3, $4, $5)`, p.ID, entry.ID, p.Account, string(p.Direction), p.Amount)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, fmt.Errorf("failed to insert postings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (db *PostgresDB) GetJournalEntry(ctx context.Context, correlationID string) (*models.JournalEntry, error) {
	var entry models.JournalEntry
	err := db.pool.QueryRow(ctx, `SELECT id, correlation_id, agent_id, organization_id, description, created_at
		FROM journal_entries WHERE correlation_id = $1`, correlationID).Scan(
		&entry.ID, &entry.CorrelationID, &entry.AgentID, &entry.OrganizationID, &entry.Description, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entry %s: %w", correlationID, err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	rows, err := db.pool.Query(ctx, `SELECT id, entry_id, account, direction, amount
		FROM journal_postings WHERE entry_id = $1 ORDER BY direction DESC, id`, entry.ID)
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

const pgApplySpendQuery = `UPDATE agents SET
	today_spend = CASE
		WHEN today_date = $1 THEN today_spend + $2
		WHEN today_date IS NULL OR today_date < $1 THEN $2
		ELSE today_spend
	END,
	today_date = CASE
		WHEN today_date IS NULL OR today_date < $1 THEN $1
		ELSE today_date
	END,
	current_spend = current_spend + $2,
	updated_at = $3
	WHERE id = $4`

func (db *PostgresDB) ApplySpend(ctx context.Context, correlationID, agentID string, amount int64, day string, at time.Time) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO spend_applications (correlation_id, agent_id, amount, day, applied_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (correlation_id) DO NOTHING`,
		correlationID, agentID, amount, day, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record spend application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, pgApplySpendQuery, day, amount, at.UTC(), agentID)
	if err != nil {
		return false, fmt.Errorf("failed to apply spend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func scanPgLedgerTask(row pgx.Row) (*models.LedgerTask, error) {
	var task models.LedgerTask
	var payload []byte
	var status string
	if err := row.Scan(&task.CorrelationID, &payload, &status, &task.CompletedSteps, &task.AttemptCount,
		&task.NextAttemptAt, &task.LastError, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &task.Evaluation); err != nil {
		return nil, fmt.Errorf("failed to decode ledger task %s: %w", task.CorrelationID, err)
	}
	task.Status = models.LedgerTaskStatus(status)
	task.NextAttemptAt = task.NextAttemptAt.UTC()
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

func (db *PostgresDB) EnqueueLedgerTask(ctx context.Context, task models.LedgerTask) (bool, error) {
	payload, err := json.Marshal(task.Evaluation)
	if err != nil {
		return false, fmt.Errorf("failed to encode ledger task: %w", err)
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	tag, err := db.pool.Exec(ctx, `INSERT INTO ledger_tasks (`+ledgerTaskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (correlation_id) DO NOTHING`,
		task.CorrelationID, payload, string(task.Status), task.CompletedSteps, task.AttemptCount,
		task.NextAttemptAt.UTC(), task.LastError, task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to enqueue ledger task %s: %w", task.CorrelationID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *PostgresDB) ClaimLedgerTask(ctx context.Context, correlationID string, now, leaseUntil time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx, `UPDATE ledger_tasks SET next_attempt_at = $1, updated_at = $2
		WHERE correlation_id = $3 AND status = 'pending' AND next_attempt_at <= $2`,
		leaseUntil.UTC(), now.UTC(), correlationID)
	if err != nil {
		return false, fmt.Errorf("failed to claim ledger task %s: %w", correlationID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (db *PostgresDB) UpdateLedgerTask(ctx context.Context, task models.LedgerTask) error {
	tag, err := db.pool.Exec(ctx, `UPDATE ledger_tasks SET
		status = $1, completed_steps = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5, updated_at = $6
		WHERE correlation_id = $7`,
		string(task.Status), task.CompletedSteps, task.AttemptCount, task.NextAttemptAt.UTC(),
		task.LastError, task.UpdatedAt.UTC(), task.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to update ledger task %s: %w", task.CorrelationID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresDB) GetLedgerTask(ctx context.Context, correlationID string) (*models.LedgerTask, error) {
	task, err := scanPgLedgerTask(db.pool.QueryRow(ctx,
		`SELECT `+ledgerTaskColumns+` FROM ledger_tasks WHERE correlation_id = $1`, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger task %s: %w", correlationID, err)
	}
	return task, nil
}

func (db *PostgresDB) ListDueLedgerTasks(ctx context.Context, now time.Time, limit int) ([]models.LedgerTask, error) {
	return db.listLedgerTasks(ctx, `SELECT `+ledgerTaskColumns+` FROM ledger_tasks
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2`, now.UTC(), limit)
}

func (db *PostgresDB) ListDeadLedgerTasks(ctx context.Context, limit int) ([]models.LedgerTask, error) {
	return db.listLedgerTasks(ctx, `SELECT `+ledgerTaskColumns+` FROM ledger_tasks
		WHERE status = 'dead' ORDER BY updated_at DESC LIMIT $1`, limit)
}

func (db *PostgresDB) listLedgerTasks(ctx context.Context, query string, args ...any) ([]models.LedgerTask, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.LedgerTask
	for rows.Next() {
		task, err := scanPgLedgerTask(rows)
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

func (db *PostgresDB) RequeueLedgerTask(ctx context.Context, correlationID string, at time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx, `UPDATE ledger_tasks SET
		status = 'pending', attempt_count = 0, next_attempt_at = $1, updated_at = $1
		WHERE correlation_id = $2 AND status = 'dead'`,
		at.UTC(), correlationID)
	if err != nil {
		return false, fmt.Errorf("failed to requeue ledger task %s: %w", correlationID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
