// Package ledger persists the audit trail and bookkeeping that follow every
// authorization decision, off the request path.
//
// Every decision becomes a durable task in the ledger_tasks outbox. Workers run
// the task's steps independently; completed steps are recorded on the task so a
// retry only repeats what failed. Tasks that keep failing are dead-lettered for
// operator follow-up.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
)

// Step is one independently retried unit of a ledger task.
type Step int

const (
	StepAudit Step = 1 << iota
	StepJournal
	StepSpend
	StepVelocity
	StepEvent
)

var orderedSteps = []Step{StepAudit, StepJournal, StepSpend, StepVelocity, StepEvent}

func (s Step) String() string {
	switch s {
	case StepAudit:
		return "audit"
	case StepJournal:
		return "journal"
	case StepSpend:
		return "spend"
	case StepVelocity:
		return "velocity"
	case StepEvent:
		return "event"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// RequiredSteps returns the steps a decision needs.
func RequiredSteps(eval models.Evaluation) Step {
	steps := StepAudit | StepEvent
	if eval.Decision.Approved {
		steps |= StepJournal | StepSpend | StepVelocity
	}
	return steps
}

// Store is the persistence the writer needs.
type Store interface {
	InsertAuditRecord(ctx context.Context, rec models.AuditRecord) (bool, error)
	InsertJournalEntry(ctx context.Context, entry models.JournalEntry) (bool, error)
	ApplySpend(ctx context.Context, correlationID, agentID string, amount int64, day string, at time.Time) (bool, error)

	EnqueueLedgerTask(ctx context.Context, task models.LedgerTask) (bool, error)
	ClaimLedgerTask(ctx context.Context, correlationID string, now, leaseUntil time.Time) (bool, error)
	UpdateLedgerTask(ctx context.Context, task models.LedgerTask) error
	ListDueLedgerTasks(ctx context.Context, now time.Time, limit int) ([]models.LedgerTask, error)
}

// VelocityRecorder receives approved spend for the short-window counter. A
// correlation id is counted once even if the step runs again.
type VelocityRecorder interface {
	Add(ctx context.Context, correlationID, agentID string, amount int64, at time.Time) error
}

// EventPublisher receives the per-decision observability event.
type EventPublisher interface {
	PublishAuthorizationDecided(ctx context.Context, eval models.Evaluation)
}

type Config struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	PollInterval time.Duration
	Lease        time.Duration
	BatchSize    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Stats are cumulative counters since the writer was created.
type Stats struct {
	Submitted    int64 `json:"submitted"`
	Unkeyed      int64 `json:"unkeyed"`
	Overflowed   int64 `json:"overflowed"`
	Duplicates   int64 `json:"duplicates"`
	Processed    int64 `json:"processed"`
	Completed    int64 `json:"completed"`
	StepFailures int64 `json:"step_failures"`
	DeadLettered int64 `json:"dead_lettered"`
	QueueDepth   int   `json:"queue_depth"`
}

type Writer struct {
	store     Store
	velocity  VelocityRecorder
	publisher EventPublisher
	cfg       Config
	now       func() time.Time
	log       *zerolog.Logger

	queue  chan models.Evaluation
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc

	submitted, unkeyed, overflowed, duplicates atomic.Int64
	processed, completed, stepFailures, deadLt atomic.Int64
}

type Option func(*Writer)

func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// New builds a writer. velocity and publisher may be nil.
func New(store Store, velocity VelocityRecorder, publisher EventPublisher, cfg Config, opts ...Option) *Writer {
	cfg = cfg.withDefaults()
	w := &Writer{
		store:     store,
		velocity:  velocity,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		log:       logging.Component("ledger"),
		queue:     make(chan models.Evaluation, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker pool and the outbox poller.
func (w *Writer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker(ctx)
	}

	w.wg.Add(1)
	go w.poller(ctx)

	w.log.Info().Int("workers", w.cfg.Workers).Int("queue_size", w.cfg.QueueSize).Msg("ledger writer started")
}

// Submit hands a decision to the writer without blocking. When the queue is
// full, or the writer is closed, the task goes straight to the outbox.
// Decisions without a correlation id have no ledger key and are only logged.
func (w *Writer) Submit(eval models.Evaluation) {
	if eval.Replayed {
		return
	}
	if eval.Request.CorrelationID == "" {
		w.unkeyed.Add(1)
		w.log.Error().
			Str("card_id", eval.Request.CardID).
			Int64("amount", eval.Request.Amount).
			Str("decline_code", string(eval.Decision.DeclineCode)).
			Str("reason", eval.Decision.Reason).
			Msg("decision without correlation id not recorded")
		return
	}
	w.submitted.Add(1)

	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.closed {
		select {
		case w.queue <- eval:
			return
		default:
		}
	}

	w.overflowed.Add(1)
	w.persist(context.Background(), eval, w.now())
}

// Close stops the workers and moves anything still queued into the outbox.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	stopped := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = fmt.Errorf("ledger writer: workers did not stop: %w", ctx.Err())
	}

	drained := 0
	for {
		select {
		case eval := <-w.queue:
			w.persist(context.Background(), eval, w.now())
			drained++
		default:
			w.log.Info().Int("drained", drained).Msg("ledger writer closed")
			return err
		}
	}
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Submitted:    w.submitted.Load(),
		Unkeyed:      w.unkeyed.Load(),
		Overflowed:   w.overflowed.Load(),
		Duplicates:   w.duplicates.Load(),
		Processed:    w.processed.Load(),
		Completed:    w.completed.Load(),
		StepFailures: w.stepFailures.Load(),
		DeadLettered: w.deadLt.Load(),
		QueueDepth:   len(w.queue),
	}
}

func (w *Writer) worker(ctx context.Context) {
	defer w.wg.Done()
	// in-flight tasks finish even when the writer is closing
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case eval := <-w.queue:
			w.handle(work, eval)
		}
	}
}

func (w *Writer) poller(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessDue(work); err != nil {
				w.log.Error().Err(err).Msg("ledger outbox poll failed")
			}
		}
	}
}

func newTask(eval models.Evaluation, now, due time.Time) models.LedgerTask {
	return models.LedgerTask{
		CorrelationID: eval.Request.CorrelationID,
		Evaluation:    eval,
		Status:        models.TaskPending,
		NextAttemptAt: due,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// persist writes the task to the outbox, due immediately, for the poller.
func (w *Writer) persist(ctx context.Context, eval models.Evaluation, now time.Time) {
	if _, err := w.store.EnqueueLedgerTask(ctx, newTask(eval, now, now)); err != nil {
		w.log.Error().Err(err).
			Str("correlation_id", eval.Request.CorrelationID).
			Msg("ledger outbox unavailable, task lost")
	}
}

// handle records a fresh decision in the outbox under a lease and runs it.
func (w *Writer) handle(ctx context.Context, eval models.Evaluation) {
	now := w.now()
	task := newTask(eval, now, now.Add(w.cfg.Lease))

	inserted, err := w.store.EnqueueLedgerTask(ctx, task)
	if err != nil {
		w.log.Error().Err(err).
			Str("correlation_id", task.CorrelationID).
			Msg("ledger outbox unavailable, running steps without persistence")
		w.run(ctx, task, false)
		return
	}
	if !inserted {
		w.duplicates.Add(1)
		w.log.Debug().Str("correlation_id", task.CorrelationID).Msg("ledger task already recorded")
		return
	}
	w.run(ctx, task, true)
}

// ProcessDue claims and runs pending outbox tasks whose next attempt is due.
func (w *Writer) ProcessDue(ctx context.Context) (int, error) {
	now := w.now()
	due, err := w.store.ListDueLedgerTasks(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due ledger tasks: %w", err)
	}

	n := 0
	for _, task := range due {
		claimed, err := w.store.ClaimLedgerTask(ctx, task.CorrelationID, now, now.Add(w.cfg.Lease))
		if err != nil {
			w.log.Error().Err(err).Str("correlation_id", task.CorrelationID).Msg("ledger task claim failed")
			continue
		}
		if !claimed {
			continue
		}
		w.run(ctx, task, true)
		n++
	}
	return n, nil
}

// run attempts every outstanding step once, then records the outcome.
func (w *Writer) run(ctx context.Context, task models.LedgerTask, persisted bool) {
	eval := task.Evaluation
	required := RequiredSteps(eval)
	done := Step(task.CompletedSteps)
	attempt := task.AttemptCount + 1

	var failures []string
	for _, step := range orderedSteps {
		if required&step == 0 || done&step != 0 {
			continue
		}
		if err := w.runStep(ctx, step, eval); err != nil {
			w.stepFailures.Add(1)
			failures = append(failures, step.String()+": "+err.Error())
			w.log.Error().Err(err).
				Str("correlation_id", task.CorrelationID).
				Str("step", step.String()).
				Int("attempt", attempt).
				Msg("ledger step failed")
			continue
		}
		done |= step
	}
	w.processed.Add(1)

	now := w.now()
	task.CompletedSteps = int(done)
	task.UpdatedAt = now

	if done&required == required {
		task.Status = models.TaskDone
		task.LastError = ""
		w.completed.Add(1)
	} else {
		task.AttemptCount = attempt
		task.LastError = strings.Join(failures, "; ")
		if attempt >= w.cfg.MaxAttempts {
			task.Status = models.TaskDead
			w.deadLt.Add(1)
			w.log.Error().
				Str("correlation_id", task.CorrelationID).
				Int("attempts", attempt).
				Str("last_error", task.LastError).
				Msg("ledger task dead-lettered")
		} else {
			task.NextAttemptAt = now.Add(nextAttempt(attempt - 1))
		}
	}

	if !persisted {
		return
	}
	if err := w.store.UpdateLedgerTask(ctx, task); err != nil {
		w.log.Error().Err(err).Str("correlation_id", task.CorrelationID).Msg("ledger task update failed")
	}
}

func (w *Writer) runStep(ctx context.Context, step Step, eval models.Evaluation) error {
	switch step {
	case StepAudit:
		_, err := w.store.InsertAuditRecord(ctx, auditRecord(eval))
		return err
	case StepJournal:
		_, err := w.store.InsertJournalEntry(ctx, journalEntry(eval, w.now()))
		return err
	case StepSpend:
		_, err := w.store.ApplySpend(ctx, eval.Request.CorrelationID, eval.AgentID, eval.Request.Amount, eval.LocalDay, w.now())
		return err
	case StepVelocity:
		if w.velocity == nil {
			return nil
		}
		return w.velocity.Add(ctx, eval.Request.CorrelationID, eval.AgentID, eval.Request.Amount, eval.Decision.DecidedAt)
	case StepEvent:
		w.log.Info().
			Str("event", "authorization.decided").
			Str("correlation_id", eval.Request.CorrelationID).
			Str("agent_id", eval.AgentID).
			Int64("amount", eval.Request.Amount).
			Bool("approved", eval.Decision.Approved).
			Str("decline_code", string(eval.Decision.DeclineCode)).
			Int64("processing_ms", eval.Decision.ProcessingTime.Milliseconds()).
			Msg("authorization recorded")
		if w.publisher != nil {
			w.publisher.PublishAuthorizationDecided(ctx, eval)
		}
		return nil
	default:
		return errors.New("unknown step")
	}
}

func auditRecord(eval models.Evaluation) models.AuditRecord {
	return models.AuditRecord{
		CorrelationID:    eval.Request.CorrelationID,
		CardID:           eval.Request.CardID,
		AgentID:          eval.AgentID,
		OrganizationID:   eval.OrganizationID,
		Amount:           eval.Request.Amount,
		Currency:         eval.Request.Currency,
		MerchantName:     eval.Request.MerchantName,
		MerchantCategory: eval.Request.MerchantCategory,
		Approved:         eval.Decision.Approved,
		DeclineCode:      eval.Decision.DeclineCode,
		Reason:           eval.Decision.Reason,
		ProcessingMillis: eval.Decision.ProcessingTime.Milliseconds(),
		DecidedAt:        eval.Decision.DecidedAt,
	}
}

// journalEntry builds the hold for an approved authorization: debit reserved
// funds, credit pending settlement, same amount.
func journalEntry(eval models.Evaluation, at time.Time) models.JournalEntry {
	entryID := uuid.New().String()
	amount := eval.Request.Amount
	return models.JournalEntry{
		ID:             entryID,
		CorrelationID:  eval.Request.CorrelationID,
		AgentID:        eval.AgentID,
		OrganizationID: eval.OrganizationID,
		Description:    fmt.Sprintf("authorization hold %s at %s", eval.Request.CorrelationID, eval.Request.MerchantName),
		CreatedAt:      at,
		Postings: []models.Posting{
			{ID: uuid.New().String(), EntryID: entryID, Account: models.AccountReservedFunds, Direction: models.Debit, Amount: amount},
			{ID: uuid.New().String(), EntryID: entryID, Account: models.AccountPendingSettlement, Direction: models.Credit, Amount: amount},
		},
	}
}

// nextAttempt is the retry delay after the given zero-based attempt.
func nextAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		return 5 * time.Minute
	}
	d := 5 * time.Second * time.Duration(1<<attempt)
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
