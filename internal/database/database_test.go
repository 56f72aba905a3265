package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"agent-spend-authorizer/internal/models"
)

func setupTestDB(t *testing.T) (*DB, func()) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func int64p(v int64) *int64 { return &v }

func seedAgent(t *testing.T, db *DB, agent models.Agent) {
	t.Helper()
	if err := db.UpsertAgent(context.Background(), agent); err != nil {
		t.Fatalf("Failed to seed agent: %v", err)
	}
}

func TestUpsertAndGetAgent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	agent := models.Agent{
		ID:                        "agent-1",
		OrganizationID:            "org-1",
		Name:                      "research bot",
		MonthlyBudget:             10000,
		CurrentSpend:              9500,
		TodaySpend:                300,
		TodayDate:                 "2025-10-21",
		HardLimitPerDay:           int64p(2000),
		SoftLimitPerMinute:        int64p(500),
		Status:                    models.StatusYellow,
		AllowedMerchantCategories: []string{"computer_software_stores"},
		BlockedMerchantCategories: []string{"gambling"},
		IsActive:                  true,
	}
	seedAgent(t, db, agent)

	got, err := db.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.CurrentSpend != 9500 || got.TodayDate != "2025-10-21" || got.Status != models.StatusYellow {
		t.Errorf("unexpected agent: %+v", got)
	}
	if got.HardLimitPerDay == nil || *got.HardLimitPerDay != 2000 {
		t.Errorf("expected hard_limit_per_day 2000, got %v", got.HardLimitPerDay)
	}
	if got.HardLimitPerMinute != nil {
		t.Errorf("expected nil hard_limit_per_minute, got %v", *got.HardLimitPerMinute)
	}
	if len(got.BlockedMerchantCategories) != 1 || got.BlockedMerchantCategories[0] != "gambling" {
		t.Errorf("unexpected blocked categories: %v", got.BlockedMerchantCategories)
	}

	if _, err := db.GetAgent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetCard(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedAgent(t, db, models.Agent{ID: "agent-1", OrganizationID: "org-1", MonthlyBudget: 100, IsActive: true})
	if err := db.UpsertCard(ctx, models.Card{ID: "card-1", AgentID: "agent-1", OrganizationID: "org-1", IsActive: true}); err != nil {
		t.Fatalf("UpsertCard failed: %v", err)
	}

	card, err := db.GetCard(ctx, "card-1")
	if err != nil {
		t.Fatalf("GetCard failed: %v", err)
	}
	if card.AgentID != "agent-1" || !card.IsActive {
		t.Errorf("unexpected card: %+v", card)
	}

	if _, err := db.GetCard(ctx, "card-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplySpend_DayRollover(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

	seedAgent(t, db, models.Agent{
		ID: "agent-1", OrganizationID: "org-1", MonthlyBudget: 100000,
		CurrentSpend: 5000, TodaySpend: 4000, TodayDate: "2025-10-20", IsActive: true,
	})

	// stale day resets today's counter
	if ok, err := db.ApplySpend(ctx, "c1", "agent-1", 700, "2025-10-21", now); err != nil || !ok {
		t.Fatalf("ApplySpend failed: ok=%v err=%v", ok, err)
	}
	agent, _ := db.GetAgent(ctx, "agent-1")
	if agent.TodaySpend != 700 || agent.TodayDate != "2025-10-21" || agent.CurrentSpend != 5700 {
		t.Errorf("after rollover: today=%d date=%s current=%d", agent.TodaySpend, agent.TodayDate, agent.CurrentSpend)
	}

	// same day accumulates
	if _, err := db.ApplySpend(ctx, "c2", "agent-1", 300, "2025-10-21", now); err != nil {
		t.Fatalf("ApplySpend failed: %v", err)
	}
	agent, _ = db.GetAgent(ctx, "agent-1")
	if agent.TodaySpend != 1000 || agent.CurrentSpend != 6000 {
		t.Errorf("after accumulate: today=%d current=%d", agent.TodaySpend, agent.CurrentSpend)
	}

	// a late task for an older day leaves today's counter alone
	if _, err := db.ApplySpend(ctx, "c3", "agent-1", 50, "2025-10-20", now); err != nil {
		t.Fatalf("ApplySpend failed: %v", err)
	}
	agent, _ = db.GetAgent(ctx, "agent-1")
	if agent.TodaySpend != 1000 || agent.TodayDate != "2025-10-21" || agent.CurrentSpend != 6050 {
		t.Errorf("after late task: today=%d date=%s current=%d", agent.TodaySpend, agent.TodayDate, agent.CurrentSpend)
	}
}

func TestApplySpend_Idempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now()

	seedAgent(t, db, models.Agent{ID: "agent-1", OrganizationID: "org-1", MonthlyBudget: 100000, IsActive: true})

	first, err := db.ApplySpend(ctx, "dup", "agent-1", 100, "2025-10-21", now)
	if err != nil || !first {
		t.Fatalf("first ApplySpend: ok=%v err=%v", first, err)
	}
	second, err := db.ApplySpend(ctx, "dup", "agent-1", 100, "2025-10-21", now)
	if err != nil || second {
		t.Fatalf("second ApplySpend should be a no-op: ok=%v err=%v", second, err)
	}

	agent, _ := db.GetAgent(ctx, "agent-1")
	if agent.CurrentSpend != 100 || agent.TodaySpend != 100 {
		t.Errorf("spend applied twice: current=%d today=%d", agent.CurrentSpend, agent.TodaySpend)
	}
}

func TestApplySpend_UnknownAgent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.ApplySpend(context.Background(), "c1", "ghost", 100, "2025-10-21", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// rolled back so a retry after the agent exists still applies
	seedAgent(t, db, models.Agent{ID: "ghost", OrganizationID: "org-1", MonthlyBudget: 1000, IsActive: true})
	ok, err := db.ApplySpend(context.Background(), "c1", "ghost", 100, "2025-10-21", time.Now())
	if err != nil || !ok {
		t.Fatalf("retry ApplySpend: ok=%v err=%v", ok, err)
	}
}

func TestApplySpend_ConcurrentIncrementsAreNotLost(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedAgent(t, db, models.Agent{ID: "agent-1", OrganizationID: "org-1", MonthlyBudget: 1 << 40, IsActive: true})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.ApplySpend(ctx, uuid.New().String(), "agent-1", 10, "2025-10-21", time.Now()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent ApplySpend failed: %v", err)
	}

	agent, _ := db.GetAgent(ctx, "agent-1")
	if agent.TodaySpend != n*10 || agent.CurrentSpend != n*10 {
		t.Errorf("lost updates: today=%d current=%d", agent.TodaySpend, agent.CurrentSpend)
	}
}

func TestCompareAndSwapStatus(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now()

	seedAgent(t, db, models.Agent{ID: "agent-1", OrganizationID: "org-1", MonthlyBudget: 100, IsActive: true})

	ok, err := db.CompareAndSwapStatus(ctx, "agent-1", models.StatusGreen, models.StatusYellow, "anomaly_detector", "score 80", now)
	if err != nil || !ok {
		t.Fatalf("expected swap: ok=%v err=%v", ok, err)
	}

	// stale expectation does not swap and records nothing
	ok, err = db.CompareAndSwapStatus(ctx, "agent-1", models.StatusGreen, models.StatusYellow, "anomaly_detector", "again", now)
	if err != nil || ok {
		t.Fatalf("expected no swap: ok=%v err=%v", ok, err)
	}

	events, err := db.ListCircuitEvents(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ListCircuitEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].ToStatus != models.StatusYellow {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestCompareAndSwapStatus_ConcurrentWritersSwapOnce(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedAgent(t, db, models.Agent{ID: "agent-1", OrganizationID: "org-1", MonthlyBudget: 100, IsActive: true})

	var wg sync.WaitGroup
	var mu sync.Mutex
	swaps := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.CompareAndSwapStatus(ctx, "agent-1", models.StatusGreen, models.StatusYellow, "anomaly_detector", "", time.Now())
			if err != nil {
				t.Errorf("CAS failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				swaps++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if swaps != 1 {
		t.Errorf("expected exactly one swap, got %d", swaps)
	}
}

func TestResetStatus(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedAgent(t, db, models.Agent{ID: "agent-1", OrganizationID: "org-1", MonthlyBudget: 100, Status: models.StatusRed, IsActive: true})

	prev, err := db.ResetStatus(ctx, "agent-1", "ops@example.com", "false positive", time.Now())
	if err != nil {
		t.Fatalf("ResetStatus failed: %v", err)
	}
	if prev != models.StatusRed {
		t.Errorf("expected previous red, got %s", prev)
	}

	agent, _ := db.GetAgent(ctx, "agent-1")
	if agent.Status != models.StatusGreen {
		t.Errorf("expected green, got %s", agent.Status)
	}

	events, _ := db.ListCircuitEvents(ctx, "agent-1")
	if len(events) != 1 || events[0].Actor != "ops@example.com" || events[0].FromStatus != models.StatusRed {
		t.Errorf("reset not audited: %+v", events)
	}

	if _, err := db.ResetStatus(ctx, "ghost", "ops", "", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertAuditRecord_Idempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	rec := models.AuditRecord{
		CorrelationID:    "iauth_1",
		CardID:           "card-1",
		AgentID:          "agent-1",
		OrganizationID:   "org-1",
		Amount:           400,
		MerchantName:     "OpenAI",
		MerchantCategory: "computer_software_stores",
		Approved:         false,
		DeclineCode:      models.DeclineInsufficientFunds,
		Reason:           "monthly budget exceeded",
		ProcessingMillis: 12,
		DecidedAt:        time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC),
	}

	ok, err := db.InsertAuditRecord(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	ok, err = db.InsertAuditRecord(ctx, rec)
	if err != nil || ok {
		t.Fatalf("duplicate insert should be ignored: ok=%v err=%v", ok, err)
	}

	got, err := db.GetAuditRecord(ctx, "iauth_1")
	if err != nil {
		t.Fatalf("GetAuditRecord failed: %v", err)
	}
	if got.DeclineCode != models.DeclineInsufficientFunds || !got.DecidedAt.Equal(rec.DecidedAt) {
		t.Errorf("unexpected audit record: %+v", got)
	}
}

func TestListTransactions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	base := time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{base.Add(-30 * time.Minute), base.Add(-5 * time.Minute), base.Add(-time.Minute)} {
		_, err := db.InsertAuditRecord(ctx, models.AuditRecord{
			CorrelationID: uuid.New().String(), CardID: "card-1", AgentID: "agent-1",
			Amount: int64(100 * (i + 1)), Approved: true, DecidedAt: at,
		})
		if err != nil {
			t.Fatalf("InsertAuditRecord failed: %v", err)
		}
	}

	txns, err := db.ListTransactions(ctx, "agent-1", base.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions in window, got %d", len(txns))
	}
	if txns[0].Amount != 200 || txns[1].Amount != 300 {
		t.Errorf("unexpected order: %+v", txns)
	}
}

func balancedEntry(correlationID string, amount int64) models.JournalEntry {
	entryID := uuid.New().String()
	return models.JournalEntry{
		ID:             entryID,
		CorrelationID:  correlationID,
		AgentID:        "agent-1",
		OrganizationID: "org-1",
		Description:    "authorization hold",
		CreatedAt:      time.Now(),
		Postings: []models.Posting{
			{ID: uuid.New().String(), EntryID: entryID, Account: models.AccountReservedFunds, Direction: models.Debit, Amount: amount},
			{ID: uuid.New().String(), EntryID: entryID, Account: models.AccountPendingSettlement, Direction: models.Credit, Amount: amount},
		},
	}
}

func TestInsertJournalEntry(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ok, err := db.InsertJournalEntry(ctx, balancedEntry("iauth_1", 400))
	if err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}

	// a retry builds a fresh entry id but the correlation id dedupes it
	ok, err = db.InsertJournalEntry(ctx, balancedEntry("iauth_1", 400))
	if err != nil || ok {
		t.Fatalf("duplicate should be ignored: ok=%v err=%v", ok, err)
	}

	entry, err := db.GetJournalEntry(ctx, "iauth_1")
	if err != nil {
		t.Fatalf("GetJournalEntry failed: %v", err)
	}
	debits, credits := entry.Totals()
	if len(entry.Postings) != 2 || debits != 400 || credits != 400 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Postings[0].Direction != models.Debit || entry.Postings[0].Account != models.AccountReservedFunds {
		t.Errorf("expected debit to reserved funds first, got %+v", entry.Postings[0])
	}

	unbalanced := balancedEntry("iauth_2", 400)
	unbalanced.Postings[1].Amount = 399
	if _, err := db.InsertJournalEntry(ctx, unbalanced); err == nil {
		t.Error("expected unbalanced entry to be rejected")
	}
	if _, err := db.GetJournalEntry(ctx, "iauth_2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unbalanced entry should not be stored, got %v", err)
	}
}

func TestLedgerTaskOutbox(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

	task := models.LedgerTask{
		CorrelationID: "iauth_1",
		Evaluation: models.Evaluation{
			Request:  models.AuthorizationRequest{CorrelationID: "iauth_1", CardID: "card-1", Amount: 400},
			Decision: models.AuthorizationDecision{CorrelationID: "iauth_1", Approved: true},
			AgentID:  "agent-1",
			LocalDay: "2025-10-21",
		},
		Status:        models.TaskPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ok, err := db.EnqueueLedgerTask(ctx, task)
	if err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}
	if ok, _ := db.EnqueueLedgerTask(ctx, task); ok {
		t.Fatal("duplicate enqueue should be ignored")
	}

	due, err := db.ListDueLedgerTasks(ctx, now, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due task: %v %v", due, err)
	}
	if due[0].Evaluation.Request.Amount != 400 || due[0].Evaluation.LocalDay != "2025-10-21" {
		t.Errorf("payload not round-tripped: %+v", due[0].Evaluation)
	}

	// claiming leases the task away from the next poll
	claimed, err := db.ClaimLedgerTask(ctx, "iauth_1", now, now.Add(30*time.Second))
	if err != nil || !claimed {
		t.Fatalf("claim: ok=%v err=%v", claimed, err)
	}
	if again, _ := db.ClaimLedgerTask(ctx, "iauth_1", now, now.Add(30*time.Second)); again {
		t.Error("task claimed twice within lease")
	}
	if due, _ := db.ListDueLedgerTasks(ctx, now.Add(time.Second), 10); len(due) != 0 {
		t.Errorf("leased task should not be due, got %d", len(due))
	}

	task.Status = models.TaskDead
	task.AttemptCount = 8
	task.LastError = "journal: boom"
	task.UpdatedAt = now
	if err := db.UpdateLedgerTask(ctx, task); err != nil {
		t.Fatalf("UpdateLedgerTask failed: %v", err)
	}

	dead, err := db.ListDeadLedgerTasks(ctx, 10)
	if err != nil || len(dead) != 1 || dead[0].LastError != "journal: boom" {
		t.Fatalf("unexpected dead letters: %+v %v", dead, err)
	}

	ok, err = db.RequeueLedgerTask(ctx, "iauth_1", now)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}
	got, _ := db.GetLedgerTask(ctx, "iauth_1")
	if got.Status != models.TaskPending || got.AttemptCount != 0 {
		t.Errorf("unexpected requeued task: %+v", got)
	}
	if ok, _ := db.RequeueLedgerTask(ctx, "iauth_1", now); ok {
		t.Error("only dead tasks can be requeued")
	}

	if err := db.UpdateLedgerTask(ctx, models.LedgerTask{CorrelationID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveAgents(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	seedAgent(t, db, models.Agent{ID: "a", OrganizationID: "org", MonthlyBudget: 1, IsActive: true})
	seedAgent(t, db, models.Agent{ID: "b", OrganizationID: "org", MonthlyBudget: 1, IsActive: false})
	seedAgent(t, db, models.Agent{ID: "c", OrganizationID: "org", MonthlyBudget: 1, IsActive: true})

	agents, err := db.ListActiveAgents(context.Background())
	if err != nil {
		t.Fatalf("ListActiveAgents failed: %v", err)
	}
	if len(agents) != 2 || agents[0].ID != "a" || agents[1].ID != "c" {
		t.Errorf("unexpected active agents: %+v", agents)
	}
}
