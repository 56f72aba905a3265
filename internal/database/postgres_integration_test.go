//go:build integration

package database

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"agent-spend-authorizer/internal/models"
)

// Run with: go test -tags=integration -timeout 120s ./internal/database/...
func TestPostgresStoreWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("spend"),
		postgres.WithUsername("spend"),
		postgres.WithPassword("spend"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := NewPostgresDB(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to open postgres store: %v", err)
	}
	defer db.Close()

	hardDay := int64(2000)
	agent := models.Agent{
		ID: "agent-1", OrganizationID: "org-1", MonthlyBudget: 100000,
		TodaySpend: 900, TodayDate: "2025-10-20", HardLimitPerDay: &hardDay,
		BlockedMerchantCategories: []string{"gambling"}, IsActive: true,
	}
	if err := db.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}
	if err := db.UpsertCard(ctx, models.Card{ID: "card-1", AgentID: "agent-1", OrganizationID: "org-1", IsActive: true}); err != nil {
		t.Fatalf("UpsertCard failed: %v", err)
	}

	got, err := db.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.HardLimitPerDay == nil || *got.HardLimitPerDay != 2000 || got.SoftLimitPerDay != nil {
		t.Errorf("nullable limits not round-tripped: %+v", got)
	}

	// concurrent spend on a new day: first one resets, the rest accumulate
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.ApplySpend(ctx, uuid.New().String(), "agent-1", 10, "2025-10-21", time.Now()); err != nil {
				t.Errorf("ApplySpend failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ = db.GetAgent(ctx, "agent-1")
	if got.TodaySpend != 100 || got.TodayDate != "2025-10-21" || got.CurrentSpend != 100 {
		t.Errorf("unexpected counters: today=%d date=%s current=%d", got.TodaySpend, got.TodayDate, got.CurrentSpend)
	}

	ok, err := db.CompareAndSwapStatus(ctx, "agent-1", models.StatusGreen, models.StatusYellow, "anomaly_detector", "velocity", time.Now())
	if err != nil || !ok {
		t.Fatalf("CAS failed: ok=%v err=%v", ok, err)
	}
	prev, err := db.ResetStatus(ctx, "agent-1", "ops", "reviewed", time.Now())
	if err != nil || prev != models.StatusYellow {
		t.Fatalf("ResetStatus: prev=%s err=%v", prev, err)
	}
	events, _ := db.ListCircuitEvents(ctx, "agent-1")
	if len(events) != 2 {
		t.Errorf("expected 2 circuit events, got %d", len(events))
	}

	entryID := uuid.New().String()
	entry := models.JournalEntry{
		ID: entryID, CorrelationID: "iauth_1", AgentID: "agent-1", OrganizationID: "org-1", CreatedAt: time.Now(),
		Postings: []models.Posting{
			{ID: uuid.New().String(), Account: models.AccountReservedFunds, Direction: models.Debit, Amount: 10},
			{ID: uuid.New().String(), Account: models.AccountPendingSettlement, Direction: models.Credit, Amount: 10},
		},
	}
	if ok, err := db.InsertJournalEntry(ctx, entry); err != nil || !ok {
		t.Fatalf("InsertJournalEntry: ok=%v err=%v", ok, err)
	}
	if ok, _ := db.InsertJournalEntry(ctx, entry); ok {
		t.Error("duplicate journal entry inserted")
	}

	now := time.Now().UTC()
	task := models.LedgerTask{
		CorrelationID: "iauth_1",
		Evaluation:    models.Evaluation{Request: models.AuthorizationRequest{CorrelationID: "iauth_1", Amount: 10}},
		NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if ok, err := db.EnqueueLedgerTask(ctx, task); err != nil || !ok {
		t.Fatalf("EnqueueLedgerTask: ok=%v err=%v", ok, err)
	}
	due, err := db.ListDueLedgerTasks(ctx, now.Add(time.Second), 10)
	if err != nil || len(due) != 1 || due[0].Evaluation.Request.Amount != 10 {
		t.Fatalf("ListDueLedgerTasks: %+v %v", due, err)
	}
}
