package anomaly

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agent-spend-authorizer/internal/breaker"
	"agent-spend-authorizer/internal/cache"
	"agent-spend-authorizer/internal/counters"
	"agent-spend-authorizer/internal/database"
	"agent-spend-authorizer/internal/features"
	"agent-spend-authorizer/internal/models"
)

var scanTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
	fail   bool
}

func (n *recordingNotifier) Notify(_ context.Context, alert models.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("notification endpoint down")
	}
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) kinds() []models.AlertKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.AlertKind
	for _, a := range n.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type failingRates struct{}

func (failingRates) Rate(context.Context, string, time.Duration, time.Time) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

// brokenHistory fails transaction reads for one agent.
type brokenHistory struct {
	*database.DB
	agentID string
}

func (s brokenHistory) ListTransactions(ctx context.Context, agentID string, since time.Time) ([]models.Transaction, error) {
	if agentID == s.agentID {
		return nil, errors.New("query timeout")
	}
	return s.DB.ListTransactions(ctx, agentID, since)
}

func setupDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "anomaly.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAgent(t *testing.T, db *database.DB, agent models.Agent) {
	t.Helper()
	if agent.OrganizationID == "" {
		agent.OrganizationID = "org-1"
	}
	if agent.MonthlyBudget == 0 {
		agent.MonthlyBudget = 1_000_000
	}
	if agent.Status == "" {
		agent.Status = models.StatusGreen
	}
	agent.IsActive = true
	require.NoError(t, db.UpsertAgent(context.Background(), agent))
}

func seedAttempts(t *testing.T, db *database.DB, agentID string, n int, amount int64, merchant string, approved bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := db.InsertAuditRecord(context.Background(), models.AuditRecord{
			CorrelationID: fmt.Sprintf("%s-%s-%d", agentID, merchant, i),
			CardID:        "card-" + agentID,
			AgentID:       agentID,
			Amount:        amount,
			MerchantName:  merchant,
			Approved:      approved,
			DecidedAt:     scanTime.Add(-time.Duration(i+1) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func status(t *testing.T, db *database.DB, agentID string) models.CircuitStatus {
	t.Helper()
	agent, err := db.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	return agent.Status
}

func newDetector(store Store, db *database.DB, cfg Config, opts ...Option) *Detector {
	opts = append([]Option{WithClock(func() time.Time { return scanTime })}, opts...)
	return New(store, breaker.New(db), cfg, opts...)
}

func TestScore_RepeatedIdenticalAmounts(t *testing.T) {
	var txns []models.Transaction
	for i := 0; i < 6; i++ {
		txns = append(txns, models.Transaction{Amount: 1234, MerchantName: fmt.Sprintf("merchant-%d", i)})
	}

	s := Score(models.Agent{ID: "a"}, txns, 0, "2026-05-04")
	require.Equal(t, 24, s.Factors[FactorTransactionCount])
	require.Equal(t, 40, s.Factors[FactorRepeatedAmount])
	require.NotContains(t, s.Factors, FactorRepeatedMerchant)
	require.Equal(t, 6, s.MaxRepeatedAmount)
	require.Equal(t, 64, s.Score)
}

func TestScore_SoftLimitPressureAndCap(t *testing.T) {
	soft := int64(100)
	agent := models.Agent{
		ID:                 "a",
		SoftLimitPerMinute: &soft,
		SoftLimitPerDay:    &soft,
		TodaySpend:         500,
		TodayDate:          "2026-05-04",
	}
	var txns []models.Transaction
	for i := 0; i < 12; i++ {
		txns = append(txns, models.Transaction{Amount: 50, MerchantName: "Same Shop"})
	}

	s := Score(agent, txns, 101, "2026-05-04")
	require.Equal(t, 20, s.Factors[FactorSoftMinuteLimit])
	require.Equal(t, 10, s.Factors[FactorSoftDayLimit])
	require.Equal(t, 100, s.Score)

	// a stale day counter is not pressure
	s = Score(agent, nil, 0, "2026-05-05")
	require.Zero(t, s.Score)
}

func TestScan_RepeatedAmountEscalatesOnceWithSingleAlert(t *testing.T) {
	db := setupDB(t)
	seedAgent(t, db, models.Agent{ID: "looping"})
	seedAgent(t, db, models.Agent{ID: "quiet"})
	seedAttempts(t, db, "looping", 6, 1234, "Acme Cloud", true)
	seedAttempts(t, db, "quiet", 1, 900, "Acme Cloud", true)

	notifier := &recordingNotifier{}
	d := newDetector(db, db, Config{}, WithRates(counters.NewInMemory(time.Hour)), WithNotifier(notifier))

	summary, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.ScanSummary{AgentsChecked: 2, AnomaliesDetected: 1, AgentsThrottled: 1, AlertsSent: 1}, summary)
	require.Equal(t, models.StatusYellow, status(t, db, "looping"))
	require.Equal(t, models.StatusGreen, status(t, db, "quiet"))

	// still anomalous, but below the freeze threshold: no second transition or alert
	summary, err = d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.AnomaliesDetected)
	require.Zero(t, summary.AgentsThrottled)
	require.Zero(t, summary.AlertsSent)

	require.Equal(t, []models.AlertKind{models.AlertCircuitEscalated}, notifier.kinds())
	alert := notifier.alerts[0]
	require.Equal(t, "looping", alert.AgentID)
	require.Equal(t, "org-1", alert.OrganizationID)
	require.Equal(t, models.StatusGreen, alert.FromStatus)
	require.Equal(t, models.StatusYellow, alert.ToStatus)
	require.Equal(t, 84, alert.Score)

	events, err := db.ListCircuitEvents(context.Background(), "looping")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, breaker.ActorAnomalyDetector, events[0].Actor)
}

func TestScan_VelocityFreezesYellowAgent(t *testing.T) {
	db := setupDB(t)
	seedAgent(t, db, models.Agent{ID: "burst", Status: models.StatusYellow})

	rates := counters.NewInMemory(time.Hour)
	require.NoError(t, rates.Add(context.Background(), "burst-tx", "burst", 10_000, scanTime))

	notifier := &recordingNotifier{}
	d := newDetector(db, db, Config{VelocityThreshold: 1000}, WithRates(rates), WithNotifier(notifier))

	summary, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.AgentsThrottled)
	require.Equal(t, models.StatusRed, status(t, db, "burst"))
	require.Equal(t, models.StatusRed, notifier.alerts[0].ToStatus)
	require.Equal(t, int64(2000), notifier.alerts[0].VelocityPerMinute)
}

func TestScan_AutoFreezeDisabledKeepsYellow(t *testing.T) {
	db := setupDB(t)
	seedAgent(t, db, models.Agent{ID: "burst", Status: models.StatusYellow})

	rates := counters.NewInMemory(time.Hour)
	require.NoError(t, rates.Add(context.Background(), "burst-tx", "burst", 10_000, scanTime))

	flags := features.NewDefaultManager(map[string]bool{features.FeatureAutoFreeze: false})
	d := newDetector(db, db, Config{VelocityThreshold: 1000}, WithRates(rates), WithFlags(flags))

	summary, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.AnomaliesDetected)
	require.Zero(t, summary.AgentsThrottled)
	require.Equal(t, models.StatusYellow, status(t, db, "burst"))
}

func TestScan_RedAgentsAreLeftAlone(t *testing.T) {
	db := setupDB(t)
	seedAgent(t, db, models.Agent{ID: "frozen", Status: models.StatusRed})
	seedAttempts(t, db, "frozen", 10, 500, "Loop Store", false)

	notifier := &recordingNotifier{}
	d := newDetector(db, db, Config{}, WithNotifier(notifier))

	summary, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.AnomaliesDetected)
	require.Zero(t, summary.AgentsThrottled)
	require.Empty(t, notifier.kinds())
	require.Equal(t, models.StatusRed, status(t, db, "frozen"))
}

func TestScan_VelocityFallsBackToHistory(t *testing.T) {
	db := setupDB(t)
	seedAgent(t, db, models.Agent{ID: "spender"})
	seedAttempts(t, db, "spender", 1, 10_000, "Big Purchase", true)

	d := newDetector(db, db, Config{VelocityThreshold: 1000}, WithRates(failingRates{}))

	summary, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.AgentsThrottled)
	require.Equal(t, models.StatusYellow, status(t, db, "spender"))
}

func TestScan_FailureIsolatedPerAgent(t *testing.T) {
	db := setupDB(t)
	seedAgent(t, db, models.Agent{ID: "broken"})
	seedAgent(t, db, models.Agent{ID: "looping"})
	seedAttempts(t, db, "looping", 6, 1234, "Acme Cloud", true)

	d := newDetector(brokenHistory{DB: db, agentID: "broken"}, db, Config{Concurrency: 1})

	summary, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.AgentsChecked)
	require.Equal(t, 1, summary.Failures)
	require.Equal(t, 1, summary.AgentsThrottled)
	require.Equal(t, models.StatusYellow, status(t, db, "looping"))
}

func TestScan_BudgetWarningDeduplicatedPerDay(t *testing.T) {
	db := setupDB(t)
	seedAgent(t, db, models.Agent{ID: "near-limit", MonthlyBudget: 10_000, CurrentSpend: 9_000})
	seedAgent(t, db, models.Agent{ID: "plenty", MonthlyBudget: 10_000, CurrentSpend: 8_999})

	notifier := &recordingNotifier{fail: true}
	d := newDetector(db, db, Config{}, WithNotifier(notifier), WithDedupe(cache.NewInMemoryCache()))

	// a failed delivery is retried on the next scan
	summary, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.AlertsSent)

	notifier.fail = false
	summary, err = d.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.AlertsSent)
	require.Zero(t, summary.AgentsThrottled)

	summary, err = d.Scan(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.AlertsSent)

	require.Len(t, notifier.alerts, 1)
	alert := notifier.alerts[0]
	require.Equal(t, models.AlertBudgetWarning, alert.Kind)
	require.Equal(t, "near-limit", alert.AgentID)
	require.Equal(t, "0.9000", alert.Utilization)
	require.Equal(t, models.StatusGreen, status(t, db, "near-limit"))
}

func TestScan_BudgetWarningsFlagOff(t *testing.T) {
	db := setupDB(t)
	seedAgent(t, db, models.Agent{ID: "near-limit", MonthlyBudget: 10_000, CurrentSpend: 9_900})

	notifier := &recordingNotifier{}
	flags := features.NewDefaultManager(map[string]bool{features.FeatureBudgetWarnings: false})
	d := newDetector(db, db, Config{}, WithNotifier(notifier), WithFlags(flags))

	summary, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.AlertsSent)
	require.Empty(t, notifier.kinds())
}

func TestTarget(t *testing.T) {
	d := New(nil, nil, Config{FreezeScoreThreshold: 90, VelocityThreshold: 1000})

	tests := []struct {
		name     string
		status   models.CircuitStatus
		score    int
		velocity int64
		want     models.CircuitStatus
		ok       bool
	}{
		{"green degrades to yellow", models.StatusGreen, 70, 0, models.StatusYellow, true},
		{"yellow with high score freezes", models.StatusYellow, 95, 0, models.StatusRed, true},
		{"yellow with double velocity freezes", models.StatusYellow, 70, 2000, models.StatusRed, true},
		{"yellow with mild signal stays", models.StatusYellow, 75, 1500, "", false},
		{"red has nowhere to go", models.StatusRed, 100, 5000, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.target(tt.status, tt.score, tt.velocity)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}
