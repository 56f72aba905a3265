// Package anomaly scans active agents for runaway spend and degrades their
// circuit breaker when the pattern looks abnormal.
package anomaly

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agent-spend-authorizer/internal/breaker"
	"agent-spend-authorizer/internal/cache"
	"agent-spend-authorizer/internal/features"
	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
)

type Store interface {
	ListActiveAgents(ctx context.Context) ([]models.Agent, error)
	ListTransactions(ctx context.Context, agentID string, since time.Time) ([]models.Transaction, error)
}

// Escalator applies an automatic circuit breaker transition.
type Escalator interface {
	Escalate(ctx context.Context, agentID string, from, to models.CircuitStatus, reason string) (bool, error)
}

type RateReader interface {
	Rate(ctx context.Context, agentID string, window time.Duration, at time.Time) (int64, error)
}

// Notifier delivers operator-facing alerts.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

type BudgetPublisher interface {
	PublishBudgetWarning(ctx context.Context, alert models.Alert)
}

// Flags reports whether a feature is on. *features.Manager satisfies it.
type Flags interface {
	IsEnabled(name string) bool
}

type Config struct {
	Window               time.Duration
	VelocityWindow       time.Duration
	VelocityThreshold    int64
	ScoreThreshold       int
	FreezeScoreThreshold int
	BudgetWarningRatio   float64
	Concurrency          int
	Location             *time.Location
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.VelocityWindow <= 0 {
		c.VelocityWindow = 5 * time.Minute
	}
	if c.VelocityThreshold <= 0 {
		c.VelocityThreshold = 50_000
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 70
	}
	if c.FreezeScoreThreshold <= 0 {
		c.FreezeScoreThreshold = 90
	}
	if c.BudgetWarningRatio <= 0 {
		c.BudgetWarningRatio = 0.90
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type Detector struct {
	store     Store
	breaker   Escalator
	rates     RateReader
	notifier  Notifier
	dedupe    cache.Cache
	publisher BudgetPublisher
	flags     Flags
	cfg       Config
	warnRatio decimal.Decimal
	now       func() time.Time
	tracer    trace.Tracer
}

type Option func(*Detector)

func WithRates(r RateReader) Option { return func(d *Detector) { d.rates = r } }
func WithNotifier(n Notifier) Option { return func(d *Detector) { d.notifier = n } }
func WithDedupe(c cache.Cache) Option { return func(d *Detector) { d.dedupe = c } }
func WithPublisher(p BudgetPublisher) Option { return func(d *Detector) { d.publisher = p } }
func WithFlags(f Flags) Option { return func(d *Detector) { d.flags = f } }
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

func New(store Store, breaker Escalator, cfg Config, opts ...Option) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		store:     store,
		breaker:   breaker,
		cfg:       cfg,
		warnRatio: decimal.NewFromFloat(cfg.BudgetWarningRatio),
		now:       time.Now,
		tracer:    otel.Tracer("agent-spend-authorizer/anomaly"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) enabled(flag string) bool {
	if d.flags == nil {
		return true
	}
	return d.flags.IsEnabled(flag)
}

// agentOutcome is what one agent contributed to the scan summary.
type agentOutcome struct {
	anomalous bool
	throttled bool
	alerts    int
}

// Scan evaluates every active agent once. Per-agent failures are counted in
// the summary; only failing to list agents fails the scan.
func (d *Detector) Scan(ctx context.Context) (models.ScanSummary, error) {
	ctx, span := d.tracer.Start(ctx, "anomaly.scan")
	defer span.End()

	log := logging.Component("anomaly")

	agents, err := d.store.ListActiveAgents(ctx)
	if err != nil {
		span.RecordError(err)
		return models.ScanSummary{}, fmt.Errorf("list active agents: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = models.ScanSummary{AgentsChecked: len(agents)}
		g       errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)

	for _, agent := range agents {
		g.Go(func() error {
			out, err := d.scanAgent(ctx, agent)

			mu.Lock()
			defer mu.Unlock()
			if out.anomalous {
				summary.AnomaliesDetected++
			}
			if out.throttled {
				summary.AgentsThrottled++
			}
			summary.AlertsSent += out.alerts
			if err != nil {
				summary.Failures++
				log.Error().Err(err).Str("agent_id", agent.ID).Msg("anomaly check failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("anomaly.agents_checked", summary.AgentsChecked),
		attribute.Int("anomaly.anomalies_detected", summary.AnomaliesDetected),
		attribute.Int("anomaly.agents_throttled", summary.AgentsThrottled),
		attribute.Int("anomaly.failures", summary.Failures),
	)
	log.Info().
		Int("agents_checked", summary.AgentsChecked).
		Int("anomalies_detected", summary.AnomaliesDetected).
		Int("agents_throttled", summary.AgentsThrottled).
		Int("alerts_sent", summary.AlertsSent).
		Int("failures", summary.Failures).
		Msg("anomaly scan complete")
	return summary, nil
}

func (d *Detector) scanAgent(ctx context.Context, agent models.Agent) (agentOutcome, error) {
	var out agentOutcome
	now := d.now()
	day := now.In(d.cfg.Location).Format("2006-01-02")

	lookback := max(d.cfg.Window, d.cfg.VelocityWindow)
	txns, err := d.store.ListTransactions(ctx, agent.ID, now.Add(-lookback))
	if err != nil {
		return out, fmt.Errorf("list transactions: %w", err)
	}

	velocity := d.velocity(ctx, agent.ID, txns, now)
	score := Score(agent, windowed(txns, now.Add(-d.cfg.Window)), velocity, day)

	if d.enabled(features.FeatureBudgetWarnings) {
		if d.budgetWarning(ctx, agent, day, now) {
			out.alerts++
		}
	}

	tripped := velocity > d.cfg.VelocityThreshold || score.Score > d.cfg.ScoreThreshold
	if !tripped {
		return out, nil
	}
	out.anomalous = true

	logging.Component("anomaly").Warn().
		Str("agent_id", agent.ID).
		Int("score", score.Score).
		Int64("velocity_per_minute", velocity).
		Interface("factors", score.Factors).
		Msg("anomalous spend detected")

	to, ok := d.target(agent.Status, score.Score, velocity)
	if !ok {
		return out, nil
	}

	reason := fmt.Sprintf("anomaly score %d, velocity %d/min", score.Score, velocity)
	swapped, err := d.breaker.Escalate(ctx, agent.ID, agent.Status, to, reason)
	if err != nil {
		return out, err
	}
	if !swapped {
		return out, nil
	}
	out.throttled = true

	if d.send(ctx, models.Alert{
		Kind:              models.AlertCircuitEscalated,
		AgentID:           agent.ID,
		OrganizationID:    agent.OrganizationID,
		FromStatus:        agent.Status,
		ToStatus:          to,
		Score:             score.Score,
		VelocityPerMinute: velocity,
		CurrentSpend:      agent.CurrentSpend,
		MonthlyBudget:     agent.MonthlyBudget,
		Message:           fmt.Sprintf("agent %s moved %s -> %s: %s", agent.ID, agent.Status, to, reason),
		CreatedAt:         now,
	}) {
		out.alerts++
	}
	return out, nil
}

// target picks the escalation for a tripped agent, if any. Green always
// degrades to yellow; yellow goes red only under auto-freeze and a severe signal.
func (d *Detector) target(status models.CircuitStatus, score int, velocity int64) (models.CircuitStatus, bool) {
	next, err := breaker.Next(status)
	if err != nil {
		return "", false
	}
	if next == models.StatusRed {
		if !d.enabled(features.FeatureAutoFreeze) {
			return "", false
		}
		if score < d.cfg.FreezeScoreThreshold && velocity < 2*d.cfg.VelocityThreshold {
			return "", false
		}
	}
	return next, true
}

func (d *Detector) velocity(ctx context.Context, agentID string, txns []models.Transaction, now time.Time) int64 {
	if d.rates != nil {
		rate, err := d.rates.Rate(ctx, agentID, d.cfg.VelocityWindow, now)
		if err == nil {
			return rate
		}
		logging.Component("anomaly").Warn().Err(err).Str("agent_id", agentID).
			Msg("velocity counter unavailable, using transaction history")
	}
	minutes := int64((d.cfg.VelocityWindow + time.Minute - 1) / time.Minute)
	return historyVelocity(txns, now.Add(-d.cfg.VelocityWindow), minutes)
}

func windowed(txns []models.Transaction, since time.Time) []models.Transaction {
	out := make([]models.Transaction, 0, len(txns))
	for _, tx := range txns {
		if !tx.DecidedAt.Before(since) {
			out = append(out, tx)
		}
	}
	return out
}

// budgetWarning alerts once per agent per local day when utilization crosses
// the warning ratio. It reports whether an alert was delivered.
func (d *Detector) budgetWarning(ctx context.Context, agent models.Agent, day string, now time.Time) bool {
	if agent.MonthlyBudget <= 0 {
		return false
	}
	utilization := decimal.NewFromInt(agent.CurrentSpend).Div(decimal.NewFromInt(agent.MonthlyBudget))
	if utilization.LessThan(d.warnRatio) {
		return false
	}

	key := "budget_warning:" + agent.ID + ":" + day
	if d.dedupe != nil {
		first, err := d.dedupe.SetNX(ctx, key, []byte(strconv.FormatInt(now.Unix(), 10)), 25*time.Hour)
		if err != nil {
			logging.Component("anomaly").Warn().Err(err).Str("agent_id", agent.ID).Msg("budget warning dedupe unavailable")
		} else if !first {
			return false
		}
	}

	pct := utilization.Mul(decimal.NewFromInt(100)).StringFixed(1)
	alert := models.Alert{
		Kind:           models.AlertBudgetWarning,
		AgentID:        agent.ID,
		OrganizationID: agent.OrganizationID,
		CurrentSpend:   agent.CurrentSpend,
		MonthlyBudget:  agent.MonthlyBudget,
		Utilization:    utilization.StringFixed(4),
		Message:        fmt.Sprintf("agent %s has used %s%% of its monthly budget", agent.ID, pct),
		CreatedAt:      now,
	}
	if d.send(ctx, alert) {
		if d.publisher != nil {
			d.publisher.PublishBudgetWarning(ctx, alert)
		}
		return true
	}
	if d.dedupe != nil {
		// let the next scan retry delivery
		_ = d.dedupe.Delete(ctx, key)
	}
	return false
}

// send delivers an alert. Delivery failures are logged and never fail the scan.
func (d *Detector) send(ctx context.Context, alert models.Alert) bool {
	if d.notifier == nil {
		return true
	}
	if err := d.notifier.Notify(ctx, alert); err != nil {
		logging.Component("anomaly").Error().Err(err).
			Str("agent_id", alert.AgentID).
			Str("kind", string(alert.Kind)).
			Msg("alert delivery failed")
		return false
	}
	return true
}
