// Package notify delivers operator-facing alerts to the external notification
// collaborator.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
	"agent-spend-authorizer/internal/tracing"
)

type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// WebhookNotifier POSTs each alert as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a notifier whose HTTP client is traced.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: tracing.InstrumentClient(&http.Client{Timeout: timeout}),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Kind", string(alert.Kind))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s alert: %w", alert.Kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s alert: unexpected status %d", alert.Kind, resp.StatusCode)
	}
	return nil
}

// LogNotifier writes alerts to the structured log. It is used when no
// webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, alert models.Alert) error {
	logging.Component("alerts").Warn().
		Str("kind", string(alert.Kind)).
		Str("agent_id", alert.AgentID).
		Str("organization_id", alert.OrganizationID).
		Str("from", string(alert.FromStatus)).
		Str("to", string(alert.ToStatus)).
		Int("score", alert.Score).
		Int64("velocity_per_minute", alert.VelocityPerMinute).
		Int64("current_spend", alert.CurrentSpend).
		Int64("monthly_budget", alert.MonthlyBudget).
		Msg(alert.Message)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert models.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
