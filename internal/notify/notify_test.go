package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agent-spend-authorizer/internal/models"
)

func TestWebhookNotifier_PostsAlert(t *testing.T) {
	var got models.Alert
	var kind string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		kind = r.Header.Get("X-Alert-Kind")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), models.Alert{
		Kind:           models.AlertCircuitEscalated,
		AgentID:        "agent-1",
		OrganizationID: "org-1",
		FromStatus:     models.StatusGreen,
		ToStatus:       models.StatusYellow,
		Score:          84,
	})
	require.NoError(t, err)
	require.Equal(t, "circuit_escalated", kind)
	require.Equal(t, "agent-1", got.AgentID)
	require.Equal(t, models.StatusYellow, got.ToStatus)
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), models.Alert{Kind: models.AlertBudgetWarning})
	require.ErrorContains(t, err, "unexpected status 502")
}

func TestWebhookNotifier_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, 20*time.Millisecond).Notify(context.Background(), models.Alert{})
	require.Error(t, err)
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Notify(context.Context, models.Alert) error {
	s.calls++
	return s.err
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &stubNotifier{}
	broken := &stubNotifier{err: errors.New("down")}

	err := Multi{broken, ok, LogNotifier{}}.Notify(context.Background(), models.Alert{Message: "test"})
	require.ErrorContains(t, err, "down")
	require.Equal(t, 1, ok.calls)
	require.Equal(t, 1, broken.calls)

	require.NoError(t, Multi{ok}.Notify(context.Background(), models.Alert{}))
}
