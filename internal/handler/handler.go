package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agent-spend-authorizer/internal/breaker"
	"agent-spend-authorizer/internal/database"
	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
	"agent-spend-authorizer/internal/service"
	"agent-spend-authorizer/internal/validation"
	"agent-spend-authorizer/internal/webhook"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service          *service.Service
	maxBodySize      int64
	webhookSecret    string
	webhookTolerance time.Duration
	now              func() time.Time
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize      int64
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize:      1 << 20, // 1MB default
		WebhookTolerance: 5 * time.Minute,
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		service:          svc,
		maxBodySize:      opts.MaxBodySize,
		webhookSecret:    opts.WebhookSecret,
		webhookTolerance: opts.WebhookTolerance,
		now:              time.Now,
	}
}

// AuthorizeWebhook handles POST /webhooks/authorization.
//
// Once the signature checks out the response is always 200 with the verdict;
// any failure past that point is a processing_error decline.
func (h *Handler) AuthorizeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := webhook.Verify(r.Header.Get(webhook.SignatureHeader), body, h.webhookSecret, h.webhookTolerance, h.now()); err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("rejected authorization webhook")
		if errors.Is(err, webhook.ErrMissingSignature) {
			h.respondError(w, http.StatusBadRequest, "missing webhook signature")
			return
		}
		h.respondError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var req models.AuthorizationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("undecodable authorization payload")
		h.respondJSON(w, http.StatusOK, models.DecisionResponse{DeclineCode: models.DeclineProcessingError})
		return
	}

	eval := h.service.Authorize(r.Context(), req)
	h.respondJSON(w, http.StatusOK, eval.Decision.Response())

	h.service.Record(eval)
}

// AnomalyScan handles POST /internal/anomaly-scan
func (h *Handler) AnomalyScan(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.RunAnomalyScan(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("anomaly scan failed")
		h.respondError(w, http.StatusInternalServerError, "anomaly scan failed")
		return
	}

	h.respondJSON(w, http.StatusOK, summary)
}

// ResetCircuit handles POST /admin/agents/{agent_id}/circuit-breaker/reset
func (h *Handler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req models.ResetCircuitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	agentID := validation.SanitizeString(chi.URLParam(r, "agent_id"))
	resp, err := h.service.ResetCircuit(r.Context(), agentID, req)
	if err != nil {
		var verr *validation.ValidationError
		switch {
		case errors.As(err, &verr), errors.Is(err, breaker.ErrActorRequired), errors.Is(err, breaker.ErrReasonRequired):
			h.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, database.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "agent not found")
		default:
			logging.FromContext(r.Context()).Error().Err(err).Str("agent_id", agentID).Msg("circuit reset failed")
			h.respondError(w, http.StatusInternalServerError, "circuit reset failed")
		}
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// DeadLettersResponse lists ledger tasks awaiting operator action.
type DeadLettersResponse struct {
	Tasks []models.LedgerTask `json:"tasks"`
	Count int                 `json:"count"`
}

// ListDeadLetters handles GET /admin/ledger/dead-letters
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(validation.SanitizeString(raw))
		if err != nil || parsed < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be a non-negative integer")
			return
		}
		limit = parsed
	}

	tasks, err := h.service.ListDeadLetters(r.Context(), limit)
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("listing dead letters failed")
		h.respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if tasks == nil {
		tasks = []models.LedgerTask{}
	}

	h.respondJSON(w, http.StatusOK, DeadLettersResponse{Tasks: tasks, Count: len(tasks)})
}

// RetryDeadLetter handles POST /admin/ledger/dead-letters/{correlation_id}/retry
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	correlationID := validation.SanitizeString(chi.URLParam(r, "correlation_id"))
	if correlationID == "" {
		h.respondError(w, http.StatusBadRequest, "correlation_id is required")
		return
	}

	if err := h.service.RetryDeadLetter(r.Context(), correlationID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "no dead-lettered task for correlation id")
			return
		}
		logging.FromContext(r.Context()).Error().Err(err).Str("correlation_id", correlationID).Msg("dead letter retry failed")
		h.respondError(w, http.StatusInternalServerError, "failed to requeue task")
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{"correlation_id": correlationID, "status": string(models.TaskPending)})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, health)
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
