package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/KanavDutta/ratefence/limiter"
)

// Handler handles rate limit check requests
type Handler struct {
	policies *limiter.PolicySet
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// MetricsRecorder defines the interface for recording metrics
type MetricsRecorder interface {
	RecordRequest(clientID string, allowed bool)
}

// NewHandler creates a new API handler. metrics and logger may be nil.
func NewHandler(policies *limiter.PolicySet, metrics MetricsRecorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		policies: policies,
		metrics:  metrics,
		logger:   logger,
	}
}

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	ClientID string `json:"client_id"`          // Required: unique identifier (user ID, API key, IP)
	Endpoint string `json:"endpoint,omitempty"` // Optional: endpoint path; selects the route policy
	Cost     *int64 `json:"cost,omitempty"`     // Optional: units to spend (default: 1)
	Strategy string `json:"strategy,omitempty"` // Optional: token_bucket or leaky_bucket
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed      bool   `json:"allowed"`                  // Whether request is allowed
	Limited      bool   `json:"limited"`                  // False when the endpoint is exempt
	Limit        int64  `json:"limit"`                    // Total capacity
	Remaining    int64  `json:"remaining"`                // Units remaining
	ResetAt      int64  `json:"reset_at"`                 // Unix timestamp when bucket fully recovers
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"` // Milliseconds until retry (if blocked)
	Strategy     string `json:"strategy,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"` // Decided by the failure policy
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /check requests
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if req.ClientID == "" {
		h.sendError(w, http.StatusBadRequest, "missing_client_id", "client_id is required")
		return
	}

	cost := int64(1)
	if req.Cost != nil {
		cost = *req.Cost
	}

	endpoint := limiter.NormalizeRoute(req.Endpoint)

	registry, enabled := h.policies.Lookup(endpoint)
	if !enabled {
		h.sendJSON(w, http.StatusOK, CheckResponse{Allowed: true, Limited: false})
		return
	}

	decision, err := registry.Consume(r.Context(), req.Strategy, req.ClientID+":"+endpoint, cost)
	switch {
	case errors.Is(err, limiter.ErrInvalidCost):
		h.sendError(w, http.StatusBadRequest, "invalid_cost", "cost must be a positive integer")
		return
	case err != nil:
		h.logger.Error("rate limit check failed", "client_id", req.ClientID, "error", err)
		h.sendError(w, http.StatusInternalServerError, "internal_error", "Rate limit could not be evaluated")
		return
	}

	if h.metrics != nil {
		h.metrics.RecordRequest(req.ClientID, decision.Allowed)
	}

	statusCode := http.StatusOK
	if !decision.Allowed {
		statusCode = http.StatusTooManyRequests
	}

	h.sendJSON(w, statusCode, CheckResponse{
		Allowed:      decision.Allowed,
		Limited:      true,
		Limit:        decision.Limit,
		Remaining:    decision.Remaining,
		ResetAt:      decision.ResetAt.Unix(),
		RetryAfterMs: decision.RetryAfter.Milliseconds(),
		Strategy:     string(decision.Strategy),
		Degraded:     decision.Degraded,
	})
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
