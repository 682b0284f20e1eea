package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	agent    *agent.Agent
	bus      domain.EventBus
	cache    domain.Cache
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(p *pipeline.Pipeline, a *agent.Agent, bus domain.EventBus, cache domain.Cache, version string) *Handler {
	return &Handler{
		pipeline: p,
		agent:    a,
		bus:      bus,
		cache:    cache,
		version:  version,
	}
}

// SubmitTransaction handles POST /transactions. The body is the raw
// transaction document; validation failures map to 400, acceptance to 202.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	id, err := h.pipeline.Submit(r.Context(), doc)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidTransaction) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"transactionId": id})
}

// ReplaceRules handles PUT /rules: whole-rule-set replacement.
func (h *Handler) ReplaceRules(w http.ResponseWriter, r *http.Request) {
	var newRules []domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&newRules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	h.pipeline.ReplaceRules(newRules)
	writeJSON(w, http.StatusOK, map[string]any{"rulesLoaded": len(newRules)})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Rules())
}

// QueueValidation handles POST /validations: direct caller validation
// requests, e.g. rule_logic checks for a draft rule.
func (h *Handler) QueueValidation(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	id, err := h.agent.QueueValidation(&req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"validationId": id})
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Status())
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Stats())
}

// GetAnomalies handles GET /anomalies: the bounded tail of anomaly records.
func (h *Handler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Stats().Anomalies)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles GET /ready: checks the bus and cache.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "event bus unavailable",
			})
			return
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "cache unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
