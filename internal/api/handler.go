package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/window"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	agg      *window.Aggregator
	pipeline *pipeline.Pipeline
	validate *validator.Validate
	version  string
	started  time.Time
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, agg *window.Aggregator, pipe *pipeline.Pipeline, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   engine,
		agg:      agg,
		pipeline: pipe,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		version:  version,
		started:  time.Now(),
	}
}

// SubmitResponse is the response for POST /transactions.
type SubmitResponse struct {
	TransactionID string                   `json:"transactionId"`
	CorrelationID string                   `json:"correlationId"`
	Status        domain.TransactionStatus `json:"status"`
}

// SubmitTransaction handles POST /transactions: it persists the
// transaction and enqueues it for asynchronous evaluation. Submissions
// are idempotent per correlation id.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// A correlation id that already produced a verdict is done; return
	// the existing disposition instead of re-screening.
	if v, err := h.repo.GetVerdictByCorrelation(ctx, req.CorrelationID); err == nil {
		writeJSON(w, http.StatusOK, SubmitResponse{
			TransactionID: v.TransactionID,
			CorrelationID: v.CorrelationID,
			Status:        v.Status,
		})
		return
	}

	tx := req.ToTransaction(uuid.New().String())
	if err := h.repo.SaveTransaction(ctx, tx); err != nil {
		slog.Error("failed to save transaction", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	payload, _ := json.Marshal(domain.Task{
		TransactionID: tx.ID,
		CorrelationID: tx.CorrelationID,
		EnqueuedAt:    time.Now().UTC(),
		Attempt:       1,
	})
	if err := h.bus.Publish(ctx, domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to enqueue transaction", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to enqueue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		TransactionID: tx.ID,
		CorrelationID: tx.CorrelationID,
		Status:        domain.StatusPending,
	})
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	VerdictID      string                   `json:"verdictId"`
	TransactionID  string                   `json:"transactionId"`
	Status         domain.TransactionStatus `json:"status"`
	RiskLevel      domain.RiskLevel         `json:"riskLevel"`
	RulesEvaluated int                      `json:"rulesEvaluated"`
	RulesMatched   int                      `json:"rulesMatched"`
	Reasons        []string                 `json:"reasons,omitempty"`
	Metadata       struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Evaluate handles POST /evaluate: synchronous screening for callers
// that need the verdict in the response.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if v, err := h.repo.GetVerdictByCorrelation(ctx, req.CorrelationID); err == nil {
		writeJSON(w, http.StatusOK, h.verdictResponse(v, traceID, start))
		return
	}

	tx := req.ToTransaction(uuid.New().String())
	if err := h.repo.SaveTransaction(ctx, tx); err != nil {
		slog.Error("failed to save transaction", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save transaction",
		})
		return
	}

	if err := h.agg.ObserveTransaction(tx); err != nil {
		slog.Warn("failed to record window observations", "tx_id", tx.ID, "error", err)
	}

	verdict, err := h.engine.Evaluate(ctx, tx)
	if err != nil {
		slog.Error("evaluation failed", "tx_id", tx.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}
	verdict.CorrelationID = tx.CorrelationID
	verdict.TraceID = traceID

	if err := h.repo.SaveVerdict(ctx, verdict); err != nil {
		slog.Error("failed to save verdict", "tx_id", tx.ID, "error", err)
	}
	for _, res := range verdict.RuleResults {
		if err := h.repo.RecordRuleOutcome(ctx, tx.ID, res.RuleID, res.Matched); err != nil {
			slog.Error("failed to record rule outcome", "rule_id", res.RuleID, "error", err)
		}
	}
	if err := h.repo.SetTransactionStatus(ctx, tx.ID, verdict.Status, ""); err != nil {
		slog.Error("failed to update transaction status", "tx_id", tx.ID, "error", err)
	}

	payload, _ := json.Marshal(verdict)
	if err := h.bus.Publish(ctx, domain.TopicVerdict, payload); err != nil {
		slog.Error("failed to publish verdict", "tx_id", tx.ID, "error", err)
	}
	if verdict.Flagged() {
		if err := h.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "tx_id", tx.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, h.verdictResponse(verdict, traceID, start))
}

func (h *Handler) verdictResponse(v *domain.Verdict, traceID string, start time.Time) EvaluateResponse {
	resp := EvaluateResponse{
		VerdictID:      v.ID,
		TransactionID:  v.TransactionID,
		Status:         v.Status,
		RiskLevel:      v.RiskLevel,
		RulesEvaluated: v.RulesEvaluated,
		RulesMatched:   v.RulesMatched,
		Reasons:        v.Reasons(),
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	return resp
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetTransactionVerdict retrieves the verdict for a transaction, or 404
// while evaluation is still pending.
func (h *Handler) GetTransactionVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	v, err := h.repo.GetVerdictByCorrelation(ctx, tx.CorrelationID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "verdict not available",
			"status": string(tx.Status),
		})
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// GetVerdict retrieves a verdict by ID.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	verdictID := chi.URLParam(r, "id")

	v, err := h.repo.GetVerdict(ctx, verdictID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "verdict not found",
			})
			return
		}
		slog.Error("failed to get verdict", "id", verdictID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load verdict",
		})
		return
	}

	writeJSON(w, http.StatusOK, v)
}

// ReviewTransaction handles POST /transactions/{id}/review: a manual
// accept/reject decision on a flagged or failed transaction.
func (h *Handler) ReviewTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	var req domain.ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	tx, err := h.repo.GetTransaction(ctx, txID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}

	if tx.Status != domain.StatusFlagged && tx.Status != domain.StatusFailed {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "transaction is not awaiting review",
			"status": string(tx.Status),
		})
		return
	}

	detail := "review: " + req.Comment
	if req.Reviewer != "" {
		detail += " (" + req.Reviewer + ")"
	}
	if err := h.repo.SetTransactionStatus(ctx, txID, req.Decision, detail); err != nil {
		slog.Error("failed to apply review decision", "tx_id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to apply review decision",
		})
		return
	}

	slog.Info("transaction reviewed",
		"tx_id", txID,
		"decision", req.Decision,
		"reviewer", req.Reviewer,
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"transactionId": txID,
		"status":        string(req.Decision),
	})
}

// ListRules returns all stored rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	set, err := h.repo.ListRules(r.Context())
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": set,
		"count": len(set),
	})
}

// GetRule retrieves a rule by ID or name.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleRef := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(r.Context(), ruleRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to get rule", "ref", ruleRef, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rule",
		})
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a new rule. Rule edits become visible
// to the engine after the cache TTL, or immediately via /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	siblings, err := h.repo.ListRules(ctx)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to validate rule",
		})
		return
	}

	if err := h.engine.Validator().ValidateRule(&rule, siblings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, &rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	h.engine.InvalidateRules(ctx)

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "kind", rule.Kind)
	writeJSON(w, http.StatusCreated, &rule)
}

// UpdateRule validates and upserts an existing rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	rule.ID = ruleID

	all, err := h.repo.ListRules(ctx)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to validate rule",
		})
		return
	}
	// Exclude the stored version of this rule from the sibling set.
	siblings := make([]*domain.Rule, 0, len(all))
	for _, s := range all {
		if s.ID != ruleID {
			siblings = append(siblings, s)
		}
	}

	if err := h.engine.Validator().ValidateRule(&rule, siblings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.SaveRule(ctx, &rule); err != nil {
		slog.Error("failed to update rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update rule",
		})
		return
	}

	h.engine.InvalidateRules(ctx)

	slog.Info("rule updated", "id", ruleID)
	writeJSON(w, http.StatusOK, &rule)
}

// DeleteRule disables a rule. The record stays for verdict audit trails.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if err := h.repo.DeleteRule(ctx, ruleID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to delete rule", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	h.engine.InvalidateRules(ctx)

	slog.Info("rule disabled", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule disabled",
	})
}

// ReloadRules drops the cached rule set and reloads it from the store.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.engine.InvalidateRules(ctx)

	set, err := h.engine.ActiveRules(ctx)
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules",
		})
		return
	}

	slog.Info("rules reloaded", "count", len(set))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded",
		"count":   len(set),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Stats returns operational counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.pipeline != nil {
		resp["pipeline"] = h.pipeline.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
