package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	deps     Dependencies
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		version:  version,
	}
}

// ScoreRequest is the request body for POST /score and POST /score/async.
type ScoreRequest struct {
	Transactions []domain.Transaction `json:"transactions" validate:"required,min=1,max=10000,dive"`

	// Accounts are loaded from the repository when omitted.
	Accounts []domain.Account `json:"accounts,omitempty" validate:"omitempty,dive"`

	// History is earlier activity that feeds velocity windows but is not
	// scored itself.
	History []domain.Transaction `json:"history,omitempty" validate:"omitempty,dive"`
}

// IngestRequest is the request body for POST /transactions.
type IngestRequest struct {
	Transactions []domain.Transaction `json:"transactions" validate:"required,min=1,dive"`

	// Labels align with Transactions when present (1 = suspicious).
	Labels   []int            `json:"labels,omitempty" validate:"omitempty,dive,oneof=0 1"`
	Accounts []domain.Account `json:"accounts,omitempty" validate:"omitempty,dive"`
}

// Score handles POST /score: synchronous batch scoring with the active model.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}

	model := h.deps.Registry.Current()
	if model == nil {
		writeError(w, http.StatusServiceUnavailable, "no model trained yet")
		return
	}

	accounts := req.Accounts
	if len(accounts) == 0 {
		if h.deps.Accounts == nil {
			writeError(w, http.StatusBadRequest, "accounts are required when no account store is configured")
			return
		}
		ids := domain.AccountIDs(slices.Concat(req.History, req.Transactions))
		var err error
		accounts, err = h.deps.Accounts.GetAccounts(ctx, ids)
		if err != nil {
			slog.Error("account lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "account lookup failed")
			return
		}
	}

	predictStart := time.Now()
	records, err := pipeline.PredictWithHistory(ctx, req.History, req.Transactions, accounts, model)
	if err != nil {
		slog.Error("scoring failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}
	predictElapsed := time.Since(predictStart)
	metrics.ObserveScores(metrics.SourceAPI, records, predictElapsed)

	if h.deps.Repo != nil {
		if err := h.deps.Repo.SaveScoreRecords(ctx, records); err != nil {
			slog.Error("failed to save score records", "error", err)
		}
	}

	resp := domain.ScoreBatchResponse{
		ModelID: model.ID,
		Records: records,
		Metadata: domain.ScoreMetadata{
			TraceID:        GetTraceID(ctx),
			PredictMs:      predictElapsed.Milliseconds(),
			Transactions:   len(records),
			AccountsLoaded: len(accounts),
			Version:        h.version,
		},
	}
	for i := range records {
		if !ensemble.ShouldAlert(&records[i]) {
			continue
		}
		resp.Alerts++
		h.publishAlert(r, &records[i])
	}
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) publishAlert(r *http.Request, rec *domain.ScoreRecord) {
	if h.deps.Bus == nil {
		return
	}
	payload, _ := json.Marshal(rec)
	if err := h.deps.Bus.Publish(r.Context(), domain.TopicAlert, payload); err != nil {
		slog.Error("failed to publish alert", "tx_id", rec.TxID, "error", err)
		return
	}
	metrics.AlertsPublished.Inc()
}

// ScoreAsync handles POST /score/async: the batch is handed to the worker
// over the event bus and the call returns immediately.
func (h *Handler) ScoreAsync(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	batch := domain.TransactionBatch{
		BatchID:      uuid.New().String(),
		TraceID:      GetTraceID(r.Context()),
		Transactions: req.Transactions,
		Accounts:     req.Accounts,
		History:      req.History,
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode batch")
		return
	}
	if err := h.deps.Bus.Publish(r.Context(), domain.TopicTransactionBatch, payload); err != nil {
		slog.Error("failed to publish batch", "batch_id", batch.BatchID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue batch")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batchId":      batch.BatchID,
		"transactions": len(batch.Transactions),
		"topic":        domain.TopicScores,
	})
}

// GetScore returns the latest score record for a transaction.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	rec, err := h.deps.Repo.GetScoreRecord(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		h.repoError(w, err, "score record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// IngestTransactions stores accounts and transactions, labeled or not, for
// later training and account resolution.
func (h *Handler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Labels) > 0 && len(req.Labels) != len(req.Transactions) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%d labels for %d transactions", len(req.Labels), len(req.Transactions)))
		return
	}
	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	ctx := r.Context()
	if len(req.Accounts) > 0 {
		if err := h.deps.Repo.SaveAccounts(ctx, req.Accounts); err != nil {
			h.repoError(w, err, "accounts")
			return
		}
		// drop stale cached copies so scoring sees the update
		if h.deps.Cache != nil {
			for _, a := range req.Accounts {
				_ = h.deps.Cache.Delete(ctx, cache.AccountKey(a.ID))
			}
		}
	}
	if err := h.deps.Repo.SaveTransactions(ctx, req.Transactions, req.Labels); err != nil {
		h.repoError(w, err, "transactions")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{
		"transactions": len(req.Transactions),
		"accounts":     len(req.Accounts),
		"labeled":      len(req.Labels),
	})
}

// GetTransaction retrieves a stored transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	tx, err := h.deps.Repo.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.repoError(w, err, "transaction")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetModel summarizes the active model and its validation metrics.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	model := h.deps.Registry.Current()
	if model == nil {
		writeError(w, http.StatusNotFound, "no model trained yet")
		return
	}
	writeJSON(w, http.StatusOK, model.Info())
}

// GetFeatureImportance returns the active model's ranked feature
// importances. ?top=N limits the list; 0 or absent returns all.
func (h *Handler) GetFeatureImportance(w http.ResponseWriter, r *http.Request) {
	model := h.deps.Registry.Current()
	if model == nil {
		writeError(w, http.StatusNotFound, "no model trained yet")
		return
	}

	top := 0
	if s := r.URL.Query().Get("top"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "top must be a non-negative integer")
			return
		}
		top = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"modelId":  model.ID,
		"features": model.FeatureImportance(top),
	})
}

// Train handles POST /model/train. The body is optional.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trainer == nil {
		writeError(w, http.StatusServiceUnavailable, "training not available")
		return
	}

	var req pipeline.TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	model, err := h.deps.Trainer.Retrain(r.Context(), req)
	switch {
	case errors.Is(err, pipeline.ErrTrainingInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, pipeline.ErrNoTrainingData), errors.Is(err, pipeline.ErrInvalidLabels):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		slog.Error("training failed", "error", err)
		writeError(w, http.StatusInternalServerError, "training failed")
		return
	}

	writeJSON(w, http.StatusOK, model.Info())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.deps.Repo != nil {
		check("repository", func() error { return h.deps.Repo.Ping(ctx) })
	}
	if h.deps.Cache != nil {
		check("cache", func() error { return h.deps.Cache.Ping(ctx) })
	}
	if h.deps.Bus != nil {
		check("eventBus", func() error { return h.deps.Bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether a model is loaded and scoring can be served.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	model := h.deps.Registry.Current()
	if model == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":   true,
		"modelId": model.ID,
	})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (h *Handler) repoError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("repository error", "resource", what, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to access "+what)
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
