/*
handlers.go - HTTP API handlers for the referral distribution engine

PURPOSE:
  Exposes the engine's producer, query and administrative interfaces over
  REST. Handles HTTP request/response and JSON serialization and delegates
  everything else to distribution.Engine.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                      Create account (optional inviter)
    GET    /api/accounts/{id}                 Account with balances
    GET    /api/accounts/{id}/chain           Resolved inviter chain
    GET    /api/accounts/{id}/transactions    Recent payouts received (?limit=)

  Accruals:
    POST   /api/accruals                      Report an earning event -> 202 {batch_id}

  Batches:
    GET    /api/batches                       List batches (?status=a,b&limit=)
    GET    /api/batches/{id}                  Batch status
    GET    /api/batches/{id}/transactions     Payout rows of a batch

  Admin:
    GET    /api/admin/commission-table        Current commission table
    PUT    /api/admin/commission-table        Replace commission table
    GET    /api/admin/mode                    Current resolver mode
    PUT    /api/admin/mode                    Switch resolver mode
    POST   /api/admin/recover                 Run recovery now (?all=true ignores staleness)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Account or batch not found
  - 409: Conflict (duplicate batch/account, batch already settled)
  - 503: Engine shutting down
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Run behind an internal network
  boundary.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/warp/referral-engine/distribution"
	"github.com/warp/referral-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *distribution.Engine
	Tables *factory.TableFactory

	health Pinger
	log    *slog.Logger
}

// NewHandler creates a handler around an engine. health may be nil.
func NewHandler(engine *distribution.Engine, health Pinger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		Engine: engine,
		Tables: factory.NewTableFactory(engine.Config().MaxLevels),
		health: health,
		log:    log,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount registers an account.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	account, err := h.Engine.CreateAccount(r.Context(), distribution.AccountID(req.ID), distribution.AccountID(req.InviterID))
	if err != nil {
		h.writeDomainError(w, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

// GetAccount returns an account and its balances.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Engine.GetAccount(r.Context(), distribution.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// GetChain returns the inviter chain settlement would pay for an account.
// GET /api/accounts/{id}/chain
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	id := distribution.AccountID(chi.URLParam(r, "id"))
	chain, err := h.Engine.ResolveChain(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to resolve chain", err)
		return
	}
	writeJSON(w, http.StatusOK, toChainResponse(id, h.Engine.Mode(), chain))
}

// GetAccountTransactions returns the newest payouts received by an account.
// GET /api/accounts/{id}/transactions?limit=N
func (h *Handler) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	txs, err := h.Engine.GetRecentTransactions(r.Context(), distribution.AccountID(chi.URLParam(r, "id")), limit)
	if err != nil {
		h.writeDomainError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// ACCRUAL & BATCH HANDLERS
// =============================================================================

// SubmitAccrual records an earning event and returns once it is queued.
// POST /api/accruals
func (h *Handler) SubmitAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.Engine.Submit(r.Context(), distribution.Accrual{
		BatchID:   distribution.BatchID(req.BatchID),
		AccountID: distribution.AccountID(req.AccountID),
		Amount:    req.Amount,
		Currency:  distribution.Currency(strings.ToUpper(req.Currency)),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to submit accrual", err)
		return
	}
	writeJSON(w, http.StatusAccepted, AccrualResponse{BatchID: string(id), Status: string(distribution.BatchQueued)})
}

// ListBatches lists ledger rows, oldest first.
// GET /api/batches?status=failed,processing&limit=N
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	var statuses []distribution.BatchStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, distribution.BatchStatus(strings.ToLower(s)))
			}
		}
	}

	batches, err := h.Engine.ListBatches(r.Context(), statuses, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to list batches", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(batches))
}

// GetBatch returns one batch.
// GET /api/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.Engine.GetBatchStatus(r.Context(), distribution.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// GetBatchTransactions returns the payout rows written by a batch.
// GET /api/batches/{id}/transactions
func (h *Handler) GetBatchTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.GetBatchTransactions(r.Context(), distribution.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get batch transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetCommissionTable returns the active table.
// GET /api/admin/commission-table
func (h *Handler) GetCommissionTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Tables.ToJSON(h.Engine.CommissionTable(), h.Engine.Config().MinReward))
}

// SetCommissionTable replaces the table for subsequent settlements. Batches
// already settling keep the table they started with.
// PUT /api/admin/commission-table
func (h *Handler) SetCommissionTable(w http.ResponseWriter, r *http.Request) {
	var tj factory.TableJSON
	if !decodeJSON(w, r, &tj) {
		return
	}

	schedule, err := h.Tables.FromJSON(tj)
	if err != nil {
		h.writeDomainError(w, "Invalid commission table", err)
		return
	}
	if tj.MinReward != nil && !schedule.MinReward.Equal(h.Engine.Config().MinReward) {
		writeError(w, http.StatusBadRequest, "Invalid commission table",
			errors.New("min_reward is fixed at startup"))
		return
	}
	if err := h.Engine.SetCommissionTable(schedule.Table); err != nil {
		h.writeDomainError(w, "Invalid commission table", err)
		return
	}

	h.log.Info("api: commission table replaced", "levels", len(tj.Levels))
	writeJSON(w, http.StatusOK, h.Tables.ToJSON(h.Engine.CommissionTable(), h.Engine.Config().MinReward))
}

// GetMode returns the resolver mode.
// GET /api/admin/mode
func (h *Handler) GetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modeDTO(h.Engine.Mode()))
}

// SetMode switches the resolver mode.
// PUT /api/admin/mode
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var optimized bool
	switch {
	case req.Mode != "":
		mode, err := distribution.ParseResolverMode(strings.ToLower(req.Mode))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid mode", err)
			return
		}
		optimized = mode.Optimized()
	case req.Optimized != nil:
		optimized = *req.Optimized
	default:
		writeError(w, http.StatusBadRequest, "Invalid mode", errors.New("mode or optimized is required"))
		return
	}

	h.Engine.ToggleEngineMode(optimized)
	writeJSON(w, http.StatusOK, modeDTO(h.Engine.Mode()))
}

// TriggerRecovery runs a recovery scan now.
// POST /api/admin/recover?all=true
func (h *Handler) TriggerRecovery(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	var (
		n   int
		err error
	)
	if all {
		n, err = h.Engine.RecoverAll(r.Context())
	} else {
		n, err = h.Engine.Recover(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, "Recovery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RecoverResponse{Requeued: n})
}

// Health reports storage reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Mode: string(h.Engine.Mode()), Queued: h.Engine.Pending()}
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func modeDTO(m distribution.ResolverMode) ModeDTO {
	return ModeDTO{Mode: string(m), Optimized: m.Optimized()}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit", fmt.Errorf("limit %q is not a non-negative integer", raw))
		return 0, false
	}
	return limit, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case distribution.IsValidation(err):
		return http.StatusBadRequest
	case distribution.IsNotFound(err):
		return http.StatusNotFound
	case distribution.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, distribution.ErrEngineStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("api: "+strings.ToLower(message), "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
