/*
handlers.go - HTTP handlers for the demo surface

PURPOSE:
  Thin HTTP layer over the Coordinator and the repositories. The engine is an
  in-process component; this surface exists so the demo binary and local
  tooling can drive it. Handlers persist to the repository first, then hand
  the event to the Coordinator, which keeps balances and durable history in
  step.

SEE ALSO:
  - server.go: Router and middleware configuration
  - balance/coordinator.go: The API being fronted
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/balance-engine/balance"
)

// Handler bundles the coordinator with its collaborating repositories.
type Handler struct {
	coordinator *balance.Coordinator
	accounts    balance.AccountRepository
	txs         balance.TransactionRepository
	logger      *zap.Logger
}

// NewHandler creates the handler set.
func NewHandler(coordinator *balance.Coordinator, accounts balance.AccountRepository, txs balance.TransactionRepository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coordinator: coordinator, accounts: accounts, txs: txs, logger: logger}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount registers an account and persists it.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	acc, err := req.toAccount()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.accounts.SaveAccount(r.Context(), acc); err != nil {
		h.logger.Error("failed to persist account", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to persist account")
		return
	}
	if req.Imported {
		h.coordinator.RegisterImportedAccounts([]balance.Account{acc})
	} else {
		h.coordinator.RegisterAccounts([]balance.Account{acc})
	}

	b, _ := h.coordinator.GetBalance(acc.ID)
	writeJSON(w, http.StatusCreated, toBalanceDTO(b))
}

// DeleteAccount unregisters and deletes an account.
// DELETE /api/accounts/{accountID}
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := balance.AccountID(chi.URLParam(r, "accountID"))

	if err := h.accounts.DeleteAccount(r.Context(), id); err != nil {
		h.logger.Error("failed to delete account", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	h.coordinator.UnregisterAccount(id)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BALANCES
// =============================================================================

// ListBalances returns every account balance.
// GET /api/balances
func (h *Handler) ListBalances(w http.ResponseWriter, _ *http.Request) {
	all := h.coordinator.AllBalances()

	dtos := make([]BalanceDTO, 0, len(all))
	for _, b := range all {
		dtos = append(dtos, toBalanceDTO(b))
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].AccountID < dtos[j].AccountID })
	writeJSON(w, http.StatusOK, dtos)
}

// GetBalance returns one account balance, read through the cache.
// GET /api/balances/{accountID}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := balance.AccountID(chi.URLParam(r, "accountID"))

	b, ok := h.coordinator.GetBalance(id)
	if !ok {
		writeError(w, http.StatusNotFound, "account not registered")
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// CreateTransaction persists a transaction and applies its balance effect.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tx, err := req.toTransaction()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.txs.SaveTransaction(r.Context(), tx); err != nil {
		h.logger.Error("failed to persist transaction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to persist transaction")
		return
	}

	if err := h.coordinator.UpdateForTransaction(r.Context(), tx, balance.OpAdd, priority); err != nil {
		h.writeUpdateError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// UpdateTransaction edits a transaction; the engine folds the revert and the
// re-apply into one delta.
// PUT /api/transactions/{id}
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	oldTx, ok, err := h.txs.Transaction(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load transaction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load transaction")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ID = id
	newTx, err := req.toTransaction()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.txs.SaveTransaction(r.Context(), newTx); err != nil {
		h.logger.Error("failed to persist transaction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to persist transaction")
		return
	}

	if err := h.coordinator.UpdateForModifiedTransaction(r.Context(), oldTx, newTx, priority); err != nil {
		h.writeUpdateError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// DeleteTransaction removes a transaction and reverts its balance effect.
// DELETE /api/transactions/{id}
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, ok, err := h.txs.DeleteTransaction(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to delete transaction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete transaction")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}

	if err := h.coordinator.UpdateForTransaction(r.Context(), tx, balance.OpRemove, balance.PriorityHigh); err != nil {
		h.writeUpdateError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Recalculate recomputes every balance from the repository.
// POST /api/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.Accounts(r.Context())
	if err != nil {
		h.logger.Error("failed to load accounts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load accounts")
		return
	}
	history, err := h.txs.Transactions(r.Context())
	if err != nil {
		h.logger.Error("failed to load transactions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load transactions")
		return
	}

	if err := h.coordinator.RecalculateAll(r.Context(), accounts, history); err != nil {
		h.writeUpdateError(w, err)
		return
	}
	h.ListBalances(w, r)
}

// Flush drains the queue so subsequent reads are guaranteed fresh.
// POST /api/flush
func (h *Handler) Flush(w http.ResponseWriter, _ *http.Request) {
	h.coordinator.FlushQueue()
	w.WriteHeader(http.StatusNoContent)
}

// CacheStats reports hit/miss counters.
// GET /api/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := h.coordinator.CacheStats()
	writeJSON(w, http.StatusOK, CacheStatsDTO{
		Hits:    stats.Hits,
		Misses:  stats.Misses,
		HitRate: stats.HitRate,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeUpdateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, balance.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "update queue full, retry with backoff")
	case errors.Is(err, balance.ErrQueueStopped):
		writeError(w, http.StatusServiceUnavailable, "engine shutting down")
	case errors.Is(err, balance.ErrConversionUnavailable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("balance update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "balance update failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
