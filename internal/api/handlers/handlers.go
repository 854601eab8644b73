// Package handlers implements the read-mostly ops API of the ledger worker.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/allmantool/hbudget-ledger/internal/api/middleware"
	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/allmantool/hbudget-ledger/internal/coalescer"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/allmantool/hbudget-ledger/internal/logger"
	"github.com/allmantool/hbudget-ledger/internal/pipeline"
	"github.com/google/uuid"
)

// HistoryReader is the read side of the projection store.
type HistoryReader interface {
	GetByID(ctx context.Context, accountID string, operationID uuid.UUID) (domain.PaymentOperationHistoryRecord, error)
	GetAll(ctx context.Context, accountID string) ([]domain.PaymentOperationHistoryRecord, error)
}

// Resyncer rebuilds the projection of one account.
type Resyncer interface {
	SyncAccount(ctx context.Context, accountID string) pipeline.Result
}

// HistoryHandler serves the balance projection of an account.
type HistoryHandler struct {
	store  HistoryReader
	resync Resyncer
}

// NewHistoryHandler creates a history handler. resync may be nil, which
// disables the resync endpoint.
func NewHistoryHandler(store HistoryReader, resync Resyncer) *HistoryHandler {
	return &HistoryHandler{store: store, resync: resync}
}

// ListHistory handles GET /accounts/{accountID}/history
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.PathValue("accountID")
	if err := domain.ValidateAccountID(accountID); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.store.GetAll(ctx, accountID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to read history")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read history")
		return
	}
	if records == nil {
		records = []domain.PaymentOperationHistoryRecord{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"records":    records,
		"count":      len(records),
	})
}

// GetOperation handles GET /accounts/{accountID}/operations/{operationID}
func (h *HistoryHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := r.PathValue("accountID")
	if err := domain.ValidateAccountID(accountID); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	operationID, err := uuid.Parse(r.PathValue("operationID"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid operation id")
		return
	}

	record, err := h.store.GetByID(ctx, accountID, operationID)
	if errors.Is(err, domain.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Operation not found")
		return
	}
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).
			Str("account_id", accountID).
			Str("operation_id", operationID.String()).
			Msg("Failed to read operation")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read operation")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, record)
}

// Resync handles POST /accounts/{accountID}/resync
func (h *HistoryHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if h.resync == nil {
		middleware.WriteError(w, http.StatusNotImplemented, "Resync is disabled")
		return
	}
	accountID := r.PathValue("accountID")
	if err := domain.ValidateAccountID(accountID); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.resync.SyncAccount(r.Context(), accountID)
	if !result.OK() {
		log := logger.FromContext(r.Context())
		log.Error().Err(result.Err).Str("account_id", accountID).Msg("Resync failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Resync failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": result.AccountID,
		"records":    result.Records,
		"balance":    result.Balance,
		"periods":    len(result.Periods),
		"notified":   result.Notified,
	})
}

// DeadLetterLister lists the parked events.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context) ([]eventstore.DeadLetter, error)
}

// StatusHandler serves the runtime state of the worker.
type StatusHandler struct {
	consumers   func() []broker.HandleStatus
	coalescer   func() coalescer.Stats
	deadLetters DeadLetterLister
}

// NewStatusHandler creates a status handler. Any source may be nil.
func NewStatusHandler(consumers func() []broker.HandleStatus, stats func() coalescer.Stats, deadLetters DeadLetterLister) *StatusHandler {
	return &StatusHandler{consumers: consumers, coalescer: stats, deadLetters: deadLetters}
}

// Health handles GET /healthz
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{}
	if h.consumers != nil {
		consumers := h.consumers()
		if consumers == nil {
			consumers = []broker.HandleStatus{}
		}
		body["consumers"] = consumers
	}
	if h.coalescer != nil {
		body["coalescer"] = h.coalescer()
	}
	middleware.WriteJSON(w, http.StatusOK, body)
}

// ListDeadLetters handles GET /dead-letters
func (h *StatusHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		middleware.WriteError(w, http.StatusNotImplemented, "Dead letters are not available")
		return
	}
	letters, err := h.deadLetters.ListDeadLetters(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to list dead letters")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}

	type deadLetter struct {
		Position uint64                       `json:"position"`
		Event    domain.PaymentOperationEvent `json:"event"`
	}
	out := make([]deadLetter, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetter{Position: dl.Position, Event: dl.Event})
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": out,
		"count":        len(out),
	})
}
