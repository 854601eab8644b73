package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/allmantool/hbudget-ledger/internal/api/handlers"
	"github.com/allmantool/hbudget-ledger/internal/api/middleware"
	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/allmantool/hbudget-ledger/internal/coalescer"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/allmantool/hbudget-ledger/internal/pipeline"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHistory struct {
	GetByIDFunc func(ctx context.Context, accountID string, operationID uuid.UUID) (domain.PaymentOperationHistoryRecord, error)
	GetAllFunc  func(ctx context.Context, accountID string) ([]domain.PaymentOperationHistoryRecord, error)
}

func (m *mockHistory) GetByID(ctx context.Context, accountID string, operationID uuid.UUID) (domain.PaymentOperationHistoryRecord, error) {
	return m.GetByIDFunc(ctx, accountID, operationID)
}

func (m *mockHistory) GetAll(ctx context.Context, accountID string) ([]domain.PaymentOperationHistoryRecord, error) {
	return m.GetAllFunc(ctx, accountID)
}

type resyncFunc func(ctx context.Context, accountID string) pipeline.Result

func (f resyncFunc) SyncAccount(ctx context.Context, accountID string) pipeline.Result {
	return f(ctx, accountID)
}

type deadLettersFunc func(ctx context.Context) ([]eventstore.DeadLetter, error)

func (f deadLettersFunc) ListDeadLetters(ctx context.Context) ([]eventstore.DeadLetter, error) {
	return f(ctx)
}

var opKey = uuid.MustParse("6f1c1d1e-3c57-4a43-9d7e-8f0a6b2f4c11")

func sampleRecord() domain.PaymentOperationHistoryRecord {
	return domain.PaymentOperationHistoryRecord{
		Record: domain.FinancialTransaction{
			Key:          opKey,
			AccountID:    "acc-1",
			Amount:       decimal.RequireFromString("12.50"),
			CategoryID:   "food",
			OperationDay: civil.Date{Year: 2024, Month: 3, Day: 4},
			Kind:         domain.TransactionKindPayment,
		},
		Balance: decimal.RequireFromString("-12.50"),
	}
}

func serve(t *testing.T, deps Deps, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewRouter(deps, zerolog.Nop()).ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestListHistory(t *testing.T) {
	store := &mockHistory{GetAllFunc: func(_ context.Context, accountID string) ([]domain.PaymentOperationHistoryRecord, error) {
		assert.Equal(t, "acc-1", accountID)
		return []domain.PaymentOperationHistoryRecord{sampleRecord()}, nil
	}}
	deps := Deps{History: handlers.NewHistoryHandler(store, nil)}

	rec := serve(t, deps, http.MethodGet, "/accounts/acc-1/history")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	assert.Contains(t, rec.Body.String(), `"balance":"-12.5"`)
}

func TestListHistory_EmptyAccountReturnsEmptyList(t *testing.T) {
	store := &mockHistory{GetAllFunc: func(context.Context, string) ([]domain.PaymentOperationHistoryRecord, error) {
		return nil, nil
	}}
	rec := serve(t, Deps{History: handlers.NewHistoryHandler(store, nil)}, http.MethodGet, "/accounts/acc-1/history")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)
}

func TestListHistory_StoreFailure(t *testing.T) {
	store := &mockHistory{GetAllFunc: func(context.Context, string) ([]domain.PaymentOperationHistoryRecord, error) {
		return nil, errors.New("bigquery down")
	}}
	rec := serve(t, Deps{History: handlers.NewHistoryHandler(store, nil)}, http.MethodGet, "/accounts/acc-1/history")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "bigquery down")
}

func TestGetOperation(t *testing.T) {
	store := &mockHistory{GetByIDFunc: func(_ context.Context, accountID string, id uuid.UUID) (domain.PaymentOperationHistoryRecord, error) {
		if id != opKey {
			return domain.PaymentOperationHistoryRecord{}, domain.ErrNotFound
		}
		return sampleRecord(), nil
	}}
	deps := Deps{History: handlers.NewHistoryHandler(store, nil)}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"found", "/accounts/acc-1/operations/" + opKey.String(), http.StatusOK},
		{"missing", "/accounts/acc-1/operations/" + uuid.NewString(), http.StatusNotFound},
		{"bad id", "/accounts/acc-1/operations/not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, deps, http.MethodGet, tt.path)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestResync(t *testing.T) {
	calls := 0
	resync := resyncFunc(func(_ context.Context, accountID string) pipeline.Result {
		calls++
		if accountID == "broken" {
			return pipeline.Result{AccountID: accountID, Err: errors.New("unknown category")}
		}
		return pipeline.Result{AccountID: accountID, Records: 3, Balance: decimal.NewFromInt(40), Notified: true}
	})
	deps := Deps{History: handlers.NewHistoryHandler(&mockHistory{}, resync)}

	rec := serve(t, deps, http.MethodPost, "/accounts/acc-1/resync")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["records"])
	assert.Equal(t, true, body["notified"])

	rec = serve(t, deps, http.MethodPost, "/accounts/broken/resync")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = serve(t, deps, http.MethodGet, "/accounts/acc-1/resync")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 2, calls)
}

func TestResync_Disabled(t *testing.T) {
	rec := serve(t, Deps{History: handlers.NewHistoryHandler(&mockHistory{}, nil)}, http.MethodPost, "/accounts/acc-1/resync")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestStatus(t *testing.T) {
	consumers := func() []broker.HandleStatus {
		return []broker.HandleStatus{{ID: "c-1", Topic: "payments", Kind: "payment-operations", State: "consuming"}}
	}
	stats := func() coalescer.Stats { return coalescer.Stats{Received: 5, Coalesced: 2, Triggered: 3} }
	deps := Deps{Status: handlers.NewStatusHandler(consumers, stats, nil)}

	rec := serve(t, deps, http.MethodGet, "/status")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"consuming"`)
	assert.Contains(t, rec.Body.String(), `"coalesced":2`)

	rec = serve(t, deps, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListDeadLetters(t *testing.T) {
	lister := deadLettersFunc(func(context.Context) ([]eventstore.DeadLetter, error) {
		return []eventstore.DeadLetter{{
			Position: 7,
			Event: domain.PaymentOperationEvent{
				Kind:        domain.EventKindAdd,
				Transaction: sampleRecord().Record,
				Metadata:    domain.EventMetadata{RetryCount: 3, OriginalStream: "acc-1-2024-03", Exception: "timeout"},
			},
		}}, nil
	})
	deps := Deps{Status: handlers.NewStatusHandler(nil, nil, lister)}

	rec := serve(t, deps, http.MethodGet, "/dead-letters")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `"position":7`), body)
	assert.Contains(t, body, `"original_stream":"acc-1-2024-03"`)
}

func TestRecovery(t *testing.T) {
	store := &mockHistory{GetAllFunc: func(context.Context, string) ([]domain.PaymentOperationHistoryRecord, error) {
		panic("boom")
	}}
	rec := serve(t, Deps{History: handlers.NewHistoryHandler(store, nil)}, http.MethodGet, "/accounts/acc-1/history")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
