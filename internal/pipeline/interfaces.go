package pipeline

import (
	"context"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProjectionStore persists the balance projection, partitioned by
// account-period.
//
//go:generate mockgen -destination=mocks/mock_interfaces.go -source=interfaces.go
type ProjectionStore interface {
	// ReplaceAll atomically swaps every record of the period for records.
	// An empty slice clears the period.
	ReplaceAll(ctx context.Context, period domain.PeriodKey, records []domain.PaymentOperationHistoryRecord) error
	// GetByID returns domain.ErrNotFound when the operation has no record.
	GetByID(ctx context.Context, accountID string, operationID uuid.UUID) (domain.PaymentOperationHistoryRecord, error)
	GetAll(ctx context.Context, accountID string) ([]domain.PaymentOperationHistoryRecord, error)
}

// PeriodsReplacer is implemented by projection stores that can swap several
// periods of one account in a single transaction.
type PeriodsReplacer interface {
	ReplacePeriods(ctx context.Context, accountID string, periods map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord) error
}

// BalanceNotifier publishes the final balance of an account after a sync.
type BalanceNotifier interface {
	SetAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
}

// SignResolver maps category ids to the operation type of the category.
type SignResolver interface {
	Resolve(ctx context.Context, categoryIDs []string) (map[string]domain.OperationType, error)
}

// EventReader loads the full event history of an account.
type EventReader interface {
	ReadAccount(ctx context.Context, accountID string) ([]domain.PaymentOperationEvent, error)
}
