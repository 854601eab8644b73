package domain

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes plain payments from the single-account legs
// of a cross-account transfer.
type TransactionKind string

const (
	TransactionKindPayment  TransactionKind = "payment"
	TransactionKindTransfer TransactionKind = "transfer"
)

// FinancialTransaction is one payment operation as carried by every event.
// It is never mutated in place; changes arrive as new events sharing Key.
type FinancialTransaction struct {
	Key          uuid.UUID       `json:"key"`
	AccountID    string          `json:"payment_account_id"`
	Amount       decimal.Decimal `json:"amount"`
	CategoryID   string          `json:"category_id"`
	ContractorID string          `json:"contractor_id,omitempty"`
	Comment      string          `json:"comment,omitempty"`
	OperationDay civil.Date      `json:"operation_day"`
	Kind         TransactionKind `json:"transaction_type"`

	// IngestionTimestamp is unix milliseconds. It only breaks ties between
	// events sharing the same OperationDay.
	IngestionTimestamp int64 `json:"ingestion_ts"`
}

// Period returns the account-period the transaction currently belongs to.
func (t FinancialTransaction) Period() PeriodKey {
	return PeriodKey{
		AccountID: t.AccountID,
		Year:      t.OperationDay.Year,
		Month:     t.OperationDay.Month,
	}
}

// AbsAmount returns the unsigned magnitude; the sign comes from the category.
func (t FinancialTransaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// Validate checks the fields every event must carry. Errors wrap ErrValidation.
func (t FinancialTransaction) Validate() error {
	if t.Key == uuid.Nil {
		return fmt.Errorf("%w: operation key is required", ErrValidation)
	}
	if err := ValidateAccountID(t.AccountID); err != nil {
		return err
	}
	switch t.Kind {
	case TransactionKindPayment, TransactionKindTransfer, "":
	default:
		return fmt.Errorf("%w: unknown transaction kind %q", ErrValidation, t.Kind)
	}
	return nil
}
