package bigquery

import (
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/civil"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// numericScale is the fractional precision of the NUMERIC type.
const numericScale = 9

// HistoryRow is one row of payment_operation_history.
type HistoryRow struct {
	OperationID     string     `bigquery:"operation_id"`     // REQUIRED
	AccountID       string     `bigquery:"account_id"`       // REQUIRED
	Period          string     `bigquery:"period"`           // REQUIRED yyyy-MM
	Position        int64      `bigquery:"position"`         // REQUIRED order within the period
	OperationDay    civil.Date `bigquery:"operation_day"`    // REQUIRED
	Amount          *big.Rat   `bigquery:"amount"`           // REQUIRED NUMERIC
	CategoryID      string     `bigquery:"category_id"`      // REQUIRED
	ContractorID    string     `bigquery:"contractor_id"`    // empty when unknown
	Comment         string     `bigquery:"comment"`          // empty when unknown
	TransactionType string     `bigquery:"transaction_type"` // payment | transfer
	IngestionTS     int64      `bigquery:"ingestion_ts"`     // unix ms
	Balance         *big.Rat   `bigquery:"balance"`          // REQUIRED NUMERIC running balance
	UpdatedTS       time.Time  `bigquery:"updated_ts"`
}

// ToHistoryRows converts the records of one period, numbering them in order.
func ToHistoryRows(period domain.PeriodKey, records []domain.PaymentOperationHistoryRecord, now time.Time) []HistoryRow {
	rows := make([]HistoryRow, 0, len(records))
	for i, rec := range records {
		tx := rec.Record
		rows = append(rows, HistoryRow{
			OperationID:     tx.Key.String(),
			AccountID:       period.AccountID,
			Period:          period.YearMonth(),
			Position:        int64(i),
			OperationDay:    tx.OperationDay,
			Amount:          tx.Amount.Rat(),
			CategoryID:      tx.CategoryID,
			ContractorID:    tx.ContractorID,
			Comment:         tx.Comment,
			TransactionType: string(tx.Kind),
			IngestionTS:     tx.IngestionTimestamp,
			Balance:         rec.Balance.Rat(),
			UpdatedTS:       now.UTC(),
		})
	}
	return rows
}

// Record converts the row back into a history record.
func (r HistoryRow) Record() (domain.PaymentOperationHistoryRecord, error) {
	key, err := uuid.Parse(r.OperationID)
	if err != nil {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("HistoryRow.Record: operation id %q: %w", r.OperationID, err)
	}
	amount, err := ratToDecimal(r.Amount)
	if err != nil {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("HistoryRow.Record: amount of %s: %w", r.OperationID, err)
	}
	balance, err := ratToDecimal(r.Balance)
	if err != nil {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("HistoryRow.Record: balance of %s: %w", r.OperationID, err)
	}

	return domain.PaymentOperationHistoryRecord{
		Record: domain.FinancialTransaction{
			Key:                key,
			AccountID:          r.AccountID,
			Amount:             amount,
			CategoryID:         r.CategoryID,
			ContractorID:       r.ContractorID,
			Comment:            r.Comment,
			OperationDay:       r.OperationDay,
			Kind:               domain.TransactionKind(r.TransactionType),
			IngestionTimestamp: r.IngestionTS,
		},
		Balance: balance,
	}, nil
}

func ratToDecimal(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.FloatString(numericScale))
}
