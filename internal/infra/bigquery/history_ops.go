package bigquery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

const historyColumns = `operation_id, account_id, period, position, operation_day, amount,
	category_id, contractor_id, comment, transaction_type, ingestion_ts, balance, updated_ts`

// replaceScript swaps periods of one account inside one multi-statement
// transaction so readers never see a half-written projection.
func replaceScript(table string, insert bool) string {
	script := `BEGIN TRANSACTION;
DELETE FROM ` + table + ` WHERE account_id = @account_id AND period IN UNNEST(@periods);
`
	if insert {
		script += `INSERT INTO ` + table + ` (` + historyColumns + `)
SELECT r.operation_id, r.account_id, r.period, r.position, r.operation_day, r.amount,
	r.category_id, r.contractor_id, r.comment, r.transaction_type, r.ingestion_ts, r.balance, r.updated_ts
FROM UNNEST(@rows) AS r;
`
	}
	return script + `COMMIT TRANSACTION;`
}

// ReplaceAllWithClient atomically replaces every row of the period.
func ReplaceAllWithClient(ctx context.Context, client *bigquery.Client, table string, period domain.PeriodKey, records []domain.PaymentOperationHistoryRecord) error {
	err := ReplacePeriodsWithClient(ctx, client, table, period.AccountID,
		map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord{period: records})
	if err != nil {
		return fmt.Errorf("ReplaceAll: %s: %w", period, err)
	}
	return nil
}

// ReplacePeriodsWithClient atomically replaces every row of each listed
// period of accountID.
func ReplacePeriodsWithClient(ctx context.Context, client *bigquery.Client, table, accountID string, periods map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord) error {
	names, rows, err := periodRows(accountID, periods, time.Now())
	if err != nil {
		return fmt.Errorf("ReplacePeriods: %w", err)
	}
	if len(names) == 0 {
		return nil
	}

	q := client.Query(replaceScript(table, len(rows) > 0))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_id", Value: accountID},
		{Name: "periods", Value: names},
	}
	if len(rows) > 0 {
		q.Parameters = append(q.Parameters, bigquery.QueryParameter{Name: "rows", Value: rows})
	}

	if err := runScript(ctx, q); err != nil {
		return fmt.Errorf("ReplacePeriods: %s %v: %w", accountID, names, err)
	}
	return nil
}

// periodRows flattens periods into their names, in order, and their rows.
func periodRows(accountID string, periods map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord, now time.Time) ([]string, []HistoryRow, error) {
	keys := make([]domain.PeriodKey, 0, len(periods))
	for key := range periods {
		if key.AccountID != accountID {
			return nil, nil, fmt.Errorf("%w: period %s is not of account %s", domain.ErrValidation, key, accountID)
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].YearMonth() < keys[j].YearMonth() })

	names := make([]string, 0, len(keys))
	var rows []HistoryRow
	for _, key := range keys {
		names = append(names, key.YearMonth())
		rows = append(rows, ToHistoryRows(key, periods[key], now)...)
	}
	return names, rows, nil
}

// GetByIDWithClient loads the record of one operation.
func GetByIDWithClient(ctx context.Context, client *bigquery.Client, table, accountID string, operationID uuid.UUID) (domain.PaymentOperationHistoryRecord, error) {
	q := client.Query(`SELECT ` + historyColumns + ` FROM ` + table + `
		WHERE account_id = @account_id AND operation_id = @operation_id
		LIMIT 1`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_id", Value: accountID},
		{Name: "operation_id", Value: operationID.String()},
	}

	records, err := readHistory(ctx, q)
	if err != nil {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("GetByID: %w", err)
	}
	if len(records) == 0 {
		return domain.PaymentOperationHistoryRecord{}, fmt.Errorf("GetByID: operation %s: %w", operationID, domain.ErrNotFound)
	}
	return records[0], nil
}

// GetAllWithClient loads every record of an account in projection order.
func GetAllWithClient(ctx context.Context, client *bigquery.Client, table, accountID string) ([]domain.PaymentOperationHistoryRecord, error) {
	q := client.Query(`SELECT ` + historyColumns + ` FROM ` + table + `
		WHERE account_id = @account_id
		ORDER BY period, position`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_id", Value: accountID},
	}

	records, err := readHistory(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("GetAll: %w", err)
	}
	return records, nil
}

func readHistory(ctx context.Context, q *bigquery.Query) ([]domain.PaymentOperationHistoryRecord, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}

	var records []domain.PaymentOperationHistoryRecord
	for {
		var row HistoryRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		rec, err := row.Record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReplaceAll implements the projection store contract.
func (r *Repository) ReplaceAll(ctx context.Context, period domain.PeriodKey, records []domain.PaymentOperationHistoryRecord) error {
	return ReplaceAllWithClient(ctx, r.client, r.table(HistoryTable), period, records)
}

// ReplacePeriods swaps several periods of one account in one transaction.
func (r *Repository) ReplacePeriods(ctx context.Context, accountID string, periods map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord) error {
	return ReplacePeriodsWithClient(ctx, r.client, r.table(HistoryTable), accountID, periods)
}

// GetByID implements the projection store contract.
func (r *Repository) GetByID(ctx context.Context, accountID string, operationID uuid.UUID) (domain.PaymentOperationHistoryRecord, error) {
	return GetByIDWithClient(ctx, r.client, r.table(HistoryTable), accountID, operationID)
}

// GetAll implements the projection store contract.
func (r *Repository) GetAll(ctx context.Context, accountID string) ([]domain.PaymentOperationHistoryRecord, error) {
	return GetAllWithClient(ctx, r.client, r.table(HistoryTable), accountID)
}
