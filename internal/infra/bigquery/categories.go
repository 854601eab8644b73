package bigquery

import "cloud.google.com/go/bigquery"

type CategoryRow struct {
	CategoryID    string            `bigquery:"category_id"`    // REQUIRED
	Name          string            `bigquery:"name"`           // REQUIRED
	OperationType string            `bigquery:"operation_type"` // REQUIRED Income | Expense
	IsActive      bigquery.NullBool `bigquery:"is_active"`      // NULLABLE
}
