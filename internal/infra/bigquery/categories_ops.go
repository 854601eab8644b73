package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"google.golang.org/api/iterator"
)

// ListActiveCategoriesWithClient returns all active categories ordered by name
// using the provided BigQuery client.
func ListActiveCategoriesWithClient(ctx context.Context, client *bigquery.Client, table string) ([]CategoryRow, error) {
	q := client.Query(`
		SELECT
		  category_id,
		  name,
		  operation_type,
		  is_active
		FROM ` + table + `
		WHERE is_active IS NULL OR is_active = TRUE
		ORDER BY name
	`)

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListActiveCategories: query read: %w", err)
	}

	var rows []CategoryRow
	for {
		var r CategoryRow
		err := it.Next(&r)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListActiveCategories: iter next: %w", err)
		}
		rows = append(rows, r)
	}

	return rows, nil
}

// SignsOf maps category ids to their operation type.
func SignsOf(rows []CategoryRow) map[string]domain.OperationType {
	signs := make(map[string]domain.OperationType, len(rows))
	for _, r := range rows {
		signs[r.CategoryID] = domain.OperationType(r.OperationType)
	}
	return signs
}

// ListActiveCategories delegates to ListActiveCategoriesWithClient with the shared client.
func (r *Repository) ListActiveCategories(ctx context.Context) ([]CategoryRow, error) {
	return ListActiveCategoriesWithClient(ctx, r.client, r.table(CategoriesTable))
}

// LoadSigns returns the sign table of every active category.
func (r *Repository) LoadSigns(ctx context.Context) (map[string]domain.OperationType, error) {
	rows, err := r.ListActiveCategories(ctx)
	if err != nil {
		return nil, err
	}
	return SignsOf(rows), nil
}
