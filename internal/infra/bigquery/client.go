// Package bigquery stores the balance projection and the category sign table
// in BigQuery.
package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
)

const (
	HistoryTable    = "payment_operation_history"
	CategoriesTable = "categories"
)

// Repository is the projection store backed by BigQuery. It holds a shared
// client to avoid creating a new connection for each operation.
type Repository struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewRepository creates a repository with its own BigQuery client.
func NewRepository(ctx context.Context, projectID, datasetID string) (*Repository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewRepository: creating client: %w", err)
	}
	return NewRepositoryWithClient(client, datasetID), nil
}

// NewRepositoryWithClient wraps an existing client.
func NewRepositoryWithClient(client *bigquery.Client, datasetID string) *Repository {
	return &Repository{
		client:    client,
		projectID: client.Project(),
		datasetID: datasetID,
	}
}

// Close closes the BigQuery client connection.
func (r *Repository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *Repository) table(name string) string {
	return tableRef(r.projectID, r.datasetID, name)
}

func tableRef(projectID, datasetID, table string) string {
	return "`" + projectID + "." + datasetID + "." + table + "`"
}

// runScript runs a query job to completion.
func runScript(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("run query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
