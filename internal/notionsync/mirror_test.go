package notionsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNotion struct {
	CreatePageFunc    func(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
	UpdatePageFunc    func(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error)
	QueryDatabaseFunc func(ctx context.Context, databaseID string, filter *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)

	queries int
	created []notionapi.Properties
	updated map[string]notionapi.Properties
}

func (m *mockNotion) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	m.created = append(m.created, properties)
	if m.CreatePageFunc != nil {
		return m.CreatePageFunc(ctx, databaseID, properties)
	}
	return &notionapi.Page{ID: "new-page"}, nil
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error) {
	if m.updated == nil {
		m.updated = map[string]notionapi.Properties{}
	}
	m.updated[pageID] = properties
	if m.UpdatePageFunc != nil {
		return m.UpdatePageFunc(ctx, pageID, properties)
	}
	return &notionapi.Page{ID: notionapi.ObjectID(pageID)}, nil
}

func (m *mockNotion) QueryDatabase(ctx context.Context, databaseID string, filter *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	m.queries++
	if m.QueryDatabaseFunc != nil {
		return m.QueryDatabaseFunc(ctx, databaseID, filter)
	}
	return &notionapi.DatabaseQueryResponse{}, nil
}

func accountPage(id, accountID string) notionapi.Page {
	return notionapi.Page{
		ID: notionapi.ObjectID(id),
		Properties: notionapi.Properties{
			PropAccountID: &notionapi.TitleProperty{
				Title: []notionapi.RichText{{PlainText: accountID}},
			},
		},
	}
}

func TestBalanceMirror_CreatesMissingPage(t *testing.T) {
	notion := &mockNotion{}
	m := NewBalanceMirror(notion, "db-1")
	m.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, m.SetAccountBalance(context.Background(), "acct-1", decimal.RequireFromString("10.25")))

	require.Len(t, notion.created, 1)
	props := notion.created[0]
	assert.Equal(t, titleProperty("acct-1"), props[PropAccountID])
	assert.Equal(t, notionapi.NumberProperty{Number: 10.25}, props[PropBalance])

	require.NoError(t, m.SetAccountBalance(context.Background(), "acct-1", decimal.NewFromInt(3)))
	assert.Equal(t, 1, notion.queries, "page id is cached after creation")
	assert.Contains(t, notion.updated, "new-page")
}

func TestBalanceMirror_UpdatesExistingPage(t *testing.T) {
	notion := &mockNotion{
		QueryDatabaseFunc: func(_ context.Context, databaseID string, filter *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
			assert.Equal(t, "db-1", databaseID)
			assert.Equal(t, PropAccountID, filter.Filter.(notionapi.PropertyFilter).Property)
			return &notionapi.DatabaseQueryResponse{
				Results: []notionapi.Page{accountPage("page-7", "acct-7")},
			}, nil
		},
	}
	m := NewBalanceMirror(notion, "db-1")

	require.NoError(t, m.SetAccountBalance(context.Background(), "acct-7", decimal.NewFromInt(-5)))

	assert.Empty(t, notion.created)
	require.Contains(t, notion.updated, "page-7")
	assert.Equal(t, notionapi.NumberProperty{Number: -5}, notion.updated["page-7"][PropBalance])
}

func TestBalanceMirror_UpdateFailureForgetsPage(t *testing.T) {
	notion := &mockNotion{
		QueryDatabaseFunc: func(context.Context, string, *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
			return &notionapi.DatabaseQueryResponse{Results: []notionapi.Page{accountPage("page-1", "acct-1")}}, nil
		},
		UpdatePageFunc: func(context.Context, string, notionapi.Properties) (*notionapi.Page, error) {
			return nil, errors.New("archived")
		},
	}
	m := NewBalanceMirror(notion, "db-1")

	assert.Error(t, m.SetAccountBalance(context.Background(), "acct-1", decimal.Zero))
	assert.Error(t, m.SetAccountBalance(context.Background(), "acct-1", decimal.Zero))
	assert.Equal(t, 2, notion.queries)
}

func TestBalanceMirror_QueryFailure(t *testing.T) {
	queryErr := errors.New("rate limited")
	notion := &mockNotion{
		QueryDatabaseFunc: func(context.Context, string, *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
			return nil, queryErr
		},
	}
	m := NewBalanceMirror(notion, "db-1")

	err := m.SetAccountBalance(context.Background(), "acct-1", decimal.Zero)

	assert.ErrorIs(t, err, queryErr)
	assert.Empty(t, notion.created)
}

func TestExtractAccountID_IgnoresOtherPages(t *testing.T) {
	assert.Equal(t, "acct-2", extractAccountID(accountPage("p", "acct-2")))
	assert.Empty(t, extractAccountID(notionapi.Page{}))
}
