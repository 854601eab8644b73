// Package notionsync mirrors account balances into a Notion accounts
// database, one page per account.
package notionsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/logger"
	"github.com/jomei/notionapi"
	"github.com/shopspring/decimal"
)

// Property names of the accounts database.
const (
	PropAccountID      = "Account ID"
	PropBalance        = "Balance"
	PropBalanceUpdated = "Balance Updated"
)

// BalanceMirror keeps the Balance property of each account page current.
// Missing pages are created.
type BalanceMirror struct {
	notion     NotionService
	databaseID string
	now        func() time.Time

	mu    sync.Mutex
	pages map[string]string
}

// NewBalanceMirror creates a mirror writing to the given database.
func NewBalanceMirror(notion NotionService, databaseID string) *BalanceMirror {
	return &BalanceMirror{
		notion:     notion,
		databaseID: databaseID,
		now:        time.Now,
		pages:      make(map[string]string),
	}
}

// SetAccountBalance upserts the account page with the new balance.
func (m *BalanceMirror) SetAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	log := logger.FromContext(ctx)
	props := BalanceToNotionProperties(balance, m.now())

	pageID, err := m.pageFor(ctx, accountID)
	if err != nil {
		return fmt.Errorf("BalanceMirror.SetAccountBalance: %w", err)
	}

	if pageID == "" {
		props[PropAccountID] = titleProperty(accountID)
		page, err := m.notion.CreatePage(ctx, m.databaseID, props)
		if err != nil {
			return fmt.Errorf("BalanceMirror.SetAccountBalance: create page for %s: %w", accountID, err)
		}
		m.remember(accountID, string(page.ID))
		log.Info().
			Str("account_id", accountID).
			Str("page_id", string(page.ID)).
			Msg("Created Notion page for account")
		return nil
	}

	if _, err := m.notion.UpdatePage(ctx, pageID, props); err != nil {
		m.forget(accountID)
		return fmt.Errorf("BalanceMirror.SetAccountBalance: update page %s: %w", pageID, err)
	}
	log.Debug().
		Str("account_id", accountID).
		Str("page_id", pageID).
		Str("balance", balance.String()).
		Msg("Updated Notion balance")
	return nil
}

// pageFor returns the page of accountID, or "" when the database has none.
func (m *BalanceMirror) pageFor(ctx context.Context, accountID string) (string, error) {
	m.mu.Lock()
	pageID, ok := m.pages[accountID]
	m.mu.Unlock()
	if ok {
		return pageID, nil
	}

	resp, err := m.notion.QueryDatabase(ctx, m.databaseID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: PropAccountID,
			RichText: &notionapi.TextFilterCondition{Equals: accountID},
		},
		PageSize: 1,
	})
	if err != nil {
		return "", fmt.Errorf("find page for %s: %w", accountID, err)
	}
	for _, page := range resp.Results {
		if extractAccountID(page) == accountID {
			m.remember(accountID, string(page.ID))
			return string(page.ID), nil
		}
	}
	return "", nil
}

func (m *BalanceMirror) remember(accountID, pageID string) {
	m.mu.Lock()
	m.pages[accountID] = pageID
	m.mu.Unlock()
}

func (m *BalanceMirror) forget(accountID string) {
	m.mu.Lock()
	delete(m.pages, accountID)
	m.mu.Unlock()
}

// BalanceToNotionProperties builds the balance columns of an account page.
func BalanceToNotionProperties(balance decimal.Decimal, updatedAt time.Time) notionapi.Properties {
	d := notionapi.Date(updatedAt.UTC())
	return notionapi.Properties{
		PropBalance: notionapi.NumberProperty{
			Number: balance.InexactFloat64(),
		},
		PropBalanceUpdated: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &d},
		},
	}
}

func titleProperty(content string) notionapi.TitleProperty {
	return notionapi.TitleProperty{
		Title: []notionapi.RichText{
			{
				Type: notionapi.ObjectTypeText,
				Text: &notionapi.Text{Content: content},
			},
		},
	}
}

// extractAccountID extracts the account ID from a page's title.
// Returns empty string if not found.
func extractAccountID(page notionapi.Page) string {
	if prop, ok := page.Properties[PropAccountID]; ok {
		if title, ok := prop.(*notionapi.TitleProperty); ok {
			if len(title.Title) > 0 {
				return title.Title[0].PlainText
			}
		}
	}
	return ""
}
