// Package notify fans an account's final balance out to external sinks.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Notifier receives the final balance of an account.
type Notifier interface {
	SetAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
}

// Multi calls every notifier in order, even after a failure, and joins the
// errors.
type Multi []Notifier

func (m Multi) SetAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	var errs []error
	for i, n := range m {
		if err := n.SetAccountBalance(ctx, accountID, balance); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d (%T): %w", i, n, err))
		}
	}
	return errors.Join(errs...)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, accountID string, balance decimal.Decimal) error

func (f NotifierFunc) SetAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	return f(ctx, accountID, balance)
}
