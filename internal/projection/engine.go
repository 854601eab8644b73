// Package projection folds a raw payment-operation event history into the
// running-balance projection of an account.
//
// The fold is a pure function of its input: duplicated, reordered or
// redelivered events produce the same projection, which is what lets the
// ingestion side rely on at-least-once delivery.
package projection

import (
	"errors"
	"fmt"
	"sort"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnknownCategory is returned when a surviving operation references a
// category with no resolved sign.
var ErrUnknownCategory = errors.New("unknown category")

// Projection is the ordered balance history plus the final balance.
type Projection struct {
	Records []domain.PaymentOperationHistoryRecord
	Balance decimal.Decimal
}

// Empty reports whether no operation survived.
func (p Projection) Empty() bool {
	return len(p.Records) == 0
}

type group struct {
	events    []domain.PaymentOperationEvent
	hasAdd    bool
	hasRemove bool
}

// Survivors returns the current state of every operation still in effect,
// ordered by (OperationDay, IngestionTimestamp) ascending.
//
// A group containing any Remove is dropped entirely, whatever its position.
// A group without an Add is dropped. Of the rest, the event with the greatest
// (OperationDay, IngestionTimestamp) is the current state.
func Survivors(events []domain.PaymentOperationEvent) []domain.FinancialTransaction {
	groups := make(map[uuid.UUID]*group)
	order := make([]uuid.UUID, 0)

	for _, ev := range events {
		key := ev.Transaction.Key
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.events = append(g.events, ev)
		switch ev.Kind {
		case domain.EventKindAdd:
			g.hasAdd = true
		case domain.EventKindRemove:
			g.hasRemove = true
		}
	}

	survivors := make([]domain.FinancialTransaction, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if g.hasRemove || !g.hasAdd {
			continue
		}
		survivors = append(survivors, currentState(g.events))
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if c := compareState(survivors[i], survivors[j]); c != 0 {
			return c < 0
		}
		return survivors[i].Key.String() < survivors[j].Key.String()
	})

	return survivors
}

// currentState picks the latest state by business date, then ingestion time.
// Exact ties keep the event seen last.
func currentState(events []domain.PaymentOperationEvent) domain.FinancialTransaction {
	current := events[0].Transaction
	for _, ev := range events[1:] {
		if ev.Kind == domain.EventKindRemove {
			continue
		}
		if compareState(ev.Transaction, current) >= 0 {
			current = ev.Transaction
		}
	}
	return current
}

func compareState(a, b domain.FinancialTransaction) int {
	switch {
	case a.OperationDay.Before(b.OperationDay):
		return -1
	case a.OperationDay.After(b.OperationDay):
		return 1
	case a.IngestionTimestamp < b.IngestionTimestamp:
		return -1
	case a.IngestionTimestamp > b.IngestionTimestamp:
		return 1
	}
	return 0
}

// CategoriesOf lists the distinct category ids of the surviving operations,
// sorted, so callers can resolve signs before projecting.
func CategoriesOf(events []domain.PaymentOperationEvent) []string {
	seen := make(map[string]struct{})
	for _, tx := range Survivors(events) {
		seen[tx.CategoryID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Project folds events into a running-balance projection. signs maps a
// category id to the operation type it gives its operations.
func Project(events []domain.PaymentOperationEvent, signs map[string]domain.OperationType) (Projection, error) {
	survivors := Survivors(events)

	records := make([]domain.PaymentOperationHistoryRecord, 0, len(survivors))
	balance := decimal.Zero
	for _, tx := range survivors {
		sign, ok := signs[tx.CategoryID]
		if !ok || !sign.Valid() {
			return Projection{}, fmt.Errorf("Project: operation %s: %w: %q", tx.Key, ErrUnknownCategory, tx.CategoryID)
		}
		balance = balance.Add(sign.Signed(tx.Amount))
		records = append(records, domain.PaymentOperationHistoryRecord{
			Record:  tx,
			Balance: balance,
		})
	}

	return Projection{Records: records, Balance: balance}, nil
}

// ByPeriod splits the projection records by the account-period of their
// business date, preserving order.
func (p Projection) ByPeriod() map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord {
	out := make(map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord)
	for _, r := range p.Records {
		key := r.Record.Period()
		out[key] = append(out[key], r)
	}
	return out
}
