// Package pipeline recomputes an account's balance projection from its event
// history and pushes the result to the projection store and the balance
// notifiers.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Result summarises one account sync. Err is set when the sync failed; the
// projection store is untouched unless persistence started.
type Result struct {
	AccountID string
	Records   int
	Balance   decimal.Decimal
	Periods   []domain.PeriodKey
	Notified  bool
	Err       error
}

// OK reports whether the sync succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Orchestrator runs the sync pipeline, one account at a time.
type Orchestrator struct {
	reader   EventReader
	pipeline *Pipeline
	locks    *keyedMutex
	log      zerolog.Logger
}

// NewOrchestrator wires the standard sync pipeline. notifier may be nil.
func NewOrchestrator(reader EventReader, resolver SignResolver, store ProjectionStore, notifier BalanceNotifier, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		reader:   reader,
		pipeline: NewSyncPipeline(resolver, store, notifier, log),
		locks:    newKeyedMutex(),
		log:      log,
	}
}

// Sync recomputes the projection of accountID from events. Events of other
// accounts are ignored. Failures are reported in the result, never panicked
// or returned past this call.
func (o *Orchestrator) Sync(ctx context.Context, accountID string, events []domain.PaymentOperationEvent) Result {
	result := Result{AccountID: accountID}
	if err := domain.ValidateAccountID(accountID); err != nil {
		result.Err = fmt.Errorf("Sync: %w", err)
		return result
	}

	unlock := o.locks.Lock(accountID)
	defer unlock()

	state := &SyncState{AccountID: accountID, Events: o.ownEvents(accountID, events)}
	if err := o.pipeline.Execute(ctx, state); err != nil {
		o.log.Error().Err(err).Str("account_id", accountID).Int("events", len(state.Events)).Msg("Account sync failed")
		result.Err = fmt.Errorf("Sync: account %s: %w", accountID, err)
		return result
	}

	result.Records = len(state.Projection.Records)
	result.Balance = state.Projection.Balance
	result.Periods = state.Periods
	result.Notified = state.Notified

	o.log.Info().
		Str("account_id", accountID).
		Int("events", len(state.Events)).
		Int("records", result.Records).
		Int("periods", len(result.Periods)).
		Str("balance", result.Balance.String()).
		Msg("Account synced")
	return result
}

// SyncAccount reads the whole history of accountID and syncs it.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID string) Result {
	events, err := o.reader.ReadAccount(ctx, accountID)
	if err != nil {
		return Result{AccountID: accountID, Err: fmt.Errorf("SyncAccount: read %s: %w", accountID, err)}
	}
	return o.Sync(ctx, accountID, events)
}

// SyncAccounts syncs each account in turn and returns the results of those
// attempted before ctx was done.
func (o *Orchestrator) SyncAccounts(ctx context.Context, accountIDs []string) []Result {
	results := make([]Result, 0, len(accountIDs))
	for _, id := range accountIDs {
		if ctx.Err() != nil {
			break
		}
		results = append(results, o.SyncAccount(ctx, id))
	}
	return results
}

// SyncPeriod is the coalescer trigger. The whole account is reread because an
// update can move an operation out of the period that triggered the sync.
func (o *Orchestrator) SyncPeriod(ctx context.Context, key domain.PeriodKey, latest domain.PaymentOperationEvent) error {
	o.log.Debug().
		Str("period", key.String()).
		Str("operation_key", latest.Transaction.Key.String()).
		Msg("Period sync triggered")
	return o.SyncAccount(ctx, key.AccountID).Err
}

func (o *Orchestrator) ownEvents(accountID string, events []domain.PaymentOperationEvent) []domain.PaymentOperationEvent {
	own := make([]domain.PaymentOperationEvent, 0, len(events))
	for _, ev := range events {
		if ev.Transaction.AccountID != accountID {
			o.log.Warn().
				Str("account_id", accountID).
				Str("event_account_id", ev.Transaction.AccountID).
				Str("operation_key", ev.Transaction.Key.String()).
				Msg("Skipping event of another account")
			continue
		}
		own = append(own, ev)
	}
	return own
}

// keyedMutex serialises work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
