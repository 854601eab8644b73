package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/allmantool/hbudget-ledger/internal/projection"
	"github.com/rs/zerolog"
)

// PipelineStep represents a single step of an account sync.
type PipelineStep interface {
	Execute(ctx context.Context, state *SyncState) error
}

// SyncState holds the shared state across all sync steps.
type SyncState struct {
	AccountID  string
	Events     []domain.PaymentOperationEvent
	Signs      map[string]domain.OperationType
	Projection projection.Projection
	Periods    []domain.PeriodKey
	Notified   bool
}

// Step 1: ResolveSignsStep looks up the operation type of every category
// referenced by a surviving operation.
type ResolveSignsStep struct {
	Resolver SignResolver
}

func (s *ResolveSignsStep) Execute(ctx context.Context, state *SyncState) error {
	ids := projection.CategoriesOf(state.Events)
	if len(ids) == 0 {
		state.Signs = map[string]domain.OperationType{}
		return nil
	}
	signs, err := s.Resolver.Resolve(ctx, ids)
	if err != nil {
		return fmt.Errorf("ResolveSignsStep: resolve %d categories: %w", len(ids), err)
	}
	state.Signs = signs
	return nil
}

// Step 2: ProjectStep folds the events into the running-balance projection.
type ProjectStep struct{}

func (s *ProjectStep) Execute(_ context.Context, state *SyncState) error {
	p, err := projection.Project(state.Events, state.Signs)
	if err != nil {
		return fmt.Errorf("ProjectStep: %w", err)
	}
	state.Projection = p
	state.Periods = affectedPeriods(state.AccountID, state.Events, p)
	return nil
}

// Step 3: PersistStep replaces every affected period in the projection store.
// Periods left without records are cleared. Stores implementing
// PeriodsReplacer swap them all in one transaction; otherwise each period is
// its own transaction and a failure leaves the earlier periods rewritten
// until the next sync of the account.
type PersistStep struct {
	Store ProjectionStore
}

func (s *PersistStep) Execute(ctx context.Context, state *SyncState) error {
	byPeriod := state.Projection.ByPeriod()
	periods := make(map[domain.PeriodKey][]domain.PaymentOperationHistoryRecord, len(state.Periods))
	for _, key := range state.Periods {
		records := byPeriod[key]
		if records == nil {
			records = []domain.PaymentOperationHistoryRecord{}
		}
		periods[key] = records
	}

	if replacer, ok := s.Store.(PeriodsReplacer); ok {
		if len(periods) == 0 {
			return nil
		}
		if err := replacer.ReplacePeriods(ctx, state.AccountID, periods); err != nil {
			return fmt.Errorf("PersistStep: replace %d period(s): %w", len(periods), err)
		}
		return nil
	}

	for _, key := range state.Periods {
		if err := s.Store.ReplaceAll(ctx, key, periods[key]); err != nil {
			return fmt.Errorf("PersistStep: replace %s: %w", key, err)
		}
	}
	return nil
}

// Step 4: NotifyStep publishes the final balance. Failures are logged only:
// the projection is already persisted and the next sync republishes.
type NotifyStep struct {
	Notifier BalanceNotifier
	Log      zerolog.Logger
}

func (s *NotifyStep) Execute(ctx context.Context, state *SyncState) error {
	if s.Notifier == nil {
		return nil
	}
	if err := s.Notifier.SetAccountBalance(ctx, state.AccountID, state.Projection.Balance); err != nil {
		s.Log.Error().Err(err).
			Str("account_id", state.AccountID).
			Str("balance", state.Projection.Balance.String()).
			Msg("Balance notification failed")
		return nil
	}
	state.Notified = true
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially and stops at the first failure.
func (p *Pipeline) Execute(ctx context.Context, state *SyncState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline step %d: %w", i+1, err)
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// NewSyncPipeline creates the standard resolve, project, persist, notify
// pipeline.
func NewSyncPipeline(resolver SignResolver, store ProjectionStore, notifier BalanceNotifier, log zerolog.Logger) *Pipeline {
	return NewPipeline(
		&ResolveSignsStep{Resolver: resolver},
		&ProjectStep{},
		&PersistStep{Store: store},
		&NotifyStep{Notifier: notifier, Log: log},
	)
}

// affectedPeriods is every period an input event or a surviving record
// belongs to, so periods an operation moved out of get cleared.
func affectedPeriods(accountID string, events []domain.PaymentOperationEvent, p projection.Projection) []domain.PeriodKey {
	seen := make(map[domain.PeriodKey]struct{})
	for _, ev := range events {
		if ev.Transaction.OperationDay.IsZero() {
			continue
		}
		seen[domain.PeriodOf(accountID, ev.Transaction.OperationDay)] = struct{}{}
	}
	for _, r := range p.Records {
		seen[r.Record.Period()] = struct{}{}
	}

	periods := make([]domain.PeriodKey, 0, len(seen))
	for key := range seen {
		periods = append(periods, key)
	}
	sort.Slice(periods, func(i, j int) bool {
		return periods[i].StreamName() < periods[j].StreamName()
	})
	return periods
}
