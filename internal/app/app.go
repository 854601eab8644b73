// Package app builds the ledger components from configuration. The worker
// and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/allmantool/hbudget-ledger/internal/broker/kafka"
	"github.com/allmantool/hbudget-ledger/internal/category"
	"github.com/allmantool/hbudget-ledger/internal/config"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/allmantool/hbudget-ledger/internal/eventstore/memstore"
	"github.com/allmantool/hbudget-ledger/internal/eventstore/pgstore"
	"github.com/allmantool/hbudget-ledger/internal/infra/bigquery"
	"github.com/allmantool/hbudget-ledger/internal/infra/sqlite"
	"github.com/allmantool/hbudget-ledger/internal/logger"
	"github.com/allmantool/hbudget-ledger/internal/notify"
	"github.com/allmantool/hbudget-ledger/internal/notionsync"
	"github.com/allmantool/hbudget-ledger/internal/pipeline"
	"github.com/allmantool/hbudget-ledger/internal/spill"
	"github.com/rs/zerolog"
)

// ProducerHandler identifies this service in outgoing envelopes.
const ProducerHandler = "hbudget-ledger"

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config       *config.Config
	Backend      eventstore.Backend
	Writer       *eventstore.WriteClient
	Reader       *eventstore.ReadClient
	Spiller      *spill.Spiller
	Projection   pipeline.ProjectionStore
	Resolver     pipeline.SignResolver
	Producer     *kafka.Producer
	Notifier     notify.Multi
	Orchestrator *pipeline.Orchestrator

	log     zerolog.Logger
	closers []func() error
}

// New wires every component cfg enables. On error the components created so
// far are closed.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, log: logger.Component(log, "catch_up")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Backend, err = openBackend(ctx, cfg.EventStore, logger.Component(log, "eventstore")); err != nil {
		return nil, err
	}
	a.onClose(a.Backend.Close)

	writeOpts := []eventstore.WriteOption{eventstore.WithWriteLogger(logger.Component(log, "write_client"))}
	if cfg.DeadLetter.GCSBucket != "" {
		objects, err := spill.NewGCSObjects(ctx)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.onClose(objects.Close)
		a.Spiller = spill.NewSpiller(objects, cfg.DeadLetter.GCSBucket, cfg.DeadLetter.GCSPrefix, logger.Component(log, "spill"))
		writeOpts = append(writeOpts, eventstore.WithSpiller(a.Spiller))
	}
	a.Writer = eventstore.NewWriteClient(a.Backend, cfg.EventStore.Write(), writeOpts...)
	a.Reader = eventstore.NewReadClient(a.Backend,
		eventstore.WithPageSize(cfg.EventStore.ReadBatchSize),
		eventstore.WithDeadLetterStream(a.Writer.DeadLetterStream()),
		eventstore.WithReadLogger(logger.Component(log, "read_client")),
		eventstore.WithResubscribeDelay(cfg.Broker.CircuitBreakerDelay),
		eventstore.WithResubscribeHook(a.CatchUp),
	)

	var repo *bigquery.Repository
	if cfg.BigQuery.ProjectID != "" {
		if repo, err = bigquery.NewRepository(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset); err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.onClose(repo.Close)
	}

	switch cfg.Projection.Backend {
	case "sqlite":
		store, err := sqlite.Open(cfg.Projection.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.onClose(store.Close)
		a.Projection = store
	default:
		if repo == nil {
			return nil, fmt.Errorf("New: the bigquery projection needs bigquery.project_id")
		}
		a.Projection = repo
	}

	if a.Resolver, err = newResolver(repo, cfg, logger.Component(log, "categories")); err != nil {
		return nil, err
	}

	if a.Producer, err = kafka.NewProducer(cfg.Broker.BootstrapServers, ProducerHandler); err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	a.onClose(func() error { a.Producer.Close(); return nil })

	if a.Notifier, err = a.notifiers(ctx, cfg); err != nil {
		return nil, err
	}

	a.Orchestrator = pipeline.NewOrchestrator(a.Reader, a.Resolver, a.Projection, a.Notifier, logger.Component(log, "sync"))
	return a, nil
}

// CatchUp resyncs every account with events. The live subscription runs it
// after reconnecting, since appends made while it was down were missed.
func (a *App) CatchUp(ctx context.Context) {
	log := a.log
	accounts, err := a.Reader.Accounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Catch-up could not list accounts")
		return
	}
	failed := 0
	for _, res := range a.Orchestrator.SyncAccounts(ctx, accounts) {
		if !res.OK() {
			failed++
		}
	}
	log.Info().Int("accounts", len(accounts)).Int("failed", failed).Msg("Catch-up sync finished")
}

// Close releases every component, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(f func() error) {
	a.closers = append(a.closers, f)
}

func openBackend(ctx context.Context, cfg config.EventStoreConfig, log zerolog.Logger) (eventstore.Backend, error) {
	if cfg.Backend == "memory" {
		log.Warn().Msg("Using the in-memory event store; events are lost on exit")
		return memstore.New(), nil
	}
	store, err := pgstore.Open(ctx, cfg.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("openBackend: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("openBackend: %w", err)
	}
	return store, nil
}

// newResolver prefers the BigQuery categories table and falls back to the
// configured static table.
func newResolver(repo *bigquery.Repository, cfg *config.Config, log zerolog.Logger) (pipeline.SignResolver, error) {
	if repo != nil {
		return category.NewCached(repo, cfg.BigQuery.CategoryCacheTTL, log), nil
	}
	static, err := category.NewStatic(cfg.Categories.Income, cfg.Categories.Expense)
	if err != nil {
		return nil, fmt.Errorf("newResolver: %w", err)
	}
	return static, nil
}

func (a *App) notifiers(ctx context.Context, cfg *config.Config) (notify.Multi, error) {
	multi := notify.Multi{kafka.NewBalancePublisher(a.Producer, cfg.Broker.BalanceTopic)}

	if cfg.Redis.Addr != "" {
		r, err := notify.NewRedis(ctx, notify.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			BalancesKey: cfg.Redis.BalancesKey,
			Channel:     cfg.Redis.Channel,
		})
		if err != nil {
			return nil, fmt.Errorf("notifiers: %w", err)
		}
		a.onClose(r.Close)
		multi = append(multi, r)
	}

	if cfg.Notion.Token != "" {
		multi = append(multi, notionsync.NewBalanceMirror(notionsync.NewNotionClient(cfg.Notion.Token), cfg.Notion.AccountsDBID))
	}
	return multi, nil
}
