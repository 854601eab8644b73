// Package category resolves the operation type (income or expense) a
// category gives its payment operations.
package category

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Static resolves signs from a fixed table.
type Static struct {
	signs map[string]domain.OperationType
}

// NewStatic builds a table from the income and expense category ids. An id
// listed under both is rejected.
func NewStatic(income, expense []string) (*Static, error) {
	signs := make(map[string]domain.OperationType, len(income)+len(expense))
	for _, id := range income {
		signs[normalize(id)] = domain.OperationTypeIncome
	}
	for _, id := range expense {
		id = normalize(id)
		if signs[id] == domain.OperationTypeIncome {
			return nil, fmt.Errorf("NewStatic: category %q is both income and expense: %w", id, domain.ErrValidation)
		}
		signs[id] = domain.OperationTypeExpense
	}
	delete(signs, "")
	return &Static{signs: signs}, nil
}

// Resolve returns the sign of every known id. Unknown ids are left out so
// the projection can report them.
func (s *Static) Resolve(_ context.Context, categoryIDs []string) (map[string]domain.OperationType, error) {
	return pick(s.signs, categoryIDs), nil
}

// Source loads the full category sign table, e.g. from BigQuery.
type Source interface {
	LoadSigns(ctx context.Context) (map[string]domain.OperationType, error)
}

// Cached resolves signs from a Source, reloading the table when it is older
// than the TTL or when a requested id is missing and the table was not
// reloaded in the last MinRefresh.
type Cached struct {
	source     Source
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time
	log        zerolog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	signs    map[string]domain.OperationType
	loadedAt time.Time
}

// CachedOption configures a Cached resolver.
type CachedOption func(*Cached)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CachedOption {
	return func(c *Cached) { c.now = now }
}

// WithMinRefresh bounds how often a missing id forces a reload.
func WithMinRefresh(d time.Duration) CachedOption {
	return func(c *Cached) { c.minRefresh = d }
}

// NewCached creates a resolver caching source for ttl.
func NewCached(source Source, ttl time.Duration, log zerolog.Logger, opts ...CachedOption) *Cached {
	c := &Cached{
		source:     source,
		ttl:        ttl,
		minRefresh: 30 * time.Second,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the sign of every id known to the source.
func (c *Cached) Resolve(ctx context.Context, categoryIDs []string) (map[string]domain.OperationType, error) {
	signs, loadedAt := c.snapshot()
	now := c.now()

	stale := signs == nil || now.Sub(loadedAt) >= c.ttl
	if !stale && missing(signs, categoryIDs) && now.Sub(loadedAt) >= c.minRefresh {
		stale = true
	}
	if stale {
		reloaded, err := c.reload(ctx)
		switch {
		case err == nil:
			signs = reloaded
		case signs == nil:
			return nil, fmt.Errorf("Cached.Resolve: %w", err)
		default:
			c.log.Warn().Err(err).Msg("Category reload failed, serving cached signs")
		}
	}
	return pick(signs, categoryIDs), nil
}

func (c *Cached) snapshot() (map[string]domain.OperationType, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signs, c.loadedAt
}

func (c *Cached) reload(ctx context.Context) (map[string]domain.OperationType, error) {
	v, err, _ := c.group.Do("signs", func() (interface{}, error) {
		loaded, err := c.source.LoadSigns(ctx)
		if err != nil {
			return nil, fmt.Errorf("load signs: %w", err)
		}
		signs := make(map[string]domain.OperationType, len(loaded))
		for id, sign := range loaded {
			if !sign.Valid() {
				c.log.Warn().Str("category_id", id).Str("operation_type", string(sign)).Msg("Skipping category with unknown operation type")
				continue
			}
			signs[normalize(id)] = sign
		}

		c.mu.Lock()
		c.signs = signs
		c.loadedAt = c.now()
		c.mu.Unlock()

		c.log.Debug().Int("categories", len(signs)).Msg("Category signs reloaded")
		return signs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]domain.OperationType), nil
}

func pick(signs map[string]domain.OperationType, ids []string) map[string]domain.OperationType {
	out := make(map[string]domain.OperationType, len(ids))
	for _, id := range ids {
		if sign, ok := signs[normalize(id)]; ok {
			out[id] = sign
		}
	}
	return out
}

func missing(signs map[string]domain.OperationType, ids []string) bool {
	for _, id := range ids {
		if _, ok := signs[normalize(id)]; !ok {
			return true
		}
	}
	return false
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
