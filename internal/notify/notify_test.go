package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRedis struct {
	HSetErr    error
	PublishErr error

	hashes    map[string]map[string]string
	published []string
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if m.HSetErr != nil {
		return redis.NewIntResult(0, m.HSetErr)
	}
	if m.hashes == nil {
		m.hashes = map[string]map[string]string{}
	}
	if m.hashes[key] == nil {
		m.hashes[key] = map[string]string{}
	}
	for i := 0; i+1 < len(values); i += 2 {
		m.hashes[key][values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (m *mockRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if m.PublishErr != nil {
		return redis.NewIntResult(0, m.PublishErr)
	}
	m.published = append(m.published, channel+" "+string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func TestRedis_SetAccountBalance(t *testing.T) {
	client := &mockRedis{}
	n := newRedis(client, "", "")
	n.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	err := n.SetAccountBalance(context.Background(), "acct-1", decimal.RequireFromString("-12.50"))
	require.NoError(t, err)

	assert.Equal(t, "-12.5", client.hashes[DefaultBalancesKey]["acct-1"])
	require.Len(t, client.published, 1)
	assert.Equal(t,
		DefaultChannel+` {"account_id":"acct-1","balance":"-12.5","updated_at":"2024-03-01T12:00:00Z"}`,
		client.published[0])
}

func TestRedis_HSetFailureSkipsPublish(t *testing.T) {
	client := &mockRedis{HSetErr: redis.ErrClosed}
	n := newRedis(client, "balances", "updates")

	err := n.SetAccountBalance(context.Background(), "acct-1", decimal.NewFromInt(1))

	assert.ErrorIs(t, err, redis.ErrClosed)
	assert.Empty(t, client.published)
}

func TestMulti_CallsEveryNotifier(t *testing.T) {
	first := errors.New("kafka down")
	var calls []string
	record := func(name string, err error) Notifier {
		return NotifierFunc(func(_ context.Context, accountID string, balance decimal.Decimal) error {
			calls = append(calls, name+":"+accountID+":"+balance.String())
			return err
		})
	}

	m := Multi{record("kafka", first), record("redis", nil), record("notion", nil)}
	err := m.SetAccountBalance(context.Background(), "acct-9", decimal.NewFromInt(42))

	assert.ErrorIs(t, err, first)
	assert.Equal(t, []string{"kafka:acct-9:42", "redis:acct-9:42", "notion:acct-9:42"}, calls)
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, Multi{}.SetAccountBalance(context.Background(), "acct-1", decimal.Zero))
}
