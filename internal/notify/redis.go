package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	DefaultBalancesKey = "ledger:balances"
	DefaultChannel     = "ledger.balance-updated"
)

// BalanceUpdate is published on the Redis channel after every sync.
type BalanceUpdate struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisConfig configures the Redis notifier.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	BalancesKey string
	Channel     string
}

// Redis stores balances in a hash keyed by account id and announces every
// change on a pub/sub channel.
type Redis struct {
	client      redisClient
	closer      func() error
	balancesKey string
	channel     string
	now         func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("NewRedis: ping %s: %w", cfg.Addr, err)
	}

	r := newRedis(rdb, cfg.BalancesKey, cfg.Channel)
	r.closer = rdb.Close
	return r, nil
}

func newRedis(client redisClient, balancesKey, channel string) *Redis {
	if balancesKey == "" {
		balancesKey = DefaultBalancesKey
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{
		client:      client,
		closer:      func() error { return nil },
		balancesKey: balancesKey,
		channel:     channel,
		now:         time.Now,
	}
}

// SetAccountBalance writes the balance to the hash, then publishes it.
func (r *Redis) SetAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	if err := r.client.HSet(ctx, r.balancesKey, accountID, balance.String()).Err(); err != nil {
		return fmt.Errorf("Redis.SetAccountBalance: hset %s: %w", accountID, err)
	}

	msg, err := json.Marshal(BalanceUpdate{AccountID: accountID, Balance: balance, UpdatedAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("Redis.SetAccountBalance: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("Redis.SetAccountBalance: publish %s: %w", accountID, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.closer()
}
