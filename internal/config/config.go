// Package config loads the ledger configuration from defaults, an optional
// YAML file, a local .env file and LEDGER_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/allmantool/hbudget-ledger/internal/broker/kafka"
	"github.com/allmantool/hbudget-ledger/internal/coalescer"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LEDGER_BROKER_TOPIC.
const EnvPrefix = "LEDGER"

// Config represents the full ledger configuration.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	EventStore EventStoreConfig `mapstructure:"eventstore"`
	Coalescer  CoalescerConfig  `mapstructure:"coalescer"`
	Projection ProjectionConfig `mapstructure:"projection"`
	BigQuery   BigQueryConfig   `mapstructure:"bigquery"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Notion     NotionConfig     `mapstructure:"notion"`
	Categories CategoriesConfig `mapstructure:"categories"`
	API        APIConfig        `mapstructure:"api"`
	Log        LogConfig        `mapstructure:"log"`
}

type BrokerConfig struct {
	BootstrapServers    []string      `mapstructure:"bootstrap_servers"`
	GroupID             string        `mapstructure:"group_id"`
	Topic               string        `mapstructure:"topic"`
	BalanceTopic        string        `mapstructure:"balance_topic"`
	MaxConsumers        int           `mapstructure:"max_consumers"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	CircuitBreakerDelay time.Duration `mapstructure:"circuit_breaker_delay"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`
	BufferSize          int           `mapstructure:"buffer_size"`
	Workers             int           `mapstructure:"workers"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

type EventStoreConfig struct {
	// Backend is "postgres" or "memory".
	Backend          string        `mapstructure:"backend"`
	DSN              string        `mapstructure:"dsn"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	BackoffBase      float64       `mapstructure:"backoff_base"`
	BackoffJitter    time.Duration `mapstructure:"backoff_jitter"`
	Concurrency      int64         `mapstructure:"concurrency"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	RateBurst        int           `mapstructure:"rate_burst"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	DeadLetterStream string        `mapstructure:"dead_letter_stream"`
	ReadBatchSize    int           `mapstructure:"read_batch_size"`
}

type CoalescerConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	DebounceMS   int           `mapstructure:"debounce_ms"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type ProjectionConfig struct {
	// Backend is "bigquery" or "sqlite".
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type BigQueryConfig struct {
	ProjectID        string        `mapstructure:"project_id"`
	Dataset          string        `mapstructure:"dataset"`
	CategoryCacheTTL time.Duration `mapstructure:"category_cache_ttl"`
}

type DeadLetterConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	Channel     string `mapstructure:"channel"`
	BalancesKey string `mapstructure:"balances_key"`
}

type NotionConfig struct {
	Token        string `mapstructure:"token"`
	AccountsDBID string `mapstructure:"accounts_db_id"`
}

// CategoriesConfig is the static sign table used when BigQuery is not
// configured.
type CategoriesConfig struct {
	Income  []string `mapstructure:"income"`
	Expense []string `mapstructure:"expense"`
}

// APIConfig configures the ops HTTP API. An empty Addr disables it.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]interface{}{
	"broker.bootstrap_servers":     []string{"localhost:9092"},
	"broker.group_id":              "hbudget-ledger",
	"broker.topic":                 "payment-operations",
	"broker.balance_topic":         "account-balance-commands",
	"broker.max_consumers":         1,
	"broker.health_check_interval": 30 * time.Second,
	"broker.circuit_breaker_delay": 5 * time.Second,
	"broker.poll_timeout":          500 * time.Millisecond,
	"broker.buffer_size":           30,
	"broker.workers":               30,
	"broker.shutdown_timeout":      10 * time.Second,

	"eventstore.backend":            "postgres",
	"eventstore.dsn":                "",
	"eventstore.retry_attempts":     3,
	"eventstore.backoff_base":       2.0,
	"eventstore.backoff_jitter":     time.Duration(0),
	"eventstore.concurrency":        20,
	"eventstore.rate_limit":         0.0,
	"eventstore.rate_burst":         0,
	"eventstore.attempt_timeout":    10 * time.Second,
	"eventstore.dead_letter_stream": eventstore.DefaultDeadLetterStream,
	"eventstore.read_batch_size":    eventstore.DefaultPageSize,

	"coalescer.capacity":      10000,
	"coalescer.debounce_ms":   50,
	"coalescer.drain_timeout": 5 * time.Second,

	"projection.backend":     "bigquery",
	"projection.sqlite_path": "ledger.db",

	"bigquery.project_id":         "",
	"bigquery.dataset":            "ledger",
	"bigquery.category_cache_ttl": 10 * time.Minute,

	"deadletter.gcs_bucket": "",
	"deadletter.gcs_prefix": "dead-letters",

	"redis.addr":         "",
	"redis.password":     "",
	"redis.db":           0,
	"redis.channel":      "ledger.balance-updated",
	"redis.balances_key": "ledger:balances",

	"notion.token":          "",
	"notion.accounts_db_id": "",

	"categories.income":  []string{},
	"categories.expense": []string{},

	"api.addr": ":8080",

	"log.level":  "info",
	"log.format": "console",
}

// Load reads the configuration. path is an optional YAML file; a missing
// .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("Load: .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("Load: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(len(c.Broker.BootstrapServers) > 0, "broker.bootstrap_servers is required")
	check(c.Broker.Topic != "", "broker.topic is required")
	check(c.Broker.MaxConsumers >= 1, "broker.max_consumers must be at least 1, got %d", c.Broker.MaxConsumers)
	check(c.Broker.Workers >= 1, "broker.workers must be at least 1, got %d", c.Broker.Workers)
	check(c.Broker.BufferSize >= 1, "broker.buffer_size must be at least 1, got %d", c.Broker.BufferSize)

	switch c.EventStore.Backend {
	case "postgres":
		check(c.EventStore.DSN != "", "eventstore.dsn is required for the postgres backend")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("eventstore.backend must be postgres or memory, got %q", c.EventStore.Backend))
	}
	check(c.EventStore.RetryAttempts >= 0, "eventstore.retry_attempts must not be negative")
	check(c.EventStore.BackoffBase >= 1, "eventstore.backoff_base must be at least 1, got %v", c.EventStore.BackoffBase)
	check(c.EventStore.Concurrency >= 1, "eventstore.concurrency must be at least 1, got %d", c.EventStore.Concurrency)
	check(c.EventStore.ReadBatchSize >= 1, "eventstore.read_batch_size must be at least 1, got %d", c.EventStore.ReadBatchSize)

	check(c.Coalescer.Capacity >= 1, "coalescer.capacity must be at least 1, got %d", c.Coalescer.Capacity)
	check(c.Coalescer.DebounceMS >= 0, "coalescer.debounce_ms must not be negative")

	switch c.Projection.Backend {
	case "bigquery":
		check(c.BigQuery.ProjectID != "", "bigquery.project_id is required for the bigquery backend")
	case "sqlite":
		check(c.Projection.SQLitePath != "", "projection.sqlite_path is required for the sqlite backend")
	default:
		errs = append(errs, fmt.Errorf("projection.backend must be bigquery or sqlite, got %q", c.Projection.Backend))
	}

	check((c.Notion.Token == "") == (c.Notion.AccountsDBID == ""), "notion.token and notion.accounts_db_id must be set together")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// KafkaClient returns the franz-go client settings.
func (c BrokerConfig) KafkaClient() kafka.ClientConfig {
	return kafka.ClientConfig{
		Brokers:     c.BootstrapServers,
		GroupID:     c.GroupID,
		PollTimeout: c.PollTimeout,
	}
}

// Supervisor returns the consumer supervisor settings.
func (c BrokerConfig) Supervisor() broker.Config {
	return broker.Config{
		GroupID:             c.GroupID,
		MaxConsumers:        c.MaxConsumers,
		HealthCheckInterval: c.HealthCheckInterval,
		CircuitBreakerDelay: c.CircuitBreakerDelay,
		BufferSize:          c.BufferSize,
		Workers:             c.Workers,
		ShutdownTimeout:     c.ShutdownTimeout,
	}
}

// Write returns the write client settings.
func (c EventStoreConfig) Write() eventstore.WriteConfig {
	cfg := eventstore.DefaultWriteConfig()
	cfg.Retry.MaxRetries = c.RetryAttempts
	cfg.Retry.BackoffBase = c.BackoffBase
	cfg.Retry.Jitter = c.BackoffJitter
	cfg.MaxConcurrent = c.Concurrency
	cfg.RatePerSecond = c.RateLimit
	cfg.RateBurst = c.RateBurst
	cfg.AttemptTimeout = c.AttemptTimeout
	if c.DeadLetterStream != "" {
		cfg.DeadLetterStream = c.DeadLetterStream
	}
	return cfg
}

// Coalescer returns the batch coalescer settings.
func (c CoalescerConfig) Coalescer() coalescer.Config {
	return coalescer.Config{
		Capacity:     c.Capacity,
		Debounce:     time.Duration(c.DebounceMS) * time.Millisecond,
		DrainTimeout: c.DrainTimeout,
	}
}
