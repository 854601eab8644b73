package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/twmb/franz-go/pkg/kgo"
)

// syncProducer is the part of *kgo.Client the producer uses.
type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer publishes envelopes synchronously.
type Producer struct {
	client  syncProducer
	handler string
	now     func() time.Time
}

// NewProducer creates a producer for brokers. handler names the
// originating component in every envelope.
func NewProducer(brokers []string, handler string) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("NewProducer: %w", err)
	}
	return newProducer(client, handler), nil
}

func newProducer(client syncProducer, handler string) *Producer {
	return &Producer{client: client, handler: handler, now: time.Now}
}

// Publish sends env to topic and waits for the acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	if err := p.client.ProduceSync(ctx, toRecord(topic, env)).FirstErr(); err != nil {
		return fmt.Errorf("Publish: %s %s: %w", topic, env.MessageType, err)
	}
	return nil
}

// PublishEvent publishes a payment-operation event keyed by operation key.
func (p *Producer) PublishEvent(ctx context.Context, topic string, ev domain.PaymentOperationEvent) error {
	env, err := broker.NewEnvelope(broker.MessageTypePaymentOperation, p.handler, ev.Transaction.Key.String(), ev, p.now())
	if err != nil {
		return fmt.Errorf("PublishEvent: %w", err)
	}
	return p.Publish(ctx, topic, env)
}

// Close flushes and closes the client.
func (p *Producer) Close() {
	p.client.Close()
}

// BalanceCommand is the "set account balance" message.
type BalanceCommand struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// BalancePublisher sends balance commands to the account-balance owner.
type BalancePublisher struct {
	producer *Producer
	topic    string
}

// NewBalancePublisher publishes balance commands to topic.
func NewBalancePublisher(producer *Producer, topic string) *BalancePublisher {
	return &BalancePublisher{producer: producer, topic: topic}
}

// SetAccountBalance publishes one command keyed by account id.
func (b *BalancePublisher) SetAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	cmd := BalanceCommand{AccountID: accountID, Balance: balance}
	env, err := broker.NewEnvelope(broker.MessageTypeSetAccountBalance, b.producer.handler, accountID, cmd, b.producer.now())
	if err != nil {
		return fmt.Errorf("SetAccountBalance: %w", err)
	}
	return b.producer.Publish(ctx, b.topic, env)
}

func toRecord(topic string, env broker.Envelope) *kgo.Record {
	headers := env.Headers()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := &kgo.Record{
		Topic:     topic,
		Key:       []byte(env.Key),
		Value:     env.Payload,
		Timestamp: env.OccurredOn,
	}
	for _, k := range keys {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	return rec
}
