package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Consumer is a broker.Consumer backed by its own kgo client in the
// configured consumer group. Offsets are committed manually.
type Consumer struct {
	id      string
	cfg     ClientConfig
	client  *kgo.Client
	tracker *offsetTracker
	log     zerolog.Logger

	mu    sync.Mutex
	topic string
}

// NewConsumer creates a group consumer client; it joins the group on
// Subscribe.
func NewConsumer(id string, cfg ClientConfig, log zerolog.Logger) (*Consumer, error) {
	cfg = cfg.withDefaults()
	tracker := newOffsetTracker(cfg.MaxPending)
	drop := func(_ context.Context, cl *kgo.Client, lost map[string][]int32) {
		tracker.forget(lost)
		cl.ResumeFetchPartitions(lost)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(id),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(cfg.PollTimeout),
		kgo.OnPartitionsRevoked(drop),
		kgo.OnPartitionsLost(drop),
	)
	if err != nil {
		return nil, fmt.Errorf("NewConsumer: %s: %w", id, err)
	}
	return &Consumer{
		id:      id,
		cfg:     cfg,
		client:  client,
		tracker: tracker,
		log:     log.With().Str("consumer_id", id).Logger(),
	}, nil
}

// NewFactory returns a broker.Factory building Consumers from cfg.
func NewFactory(cfg ClientConfig, log zerolog.Logger) broker.Factory {
	return func(_ context.Context, id string) (broker.Consumer, error) {
		return NewConsumer(id, cfg, log)
	}
}

func (c *Consumer) ID() string { return c.id }

// Subscribe adds topic to the consumed set after checking the cluster is
// reachable.
func (c *Consumer) Subscribe(ctx context.Context, topic string) error {
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("Subscribe: %s: %w", topic, classify(err))
	}
	c.mu.Lock()
	c.topic = topic
	c.mu.Unlock()

	c.client.AddConsumeTopics(topic)
	return nil
}

// Poll waits up to the poll timeout for records.
func (c *Consumer) Poll(ctx context.Context) ([]broker.Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	fetches := c.client.PollRecords(pollCtx, c.cfg.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, broker.ErrConsumerClosed
	}

	var firstErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		c.log.Warn().Err(err).Str("topic", topic).Int32("partition", partition).Msg("Fetch error")
		if firstErr == nil {
			firstErr = fmt.Errorf("%s[%d]: %w", topic, partition, classify(err))
		}
	})

	records := fetches.Records()
	if len(records) == 0 && firstErr != nil {
		return nil, fmt.Errorf("Poll: %w", firstErr)
	}

	if pause := c.tracker.track(records); len(pause) > 0 {
		c.log.Warn().Interface("partitions", pause).Msg("Too many uncommitted records, pausing fetches")
		c.client.PauseFetchPartitions(pause)
	}
	msgs := make([]broker.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, toMessage(r))
	}
	return msgs, nil
}

// Commit acknowledges handled messages, committing per partition only up
// to the highest offset below which everything was handled.
func (c *Consumer) Commit(ctx context.Context, msgs ...broker.Message) error {
	var (
		commit []*kgo.Record
		resume map[string][]int32
	)
	for _, m := range msgs {
		r, resumable := c.tracker.complete(m.Topic, m.Partition, m.Offset)
		if r != nil {
			commit = append(commit, r)
		}
		if resumable {
			resume = addPartition(resume, partitionKey{m.Topic, m.Partition})
		}
	}
	if len(resume) > 0 {
		c.client.ResumeFetchPartitions(resume)
	}
	if len(commit) == 0 {
		return nil
	}
	if err := c.client.CommitRecords(ctx, commit...); err != nil {
		return fmt.Errorf("Commit: %w", classify(err))
	}
	return nil
}

// Redeliver seeks msg's partition back to msg. Records after it that were
// already polled are delivered again too. A message no longer tracked
// because an earlier offset was rewound is left alone.
func (c *Consumer) Redeliver(_ context.Context, msg broker.Message) error {
	rewound, resumable := c.tracker.rewind(msg.Topic, msg.Partition, msg.Offset)
	if !rewound {
		return nil
	}
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		msg.Topic: {msg.Partition: {Epoch: -1, Offset: msg.Offset}},
	})
	if resumable {
		c.client.ResumeFetchPartitions(map[string][]int32{msg.Topic: {msg.Partition}})
	}
	c.log.Info().Str("message", msg.String()).Msg("Partition rewound for redelivery")
	return nil
}

// Unsubscribe stops consuming the subscribed topic.
func (c *Consumer) Unsubscribe(context.Context) error {
	c.mu.Lock()
	topic := c.topic
	c.topic = ""
	c.mu.Unlock()

	if topic != "" {
		c.client.PurgeTopicsFromConsuming(topic)
	}
	return nil
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

// classify maps franz-go errors onto the broker error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, kgo.ErrClientClosed):
		return fmt.Errorf("%w: %w", broker.ErrConsumerClosed, err)
	case errors.Is(err, kerr.UnknownTopicOrPartition), kerr.IsRetriable(err):
		return fmt.Errorf("%w: %w", broker.ErrTransient, err)
	}
	return err
}

func toMessage(r *kgo.Record) broker.Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return broker.Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

var _ broker.Consumer = (*Consumer)(nil)
