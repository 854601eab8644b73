package kafka

import (
	"context"
	"fmt"

	"github.com/allmantool/hbudget-ledger/internal/broker"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// LagInspector reports consumer-group lag through the admin API.
type LagInspector struct {
	client *kgo.Client
	admin  *kadm.Client
}

// NewLagInspector creates an admin client for brokers.
func NewLagInspector(brokers []string) (*LagInspector, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("NewLagInspector: %w", err)
	}
	return &LagInspector{client: client, admin: kadm.NewClient(client)}, nil
}

// Inspect implements broker.LagInspector.
func (l *LagInspector) Inspect(ctx context.Context, group, topic string) (broker.LagStatus, error) {
	lags, err := l.admin.Lag(ctx, group)
	if err != nil {
		return broker.LagStatus{}, fmt.Errorf("Inspect: %s: %w", group, err)
	}
	described, ok := lags[group]
	if !ok {
		return broker.LagStatus{}, nil
	}
	if described.DescribeErr != nil {
		return broker.LagStatus{}, fmt.Errorf("Inspect: describe %s: %w", group, described.DescribeErr)
	}
	if described.FetchErr != nil {
		return broker.LagStatus{}, fmt.Errorf("Inspect: fetch offsets %s: %w", group, described.FetchErr)
	}
	return lagStatusOf(described.Lag, topic), nil
}

// Close releases the admin client.
func (l *LagInspector) Close() {
	l.client.Close()
}

func lagStatusOf(lag kadm.GroupLag, topic string) broker.LagStatus {
	var status broker.LagStatus
	for _, member := range lag[topic] {
		if member.Lag > 0 {
			status.Lag += member.Lag
		}
		if member.Member != nil {
			status.Assigned = true
		}
	}
	return status
}

var _ broker.LagInspector = (*LagInspector)(nil)
