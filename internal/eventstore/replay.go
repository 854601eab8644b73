package eventstore

import (
	"context"
	"fmt"

	"github.com/allmantool/hbudget-ledger/internal/domain"
)

// ReplayTarget names the stream a dead-lettered event is re-appended to:
// the stream it originally failed on, else the period of its transaction.
func ReplayTarget(ev domain.PaymentOperationEvent) (string, error) {
	if ev.Metadata.OriginalStream != "" {
		return ev.Metadata.OriginalStream, nil
	}
	if ev.Transaction.OperationDay.IsZero() {
		return "", fmt.Errorf("ReplayTarget: %w: no original stream and no operation day for %s", domain.ErrValidation, ev.Transaction.Key)
	}
	return ev.Transaction.Period().StreamName(), nil
}

// Replay re-appends a dead-lettered event with fresh metadata and returns
// the stream it went to. The dead-letter stream itself is append-only and
// keeps the original entry.
func (c *WriteClient) Replay(ctx context.Context, ev domain.PaymentOperationEvent) (string, error) {
	stream, err := ReplayTarget(ev)
	if err != nil {
		return "", err
	}
	if stream == c.cfg.DeadLetterStream {
		return "", fmt.Errorf("Replay: %w: refusing to replay onto the dead-letter stream", domain.ErrValidation)
	}
	if err := c.Append(ctx, ev, stream, ev.Kind); err != nil {
		return stream, fmt.Errorf("Replay: %w", err)
	}
	return stream, nil
}
