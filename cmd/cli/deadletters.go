package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/app"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/allmantool/hbudget-ledger/internal/eventstore"
	"github.com/allmantool/hbudget-ledger/internal/logger"
	"github.com/allmantool/hbudget-ledger/internal/spill"
	"github.com/spf13/cobra"
)

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and replay events whose appends failed",
	}
	cmd.AddCommand(listDeadLettersCmd())
	cmd.AddCommand(replayDeadLettersCmd())
	return cmd
}

func listDeadLettersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the dead-letter stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				letters, err := a.Reader.ListDeadLetters(ctx)
				if err != nil {
					return err
				}
				return writeDeadLetters(cmd.OutOrStdout(), letters)
			})
		},
	}
}

func replayDeadLettersCmd() *cobra.Command {
	var (
		positions []uint
		fromGCS   string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-append dead-lettered events to their original streams",
		Long: `Re-appends parked events with fresh metadata. Without --position every
entry of the dead-letter stream is replayed. With --from-gcs the events of
a spilled object are replayed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var events []domain.PaymentOperationEvent
				var err error
				if fromGCS != "" {
					events, err = spilledEvents(ctx, a, fromGCS)
				} else {
					events, err = parkedEvents(ctx, a.Reader, positions)
				}
				if err != nil {
					return err
				}
				return replay(ctx, cmd.OutOrStdout(), a.Writer, events)
			})
		},
	}
	cmd.Flags().UintSliceVarP(&positions, "position", "p", nil, "Dead-letter stream positions to replay (default all)")
	cmd.Flags().StringVar(&fromGCS, "from-gcs", "", "gs:// URI of a spilled dead-letter object")
	cmd.MarkFlagsMutuallyExclusive("position", "from-gcs")
	return cmd
}

// parkedEvents returns the dead letters at positions, or all of them.
func parkedEvents(ctx context.Context, reader *eventstore.ReadClient, positions []uint) ([]domain.PaymentOperationEvent, error) {
	letters, err := reader.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	return selectDeadLetters(letters, positions)
}

func selectDeadLetters(letters []eventstore.DeadLetter, positions []uint) ([]domain.PaymentOperationEvent, error) {
	if len(positions) == 0 {
		events := make([]domain.PaymentOperationEvent, 0, len(letters))
		for _, dl := range letters {
			events = append(events, dl.Event)
		}
		return events, nil
	}

	byPosition := make(map[uint64]domain.PaymentOperationEvent, len(letters))
	for _, dl := range letters {
		byPosition[dl.Position] = dl.Event
	}
	events := make([]domain.PaymentOperationEvent, 0, len(positions))
	for _, pos := range positions {
		ev, ok := byPosition[uint64(pos)]
		if !ok {
			return nil, fmt.Errorf("no dead letter at position %d", pos)
		}
		events = append(events, ev)
	}
	return events, nil
}

// spilledEvents decodes the events of a spilled object.
func spilledEvents(ctx context.Context, a *app.App, uri string) ([]domain.PaymentOperationEvent, error) {
	spiller := a.Spiller
	if spiller == nil {
		objects, err := spill.NewGCSObjects(ctx)
		if err != nil {
			return nil, err
		}
		defer objects.Close()
		spiller = spill.NewSpiller(objects, "", "", logger.FromContext(ctx))
	}

	env, err := spiller.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	records := env.EventRecords()
	events := make([]domain.PaymentOperationEvent, 0, len(records))
	for _, rec := range records {
		ev, err := eventstore.DecodeRecord(rec, now)
		if err != nil {
			return nil, err
		}
		if ev.Metadata.OriginalStream == "" {
			ev.Metadata.OriginalStream = env.Stream
		}
		events = append(events, ev)
	}
	return events, nil
}

func replay(ctx context.Context, w io.Writer, writer *eventstore.WriteClient, events []domain.PaymentOperationEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(w, "Nothing to replay.")
		return nil
	}
	failed := 0
	for _, ev := range events {
		stream, err := writer.Replay(ctx, ev)
		if err != nil {
			failed++
			fmt.Fprintf(w, "FAILED  %s %s: %v\n", ev.Kind, ev.Transaction.Key, err)
			continue
		}
		fmt.Fprintf(w, "OK      %s %s -> %s\n", ev.Kind, ev.Transaction.Key, stream)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d event(s) could not be replayed", failed, len(events))
	}
	fmt.Fprintf(w, "Replayed %d event(s).\n", len(events))
	return nil
}

func writeDeadLetters(w io.Writer, letters []eventstore.DeadLetter) error {
	if len(letters) == 0 {
		_, err := fmt.Fprintln(w, "No dead letters.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POSITION\tKIND\tOPERATION\tSTREAM\tRETRIES\tERROR")
	for _, dl := range letters {
		meta := dl.Event.Metadata
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			dl.Position, dl.Event.Kind, dl.Event.Transaction.Key, meta.OriginalStream, meta.RetryCount, meta.Exception)
	}
	return tw.Flush()
}
