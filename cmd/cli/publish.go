package main

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/allmantool/hbudget-ledger/internal/app"
	"github.com/allmantool/hbudget-ledger/internal/broker/kafka"
	"github.com/allmantool/hbudget-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	kind       string
	key        string
	account    string
	amount     string
	category   string
	contractor string
	comment    string
	day        string
	transfer   bool
}

func publishCmd() *cobra.Command {
	var opts publishOptions
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a payment-operation event to the ingest topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := opts.event(time.Now())
			if err != nil {
				return err
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			producer, err := kafka.NewProducer(cfg.Broker.BootstrapServers, app.ProducerHandler)
			if err != nil {
				return err
			}
			defer producer.Close()

			if err := producer.PublishEvent(cmd.Context(), cfg.Broker.Topic, ev); err != nil {
				return err
			}
			log.Info().
				Str("topic", cfg.Broker.Topic).
				Str("kind", string(ev.Kind)).
				Str("key", ev.Transaction.Key.String()).
				Msg("Event published")
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s %s to %s\n", ev.Kind, ev.Transaction.Key, cfg.Broker.Topic)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.kind, "kind", "add", "Event kind (add, update, remove)")
	f.StringVar(&opts.key, "key", "", "Operation key (defaults to a new UUID; required for update and remove)")
	f.StringVar(&opts.account, "account", "", "Payment account id")
	f.StringVar(&opts.amount, "amount", "0", "Unsigned amount; the category decides the sign")
	f.StringVar(&opts.category, "category", "", "Category id")
	f.StringVar(&opts.contractor, "contractor", "", "Contractor id")
	f.StringVar(&opts.comment, "comment", "", "Free-form comment")
	f.StringVar(&opts.day, "day", "", "Operation day, YYYY-MM-DD")
	f.BoolVar(&opts.transfer, "transfer", false, "Mark the operation as a transfer leg")
	cmd.MarkFlagRequired("account")
	return cmd
}

// event builds and validates the event the flags describe.
func (o publishOptions) event(now time.Time) (domain.PaymentOperationEvent, error) {
	kind, err := domain.ParseEventKind(o.kind)
	if err != nil {
		return domain.PaymentOperationEvent{}, err
	}

	key := uuid.New()
	if o.key != "" {
		if key, err = uuid.Parse(o.key); err != nil {
			return domain.PaymentOperationEvent{}, fmt.Errorf("invalid --key: %w", err)
		}
	} else if kind != domain.EventKindAdd {
		return domain.PaymentOperationEvent{}, fmt.Errorf("--key is required for %s", kind)
	}

	amount, err := decimal.NewFromString(o.amount)
	if err != nil {
		return domain.PaymentOperationEvent{}, fmt.Errorf("invalid --amount: %w", err)
	}

	var day civil.Date
	if o.day != "" {
		if day, err = civil.ParseDate(o.day); err != nil {
			return domain.PaymentOperationEvent{}, fmt.Errorf("invalid --day: %w", err)
		}
	}

	txKind := domain.TransactionKindPayment
	if o.transfer {
		txKind = domain.TransactionKindTransfer
	}

	ev := domain.PaymentOperationEvent{
		Kind: kind,
		Transaction: domain.FinancialTransaction{
			Key:                key,
			AccountID:          o.account,
			Amount:             amount,
			CategoryID:         o.category,
			ContractorID:       o.contractor,
			Comment:            o.comment,
			OperationDay:       day,
			Kind:               txKind,
			IngestionTimestamp: now.UnixMilli(),
		},
	}
	if err := ev.Validate(); err != nil {
		return domain.PaymentOperationEvent{}, err
	}
	return ev, nil
}
