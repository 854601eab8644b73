package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/allmantool/hbudget-ledger/internal/app"
	"github.com/allmantool/hbudget-ledger/internal/projection"
	"github.com/spf13/cobra"
)

func projectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "project [account-id]",
		Short: "Replay an account's events and print its balance history",
		Long: `Reads every period stream of the account from the event store and folds
it into the running-balance projection. Nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Reader.ReadAccount(ctx, args[0])
				if err != nil {
					return err
				}
				signs, err := a.Resolver.Resolve(ctx, projection.CategoriesOf(events))
				if err != nil {
					return err
				}
				p, err := projection.Project(events, signs)
				if err != nil {
					return err
				}
				if asJSON {
					return writeProjectionJSON(cmd.OutOrStdout(), args[0], p)
				}
				return writeProjection(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func writeProjection(w io.Writer, p projection.Projection) error {
	if p.Empty() {
		_, err := fmt.Fprintln(w, "No operations.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "DAY\tOPERATION\tCATEGORY\tAMOUNT\tBALANCE\t")
	for _, r := range p.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			r.Record.OperationDay, r.Record.Key, r.Record.CategoryID,
			r.Record.Amount.StringFixed(2), r.Balance.StringFixed(2))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nFinal balance: %s (%d operation(s))\n", p.Balance.StringFixed(2), len(p.Records))
	return err
}

func writeProjectionJSON(w io.Writer, accountID string, p projection.Projection) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"account_id": accountID,
		"balance":    p.Balance,
		"records":    p.Records,
	})
}
