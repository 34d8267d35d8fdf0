package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/services"
)

type runFunc func(fn func(ctx context.Context, app *App, out *output, args []string) error) func(*cobra.Command, []string) error

func newBalanceCommand(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-key>",
		Short: "Show usage and quota for an account",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, app *App, out *output, args []string) error {
			usage, quota, err := app.Ledger.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			a := models.Account{Key: args[0], Usage: usage, Quota: quota}
			return out.print(map[string]any{
				"account_key": a.Key,
				"usage":       a.Usage,
				"quota":       a.Quota,
				"remaining":   a.Remaining(),
			}, func(w io.Writer) {
				fmt.Fprintf(w, "%s: used %d of %d (%d remaining)\n", a.Key, a.Usage, a.Quota, a.Remaining())
			})
		}),
	}
}

func newSlipsCommand(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "slips",
		Short: "List slips awaiting review",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, app *App, out *output, _ []string) error {
			list, err := app.Slips.Pending(ctx)
			if err != nil {
				return err
			}
			return out.print(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "no pending slips")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tACCOUNT\tAMOUNT\tPAYER\tREASON")
				for _, s := range list {
					amount := "-"
					if s.ExtractedAmount != nil {
						amount = fmt.Sprint(*s.ExtractedAmount)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.CorrelationID, s.AccountKey, amount, s.PayerName, s.Reason)
				}
				tw.Flush()
			})
		}),
	}
}

func newApproveCommand(run runFunc) *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "approve <slip-id>",
		Short: "Approve a slip and credit its amount",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "credit this amount instead of the one read from the slip")
	cmd.RunE = run(func(ctx context.Context, app *App, out *output, args []string) error {
		var (
			res services.SlipResult
			err error
		)
		if cmd.Flags().Changed("amount") {
			res, err = app.Slips.ApproveAmount(ctx, args[0], amount)
		} else {
			res, err = app.Slips.Approve(ctx, args[0])
		}
		if err != nil {
			return err
		}
		return printSlip(out, res)
	})
	return cmd
}

func newRejectCommand(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <slip-id>",
		Short: "Reject a slip without credit",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, app *App, out *output, args []string) error {
			res, err := app.Slips.Reject(ctx, args[0])
			if err != nil {
				return err
			}
			return printSlip(out, res)
		}),
	}
}

func newResetCommand(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <account-key>",
		Short: "Zero an account's usage and quota",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, app *App, out *output, args []string) error {
			if err := app.Ledger.Reset(ctx, args[0]); err != nil {
				return err
			}
			return out.print(map[string]string{"account_key": args[0], "status": "reset"}, func(w io.Writer) {
				fmt.Fprintf(w, "%s reset\n", args[0])
			})
		}),
	}
}

func newReportCommand(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Count usage per day",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, app *App, out *output, _ []string) error {
			days, err := app.Events.UsageByDate(ctx)
			if err != nil {
				return err
			}
			return out.print(days, func(w io.Writer) {
				total := 0
				for _, d := range days {
					fmt.Fprintf(w, "%s  %d\n", d.Date, d.Count)
					total += d.Count
				}
				fmt.Fprintf(w, "total  %d\n", total)
			})
		}),
	}
}

func printSlip(out *output, res services.SlipResult) error {
	return out.print(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s (applied=%t)\n", res.CorrelationID, res.Status, res.Applied)
	})
}
