package cli

import (
	"context"
	"strings"

	"github.com/smallbiznis/marketpulse/internal/clock"
	creditdomain "github.com/smallbiznis/marketpulse/internal/credit/domain"
	"github.com/spf13/cobra"
)

type CreditsOptions struct {
	*RootOptions
	UserID    string
	Month     string
	Amount    int64
	PageSize  int
	PageToken string
}

func NewCreditsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreditsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and top up credit balances",
	}
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", "", "user id (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show the balance row for a month",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc creditdomain.Service
			return withServices(cmd.Context(), func(ctx context.Context) error {
				month := strings.TrimSpace(opts.Month)
				if month == "" {
					month = clock.MonthKey(clock.SystemClock{}.Now())
				}
				b, err := svc.GetBalance(ctx, opts.UserID, month)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, b)
			}, &svc)
		},
	}
	balance.Flags().StringVar(&opts.Month, "month", "", "billing month YYYY-MM (default current)")

	grant := &cobra.Command{
		Use:   "grant",
		Short: "Add credits to the current month's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc creditdomain.Service
			return withServices(cmd.Context(), func(ctx context.Context) error {
				mut, err := svc.AddCredits(ctx, creditdomain.AddCreditsRequest{UserID: opts.UserID, Amount: opts.Amount})
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, mut)
			}, &svc)
		},
	}
	grant.Flags().Int64Var(&opts.Amount, "amount", 0, "credits to add")
	_ = grant.MarkFlagRequired("amount")

	transactions := &cobra.Command{
		Use:   "transactions",
		Short: "List ledger lines, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc creditdomain.Service
			return withServices(cmd.Context(), func(ctx context.Context) error {
				resp, err := svc.ListTransactions(ctx, creditdomain.ListTransactionsRequest{
					UserID:    opts.UserID,
					PageToken: opts.PageToken,
					PageSize:  opts.PageSize,
				})
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, resp)
			}, &svc)
		},
	}
	transactions.Flags().IntVar(&opts.PageSize, "page-size", 20, "lines per page")
	transactions.Flags().StringVar(&opts.PageToken, "page-token", "", "cursor from a previous page")

	cmd.AddCommand(balance, grant, transactions)
	return cmd
}
