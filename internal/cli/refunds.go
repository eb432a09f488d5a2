package cli

import (
	"context"

	researchdomain "github.com/smallbiznis/marketpulse/internal/research/domain"
	"github.com/spf13/cobra"
)

type RefundsOptions struct {
	*RootOptions
	Limit int
}

func NewRefundsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RefundsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "refunds",
		Short: "Repair refunds that could not be issued",
	}

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Retry refunds for tasks flagged refund_pending",
		Long: `Retry refunds for tasks flagged refund_pending.

Refunds are idempotent per task id, so running this next to the scheduler's
refund_reconcile job never double-credits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc researchdomain.Service
			return withServices(cmd.Context(), func(ctx context.Context) error {
				n, err := svc.ReconcileRefunds(ctx, opts.Limit)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, map[string]int{"reconciled": n})
			}, &svc)
		},
	}
	reconcile.Flags().IntVar(&opts.Limit, "limit", 100, "maximum tasks to process")

	cmd.AddCommand(reconcile)
	return cmd
}
