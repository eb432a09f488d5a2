package cli

import (
	"context"

	researchdomain "github.com/smallbiznis/marketpulse/internal/research/domain"
	"github.com/spf13/cobra"
)

type TasksOptions struct {
	*RootOptions
	UserID   string
	Status   string
	Page     int
	PageSize int
}

func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TasksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect research tasks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's research tasks, newest first",
		Example: `  marketpulsectl tasks list --user alice
  marketpulsectl tasks list --user alice --status failed -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc researchdomain.Service
			return withServices(cmd.Context(), func(ctx context.Context) error {
				resp, err := svc.List(ctx, researchdomain.ListRequest{
					UserID:   opts.UserID,
					Page:     opts.Page,
					PageSize: opts.PageSize,
					Status:   opts.Status,
				})
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, resp)
			}, &svc)
		},
	}
	list.Flags().StringVar(&opts.UserID, "user", "", "user id (required)")
	list.Flags().StringVar(&opts.Status, "status", "", "filter by status")
	list.Flags().IntVar(&opts.Page, "page", 1, "page number")
	list.Flags().IntVar(&opts.PageSize, "page-size", 20, "tasks per page")
	_ = list.MarkFlagRequired("user")

	cmd.AddCommand(list)
	return cmd
}
