package cli

import (
	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/spf13/cobra"
)

type retryView struct {
	Attempts  int    `json:"attempts" yaml:"attempts"`
	BaseDelay string `json:"base_delay" yaml:"base_delay"`
	MaxDelay  string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// policyView renders durations the way research.yml spells them.
type policyView struct {
	Research struct {
		MaxSources    int       `json:"max_sources" yaml:"max_sources"`
		EngineTimeout string    `json:"engine_timeout" yaml:"engine_timeout"`
		TrackerTTL    string    `json:"tracker_ttl" yaml:"tracker_ttl"`
		StaleAfter    string    `json:"stale_after" yaml:"stale_after"`
		RefundRetry   retryView `json:"refund_retry" yaml:"refund_retry"`
		CAS           retryView `json:"cas" yaml:"cas"`
	} `json:"research" yaml:"research"`
}

func newPolicyView(p config.ResearchPolicy) policyView {
	var v policyView
	v.Research.MaxSources = p.MaxSources
	v.Research.EngineTimeout = p.EngineTimeout.String()
	v.Research.TrackerTTL = p.TrackerTTL.String()
	v.Research.StaleAfter = p.StaleAfter.String()
	v.Research.RefundRetry = newRetryView(p.RefundRetry)
	v.Research.CAS = newRetryView(p.CAS)
	return v
}

func newRetryView(p config.RetryPolicy) retryView {
	v := retryView{Attempts: p.Attempts, BaseDelay: p.BaseDelay.String()}
	if p.MaxDelay > 0 {
		v.MaxDelay = p.MaxDelay.String()
	}
	return v
}

func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	var defaults bool

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the research policy",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective research policy",
		Long: `Print the effective research policy: research.yml from /etc/marketpulse
or the working directory, overridden by MARKETPULSE_* variables. With
--defaults the built-in policy is printed, ready to save as research.yml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := config.DefaultResearchPolicy()
			if !defaults {
				holder, err := config.NewResearchPolicyHolder()
				if err != nil {
					return err
				}
				policy = holder.Get()
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, newPolicyView(policy))
		},
	}
	show.Flags().BoolVar(&defaults, "defaults", false, "print built-in defaults instead of the loaded file")

	cmd.AddCommand(show)
	return cmd
}
