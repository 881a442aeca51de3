package commands

import (
	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		skipRefresh bool
		approve     []string
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the execution plan",
		Long: `Compute the execution plan by comparing the topology file with stored
state. Live provider state is refreshed first: resources deleted or changed
out-of-band are reported as drift and frozen until confirmed.`,
		Example: `  # Plan against the default topology and state
  groundwork plan

  # Plan without refreshing live provider state
  groundwork plan --skip-refresh

  # Confirm recreation of a resource reported missing
  groundwork plan --approve-recreate bucket.site`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			nodes, err := rt.loader.Load(topologyPath)
			if err != nil {
				return err
			}

			plan, err := rt.ctl.Plan(ctx, nodes, engine.PlanOptions{
				SkipRefresh:      skipRefresh,
				RecreateApproved: approve,
			})
			if err != nil {
				return err
			}
			rt.tel.Metrics.ObservePlan(plan)

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipRefresh, "skip-refresh", false, "skip the live provider state refresh")
	cmd.Flags().StringSliceVar(&approve, "approve-recreate", nil, "node IDs approved for recreation after missing-resource drift")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the plan as JSON")

	return cmd
}
