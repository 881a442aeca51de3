package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		skipRefresh bool
		approve     []string
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan and execute the topology",
		Long: `Compute the execution plan and apply it: resources are created, updated,
replaced, and deleted in dependency order with bounded parallelism.
Asynchronously-ready resources are polled until usable before their
dependents start.`,
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

			if plan.IsNoOp() {
				printPlan(cmd.OutOrStdout(), plan)
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to do.")
				return nil
			}

			rt.tel.Metrics.RunStarted()
			result, err := rt.ctl.Apply(ctx, plan)
			if err != nil {
				return err
			}
			rt.tel.Metrics.ObserveRun(result)
			rt.recordRun(ctx, plan.ID, result)

			if stored, err := rt.store.Load(ctx); err == nil {
				rt.tel.Metrics.SetManagedResources(len(stored))
			}

			if jsonOut {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printApply(cmd.OutOrStdout(), result)
			}

			if result.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipRefresh, "skip-refresh", false, "skip the live provider state refresh")
	cmd.Flags().StringSliceVar(&approve, "approve-recreate", nil, "node IDs approved for recreation after missing-resource drift")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the run result as JSON")

	return cmd
}
