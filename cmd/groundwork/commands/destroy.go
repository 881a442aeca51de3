package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy every managed resource",
		Long: `Destroy all resources in the state store, consumers before producers.
Requires --auto-approve; there is no interactive confirmation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !autoApprove {
				return fmt.Errorf("destroy is irreversible; re-run with --auto-approve")
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan, err := rt.ctl.PlanDestroy(ctx, engine.PlanOptions{})
			if err != nil {
				return err
			}
			if plan.IsNoOp() {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to destroy.")
				return nil
			}

			rt.tel.Metrics.RunStarted()
			result, err := rt.ctl.Apply(ctx, plan)
			if err != nil {
				return err
			}
			rt.tel.Metrics.ObserveRun(result)
			rt.recordRun(ctx, plan.ID, result)

			printApply(cmd.OutOrStdout(), result)
			if result.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "confirm destruction of all managed resources")

	return cmd
}
