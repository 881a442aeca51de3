package commands

import (
	"github.com/spf13/cobra"

	"github.com/groundworkhq/groundwork/pkg/config"
	"github.com/groundworkhq/groundwork/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var autoApply bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the topology file and re-plan on change",
		Long: `Watch the topology file and recompute the plan whenever it changes.
With --apply, non-empty plans are applied immediately. Runs until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			log := rt.tel.Logger

			reload := func(nodes []*engine.ResourceNode) error {
				plan, err := rt.ctl.Plan(ctx, nodes, engine.PlanOptions{})
				if err != nil {
					return err
				}
				rt.tel.Metrics.ObservePlan(plan)

				if plan.IsNoOp() {
					log.Info().Str("plan_id", plan.ID).Msg("Topology unchanged, nothing to do")
					return nil
				}
				log.Info().Str("plan_id", plan.ID).
					Int("create", plan.Summary.ToCreate).
					Int("update", plan.Summary.ToUpdate).
					Int("replace", plan.Summary.ToReplace).
					Int("delete", plan.Summary.ToDelete).
					Msg("Plan computed")

				if !autoApply {
					return nil
				}

				rt.tel.Metrics.RunStarted()
				result, err := rt.ctl.Apply(ctx, plan)
				if err != nil {
					return err
				}
				rt.tel.Metrics.ObserveRun(result)
				rt.recordRun(ctx, plan.ID, result)
				if err := rt.world.Save(rt.worldPath); err != nil {
					log.Warn().Err(err).Msg("Saving simulated cloud failed")
				}
				log.Info().Str("run_id", result.RunID).Str("status", string(result.Status)).Msg("Apply finished")
				return nil
			}

			watcher := config.NewWatcher(rt.loader, log)
			if err := watcher.Watch(ctx, topologyPath, reload); err != nil {
				return err
			}

			// Evaluate the current file once before waiting for changes.
			if nodes, err := rt.loader.Load(topologyPath); err != nil {
				log.Error().Err(err).Msg("Initial topology load failed")
			} else if err := reload(nodes); err != nil {
				log.Error().Err(err).Msg("Initial evaluation failed")
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApply, "apply", false, "apply non-empty plans automatically")

	return cmd
}
