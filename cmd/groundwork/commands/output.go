package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/groundworkhq/groundwork/pkg/engine"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPlan renders a plan: drift notices first, then the non-noop steps, then
// the summary line.
func printPlan(out io.Writer, plan *engine.Plan) {
	for _, notice := range plan.Drift {
		fmt.Fprintf(out, "Drift: %s %s (%s)\n", notice.Node, notice.Kind, notice.Detail)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, step := range plan.Steps {
		if step.Action == engine.ActionNoOp {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", step.Action, step.Addr, step.Reason)
	}
	_ = w.Flush()

	fmt.Fprintf(out, "Plan %s: %d to create, %d to update, %d to replace, %d to delete, %d unchanged.\n",
		plan.ID,
		plan.Summary.ToCreate, plan.Summary.ToUpdate, plan.Summary.ToReplace,
		plan.Summary.ToDelete, plan.Summary.NoChange)
}

// printApply renders a run result: one line per node that did something,
// errors for failed and blocked nodes, then the summary line.
func printApply(out io.Writer, result *engine.ApplyResult) {
	ids := make([]string, 0, len(result.Nodes))
	for id := range result.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, id := range ids {
		res := result.Nodes[id]
		if res.Outcome == engine.OutcomeNoOp {
			continue
		}
		line := fmt.Sprintf("%s\t%s\t%s", id, res.Action, res.Outcome)
		if res.Error != nil {
			line += fmt.Sprintf("\t%s: %s", res.Error.Code, res.Error.Message)
		}
		fmt.Fprintln(w, line)
	}
	_ = w.Flush()

	fmt.Fprintf(out, "Run %s %s: %d ready, %d deleted, %d unchanged, %d failed, %d blocked, %d skipped.\n",
		result.RunID, result.Status,
		result.Summary.Ready, result.Summary.Deleted, result.Summary.NoOp,
		result.Summary.Failed, result.Summary.Blocked, result.Summary.Skipped)
}
