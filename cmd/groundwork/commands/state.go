package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStateCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "state",
		Short: "List the stored resource state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			stored, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(cmd.OutOrStdout(), stored)
			}

			if len(stored) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "State is empty.")
				return nil
			}

			ids := make([]string, 0, len(stored))
			for id := range stored {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tSTATUS\tPROVIDER ID\tGATE")
			for _, id := range ids {
				rec := stored[id]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, rec.Status, rec.ProviderID, rec.ParentGate)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the state as JSON")

	return cmd
}
