package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

func newSourcesCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List sources and their chunk counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := r.get(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := app.Corpus.SourceStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("source stats: %w", err)
			}

			registered := app.Registry.Names()
			names := slices.Clone(registered)
			for s := range stats {
				if !slices.Contains(names, s) {
					names = append(names, s)
				}
			}
			slices.Sort(names)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-16s %8s  %s\n", "SOURCE", "CHUNKS", "REGISTERED")
			for _, s := range names {
				reg := "yes"
				if !slices.Contains(registered, s) {
					reg = "no"
				}
				fmt.Fprintf(out, "%-16s %8d  %s\n", s, stats[s], reg)
			}
			return nil
		},
	}
}
