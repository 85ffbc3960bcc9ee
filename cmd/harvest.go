package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

func newHarvestCmd() *cobra.Command {
	var projectID, sourceID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvests sources once and exits",
		Long: `Runs a manual harvest of every configured project, one project (--project)
or one source (--project with --source), waits for it to finish and prints a
per-source summary. Exits non-zero when any harvest failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sourceID != "" && projectID == "" {
				return fmt.Errorf("--source requires --project")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			items, err := appInstance.HarvestOnce(cmd.Context(), projectID, sourceID)
			if err != nil {
				return fmt.Errorf("harvest: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(items); err != nil {
					return fmt.Errorf("encode summary: %w", err)
				}
			} else if err := writeSummary(out, items); err != nil {
				return err
			}
			if failed := countFailed(items); failed > 0 {
				return fmt.Errorf("%d of %d harvests failed", failed, len(items))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "harvest only this project")
	cmd.Flags().StringVar(&sourceID, "source", "", "harvest only this source of --project")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the finished work items as JSON")
	return cmd
}

func writeSummary(w io.Writer, items []harvest.WorkItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATE\tNEW\tCHANGED\tUNCHANGED\tSKIPPED\tFAILED\tEVENTS\tERROR")
	for _, item := range items {
		c := item.Result.Counts()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			item.Source.Key(),
			item.State,
			c[harvest.DocumentNew],
			c[harvest.DocumentChanged],
			c[harvest.DocumentUnchanged],
			c[harvest.DocumentSkipped],
			c[harvest.DocumentFailed],
			item.Result.ChangeEvents,
			item.Result.ErrorText,
		)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func countFailed(items []harvest.WorkItem) int {
	n := 0
	for _, item := range items {
		if item.State == harvest.WorkFailed {
			n++
		}
	}
	return n
}
