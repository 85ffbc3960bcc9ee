package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPreviewCmd() *cobra.Command {
	var projectID, sourceID string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Lists what a source would harvest without storing it",
		Long: `Discovers one source and retrieves every document it finds, printing the
path, content type and size of each raw artifact. Nothing is normalized,
stored or published. Exits non-zero when any retrieval failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			artifacts, err := appInstance.Preview(cmd.Context(), projectID, sourceID)
			if err != nil {
				return fmt.Errorf("preview: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tCONTENT TYPE\tBYTES\tTRUNCATED\tERROR")
			total, failed := 0, 0
			for artifact, err := range artifacts {
				total++
				if err != nil {
					failed++
					fmt.Fprintf(tw, "%s\t\t\t\t%s\n", artifact.Path, err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t\n", artifact.Path, artifact.ContentType, len(artifact.Body), artifact.Truncated)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write preview: %w", err)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d retrievals failed", failed, total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project of the source (required)")
	cmd.Flags().StringVar(&sourceID, "source", "", "source to preview (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}
