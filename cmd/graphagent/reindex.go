package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
)

func newReindexCmd() *cobra.Command {
	var opts graphagent.ReindexOptions
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the section vector index from the graph",
		Long: `Copy section embeddings from the graph into the local vector index.

With --embed the section text is embedded with the configured embedding
provider instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := openAgent(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer agent.Close()

			stats, err := agent.Reindex(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seen %d, indexed %d, skipped %d, failed %d in %s\n",
				stats.Seen, stats.Indexed, stats.Skipped, stats.Failed, stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Embed, "embed", false, "Embed section text instead of copying graph embeddings")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "Clear the index first")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "Sections read per graph query")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "Texts per embedding call")
	return cmd
}
