package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "List the companies, years, quarters and document types in the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := openAgent(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer agent.Close()

			s, err := agent.Schema(cmd.Context())
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), s)
			}
			years := make([]string, len(s.Years))
			for i, y := range s.Years {
				years[i] = fmt.Sprint(y)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Companies\t%s\n", strings.Join(s.Companies, ", "))
			fmt.Fprintf(tw, "Years\t%s\n", strings.Join(years, ", "))
			fmt.Fprintf(tw, "Quarters\t%s\n", strings.Join(s.Quarters, ", "))
			fmt.Fprintf(tw, "Document types\t%s\n", strings.Join(s.DocTypes, ", "))
			return tw.Flush()
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the configured models and index state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := openAgent(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer agent.Close()

			info := agent.Info(cmd.Context())
			if flags.json {
				return printJSON(cmd.OutOrStdout(), info)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Provider\t%s\n", info.Provider)
			fmt.Fprintf(tw, "Model\t%s\n", info.Model)
			fmt.Fprintf(tw, "Critic model\t%s (enabled: %t)\n", info.CriticModel, info.CriticEnabled)
			fmt.Fprintf(tw, "Embeddings\t%s %s (%d dims)\n", info.EmbeddingProvider, info.EmbeddingModel, info.EmbeddingDim)
			fmt.Fprintf(tw, "Neo4j\t%s\n", info.Neo4jURI)
			fmt.Fprintf(tw, "Vector index\t%s (%d sections)\n", info.VectorPath, info.IndexedSections)
			fmt.Fprintf(tw, "Response cache\t%t\n", info.Cache)
			return tw.Flush()
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently answered questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := openAgent(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer agent.Close()

			logs, err := agent.RecentQueries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), logs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tPLAN\tSTATE\tDURATION\tQUESTION")
			for _, l := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.CreatedAt,
					l.PlanKind, l.State, l.Duration.Round(time.Millisecond), l.Query)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of queries to show")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
