package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/eval"
)

func newEvalCmd() *cobra.Command {
	var (
		output     string
		noCritique bool
	)
	cmd := &cobra.Command{
		Use:   "eval dataset.yaml",
		Short: "Score answers against a dataset of expected facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := eval.LoadDataset(args[0])
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			agent, err := openAgent(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer agent.Close()

			var opts []graphagent.AskOption
			if noCritique {
				opts = append(opts, graphagent.WithCritique(false))
			}
			report, err := eval.NewEvaluator(agent).Run(cmd.Context(), ds, opts...)
			if err != nil {
				return err
			}

			if output != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", output)
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprint(cmd.OutOrStdout(), eval.FormatReport(report))
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Write the JSON report to this path")
	cmd.Flags().BoolVar(&noCritique, "no-critique", false, "Skip the critic")
	return cmd
}
