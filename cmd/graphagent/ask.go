package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/export"
)

type askFlags struct {
	showPlan       bool
	noCritique     bool
	maxRefinements int
	exclude        []string
	xlsxOut        string
	batch          string
}

func newAskCmd() *cobra.Command {
	var f askFlags
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question about the filings",
		Long: `Plan, retrieve, synthesize and critique an answer to one question.

With --batch, questions are read from the first column of an XLSX workbook
and answered in order. Failed questions are reported and skipped.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if f.batch == "" && len(args) == 0 {
				return fmt.Errorf("%w: ask needs a question or --batch", errUsage)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, f, strings.Join(args, " "))
		},
	}
	cmd.Flags().BoolVar(&f.showPlan, "show-plan", false, "Print the query plan before the answer")
	cmd.Flags().BoolVar(&f.noCritique, "no-critique", false, "Skip the critic")
	cmd.Flags().IntVar(&f.maxRefinements, "max-refinements", -1, "Override the refinement bound")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Filenames to leave out")
	cmd.Flags().StringVar(&f.xlsxOut, "xlsx", "", "Write the answers and extractions to an XLSX workbook")
	cmd.Flags().StringVar(&f.batch, "batch", "", "Read questions from an XLSX workbook")
	return cmd
}

func (f askFlags) options() []graphagent.AskOption {
	var opts []graphagent.AskOption
	if f.noCritique {
		opts = append(opts, graphagent.WithCritique(false))
	}
	if f.maxRefinements >= 0 {
		opts = append(opts, graphagent.WithMaxRefinements(f.maxRefinements))
	}
	if len(f.exclude) > 0 {
		opts = append(opts, graphagent.WithExcludedFiles(f.exclude...))
	}
	return opts
}

// questions returns the single question or the batch workbook's questions.
func (f askFlags) questions(question string) ([]string, error) {
	if f.batch == "" {
		return []string{question}, nil
	}
	questions, err := export.ReadQuestions(f.batch)
	if err != nil {
		return nil, fmt.Errorf("%w: --batch: %v", errUsage, err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: --batch %s has no questions", errUsage, f.batch)
	}
	return questions, nil
}

func runAsk(cmd *cobra.Command, f askFlags, question string) error {
	ctx := cmd.Context()
	questions, err := f.questions(question)
	if err != nil {
		return err
	}

	agent, err := openAgent(ctx, nil)
	if err != nil {
		return err
	}
	defer agent.Close()

	out := cmd.OutOrStdout()
	var reports []export.Report
	var failed int
	for i, q := range questions {
		if len(questions) > 1 {
			fmt.Fprintf(out, "[%d/%d] %s\n", i+1, len(questions), q)
		}
		answer, err := agent.Ask(ctx, q, f.options()...)
		if err != nil {
			if len(questions) == 1 {
				return err
			}
			failed++
			fmt.Fprintln(cmd.ErrOrStderr(), graphagent.UserMessage(err))
			reports = append(reports, export.Report{Query: q, Answer: graphagent.UserMessage(err)})
			continue
		}
		if err := printAnswer(out, answer, f.showPlan); err != nil {
			return err
		}
		reports = append(reports, export.Report{Query: q, Answer: answer.Text, Chunks: answer.Chunks})
	}

	if f.xlsxOut != "" {
		if err := writeWorkbook(f.xlsxOut, reports); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", f.xlsxOut)
	}
	if failed == len(questions) {
		return fmt.Errorf("all %d questions failed", failed)
	}
	return nil
}

func printAnswer(w io.Writer, answer *graphagent.Answer, showPlan bool) error {
	if flags.json {
		return printJSON(w, answer)
	}
	if showPlan && answer.Plan != nil {
		fmt.Fprintln(w, graphagent.FormatPlan(answer.Plan))
		fmt.Fprintln(w)
	}
	if answer.Preamble != "" {
		fmt.Fprintln(w, answer.Preamble)
	}
	fmt.Fprintln(w, answer.Text)
	if answer.Refinements > 0 {
		fmt.Fprintf(w, "\n(refined %d time(s), %s)\n", answer.Refinements, answer.Duration.Round(time.Millisecond))
	}
	return nil
}

func writeWorkbook(path string, reports []export.Report) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.WriteXLSX(file, reports...); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
