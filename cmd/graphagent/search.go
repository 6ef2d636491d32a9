package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/retrieval"
)

type searchFlags struct {
	strategy   string
	companies  []string
	years      []int
	quarters   []string
	docTypes   []string
	sectionIDs []int64
	concept    string
	exclude    []string
	limit      int
}

func newSearchCmd() *cobra.Command {
	var f searchFlags
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Retrieve sections with an explicit strategy and summarize them",
		Long: `Run one retrieval strategy without the planner.

  direct         sections by id (--section-id)
  comprehensive  every section matching the graph filters
  hybrid         vector candidates for --concept, filtered by the graph

Without --strategy the flags decide: ids mean direct, a concept means
hybrid, otherwise comprehensive.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			agent, err := openAgent(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer agent.Close()

			answer, err := agent.Search(cmd.Context(), strings.Join(args, " "), req)
			if err != nil {
				return err
			}
			return printAnswer(cmd.OutOrStdout(), answer, false)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.strategy, "strategy", "", "direct, comprehensive or hybrid")
	fl.StringSliceVar(&f.companies, "company", nil, "Company ticker (repeatable)")
	fl.IntSliceVar(&f.years, "year", nil, "Fiscal year (repeatable)")
	fl.StringSliceVar(&f.quarters, "quarter", nil, "Quarter label, e.g. Q1 (repeatable)")
	fl.StringSliceVar(&f.docTypes, "doc-type", nil, "Document type, e.g. 10-K (repeatable)")
	fl.Int64SliceVar(&f.sectionIDs, "section-id", nil, "Section id for direct retrieval (repeatable)")
	fl.StringVar(&f.concept, "concept", "", "Concept for hybrid similarity search")
	fl.StringSliceVar(&f.exclude, "exclude", nil, "Filenames to leave out")
	fl.IntVar(&f.limit, "limit", 0, "Cap direct results")
	return cmd
}

func (f searchFlags) request() (retrieval.Request, error) {
	strategy, err := retrieval.ParseStrategy(f.strategy)
	if err != nil {
		return retrieval.Request{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	quarters := make([]string, len(f.quarters))
	for i, q := range f.quarters {
		quarters[i] = strings.ToUpper(q)
	}
	return retrieval.Request{
		Strategy: strategy,
		Filters: filing.Filters{
			Companies: f.companies,
			Years:     f.years,
			Quarters:  quarters,
			DocTypes:  f.docTypes,
		},
		SectionIDs:    f.sectionIDs,
		Concept:       f.concept,
		ExcludedFiles: f.exclude,
		Limit:         f.limit,
	}, nil
}
