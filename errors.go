package graphagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/algowizzzz/graphdb-agent-sec/critic"
	"github.com/algowizzzz/graphdb-agent-sec/planner"
	"github.com/algowizzzz/graphdb-agent-sec/retrieval"
	"github.com/algowizzzz/graphdb-agent-sec/synthesis"
)

var (
	// ErrNoEntityFound is returned when no company in the question exists in the graph.
	ErrNoEntityFound = planner.ErrNoEntityFound

	// ErrNoContentAvailable is returned when the grounded filters match no sections.
	ErrNoContentAvailable = planner.ErrNoContentAvailable

	// ErrPlanGeneration is returned when the LLM produced an unusable plan.
	ErrPlanGeneration = planner.ErrPlanGeneration

	// ErrRetrievalEmpty is returned when the planned sections have no text.
	ErrRetrievalEmpty = errors.New("graphagent: no extractable text for the planned sections")

	// ErrSynthesis is returned when every extraction call, or the report call, failed.
	ErrSynthesis = synthesis.ErrSynthesis

	// ErrCritic marks a failed critique. It is logged, never returned.
	ErrCritic = critic.ErrCritic

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("graphagent: invalid configuration")

	// ErrClosed is returned when using an agent after Close.
	ErrClosed = errors.New("graphagent: agent is closed")
)

// StageError records the state a query failed in.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// UserMessage turns a pipeline error into a sentence fit for the person
// who asked the question.
func UserMessage(err error) string {
	var stage State
	var se *StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoEntityFound):
		return "I could not find any company from the dataset in your question. Try naming a company by its ticker or full name."
	case errors.Is(err, ErrNoContentAvailable):
		return "No filings matched the companies, years, quarters or document types in your question."
	case errors.Is(err, ErrPlanGeneration):
		return "I could not work out a plan to answer that question. Please rephrase it and try again."
	case errors.Is(err, ErrRetrievalEmpty):
		return "The planned filing sections have no extractable text."
	case errors.Is(err, ErrSynthesis):
		return "I retrieved the filings but could not extract an answer from them. Please try again later."
	case errors.Is(err, retrieval.ErrEmptyConcept):
		return "A similarity search needs a concept to search for."
	case errors.Is(err, context.DeadlineExceeded):
		if stage != "" {
			return fmt.Sprintf("The request timed out while %s.", stage.Activity())
		}
		return "The request timed out."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case stage != "":
		return fmt.Sprintf("Something went wrong while %s. Please try again.", stage.Activity())
	default:
		return "Something went wrong while answering your question. Please try again."
	}
}
