// Package critic judges a synthesized report against the context it was
// written from. The critic is advisory: any failure accepts the report.
package critic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/algowizzzz/graphdb-agent-sec/llm"
)

// ErrCritic is logged when the critic cannot evaluate. It never reaches callers
// of Evaluate, which fall back to Accept.
var ErrCritic = errors.New("critic: evaluation failed")

// FallbackFeedback accompanies an Accept produced by a failed evaluation.
const FallbackFeedback = "Critic failed to evaluate, accepting by default."

// MaxContextChars caps the context sent to the critic, in runes.
const MaxContextChars = 180000

// Decision is the critic's verdict.
type Decision string

const (
	Accept Decision = "ACCEPT"
	Refine Decision = "REFINE"
)

// Verdict is one evaluation.
type Verdict struct {
	Decision Decision `json:"decision"`
	Feedback string   `json:"feedback"`
	// Fallback is set when the verdict was produced by a failed evaluation.
	Fallback bool `json:"fallback,omitempty"`
}

// LLM is the part of the gateway the critic needs.
type LLM interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Critic evaluates answers.
type Critic struct {
	llm   LLM
	model string
}

// New creates a critic that calls model. Empty model uses the provider default.
func New(l LLM, model string) *Critic {
	return &Critic{llm: l, model: model}
}

const systemPrompt = "You are a critical evaluator of financial reports. You respond in JSON."

func buildPrompt(query, answer, evidence string) string {
	return fmt.Sprintf(`Evaluate whether the report below is a faithful synthesis of the provided context, in relation to the question.

Question:
%s

Provided context:
%s

Report:
%s

Respond with a JSON object with two keys:
1. "decision": "ACCEPT" or "REFINE".
   - ACCEPT when the report faithfully reflects the context, even if the context is not enough to fully
     answer the question.
   - REFINE only when the report misrepresents the context, states information the context does not hold,
     or leaves out content that was present.
2. "feedback": one sentence. For ACCEPT with thin context, say what is missing. For REFINE, say what is wrong,
   e.g. "The report claims a 10%% rise in net income but the context states 5%%."`, query, evidence, answer)
}

// Evaluate judges answer. It always returns a verdict; on any failure the
// verdict is Accept with Fallback set.
func (c *Critic) Evaluate(ctx context.Context, query, answer, evidence string) Verdict {
	if r := []rune(evidence); len(r) > MaxContextChars {
		evidence = string(r[:MaxContextChars])
	}

	v, err := c.evaluate(ctx, query, answer, evidence)
	if err != nil {
		slog.WarnContext(ctx, "critic: accepting by default", "error", fmt.Errorf("%w: %v", ErrCritic, err))
		return Verdict{Decision: Accept, Feedback: FallbackFeedback, Fallback: true}
	}
	slog.InfoContext(ctx, "critic: verdict", "decision", v.Decision, "feedback", v.Feedback)
	return v
}

func (c *Critic) evaluate(ctx context.Context, query, answer, evidence string) (Verdict, error) {
	resp, err := c.llm.Chat(ctx, llm.ChatRequest{
		Model:          c.model,
		Messages:       []llm.Message{llm.System(systemPrompt), llm.User(buildPrompt(query, answer, evidence))},
		ResponseFormat: llm.FormatJSON,
	})
	if err != nil {
		return Verdict{}, err
	}

	var raw struct {
		Decision string `json:"decision"`
		Feedback string `json:"feedback"`
	}
	if err := llm.DecodeJSON(resp.Content, &raw); err != nil {
		return Verdict{}, err
	}

	v := Verdict{Feedback: strings.TrimSpace(raw.Feedback)}
	switch Decision(strings.ToUpper(strings.TrimSpace(raw.Decision))) {
	case Accept:
		v.Decision = Accept
	case Refine:
		v.Decision = Refine
	default:
		return Verdict{}, fmt.Errorf("unknown decision %q", raw.Decision)
	}
	return v, nil
}
