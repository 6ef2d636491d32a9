package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/algowizzzz/graphdb-agent-sec/llm"
)

func buildContext(inputs []Input) string {
	parts := make([]string, len(inputs))
	for i, in := range inputs {
		parts[i] = fmt.Sprintf("--- START: Source from '%s' ---\n%s\n--- END: Source from '%s' ---",
			in.Filename, in.Text, in.Filename)
	}
	return strings.Join(parts, "\n\n")
}

// reduceInto writes res.Answer from res.Inputs.
func (s *Synthesizer) reduceInto(ctx context.Context, res *Result, feedback string) error {
	if len(res.Inputs) == 0 {
		res.Answer = NoInformation
		return nil
	}

	msgs := []llm.Message{
		llm.System(reduceSystemPrompt),
		llm.User(buildReducePrompt(res.Query, res.Goal, buildContext(res.Inputs), feedback)),
	}
	body, err := s.reduceCall(ctx, msgs)
	if err != nil {
		return err
	}

	if s.strict {
		unquoted, unsurfaced := unquotedValues(body, res.Chunks), unsurfacedTasks(body, res.Chunks)
		if len(unquoted) > 0 || len(unsurfaced) > 0 {
			slog.InfoContext(ctx, "synthesis: report misses extracted data, re-requesting",
				"unquoted", len(unquoted), "unsurfaced", len(unsurfaced))
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, Content: body},
				llm.User(buildStrictReminder(unquoted, unsurfaced)))
			if retry, err := s.reduceCall(ctx, msgs); err == nil {
				body = retry
			} else {
				slog.WarnContext(ctx, "synthesis: strict re-request failed", "error", err)
			}
			unquoted, unsurfaced = unquotedValues(body, res.Chunks), unsurfacedTasks(body, res.Chunks)
			for _, v := range unquoted {
				slog.WarnContext(ctx, "synthesis: extracted value not quoted in report", "value", v)
			}
			for _, t := range unsurfaced {
				slog.WarnContext(ctx, "synthesis: missing task not reported as missing", "task", t)
			}
		}
		res.Unquoted = unquoted
		res.Unsurfaced = unsurfaced
	}

	res.Answer = finalize(body, res.Sources)
	return nil
}

func (s *Synthesizer) reduceCall(ctx context.Context, msgs []llm.Message) (string, error) {
	resp, err := s.llm.Chat(ctx, llm.ChatRequest{Model: s.model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("%w: reduce: %v", ErrSynthesis, err)
	}
	body := stripDisclaimer(resp.Content)
	if body == "" {
		return "", fmt.Errorf("%w: reduce returned an empty report", ErrSynthesis)
	}
	return body, nil
}

// stripDisclaimer removes a disclaimer the model echoed so the fixed one
// is appended exactly once.
func stripDisclaimer(s string) string {
	plain := strings.Trim(Disclaimer, "*")
	s = strings.ReplaceAll(s, Disclaimer, "")
	s = strings.ReplaceAll(s, plain, "")
	return strings.TrimSpace(s)
}

func finalize(body string, sources []string) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n")
	b.WriteString(Disclaimer)
	b.WriteString(SourcesSection(sources))
	return b.String()
}

// SourcesSection renders the trailing source list.
func SourcesSection(sources []string) string {
	if len(sources) == 0 {
		return "\n\nSources:\n- None"
	}
	return "\n\nSources:\n- " + strings.Join(sources, "\n- ")
}

// unquotedValues returns extracted values that do not appear verbatim in
// the report. Missing markers are not checked.
func unquotedValues(report string, chunks []ChunkResult) []string {
	var missing []string
	for _, c := range chunks {
		for _, f := range c.Data {
			if f.Value == NotFound || f.Value == ExtractionError {
				continue
			}
			if !strings.Contains(report, f.Value) && !slices.Contains(missing, f.Value) {
				missing = append(missing, f.Value)
			}
		}
	}
	return missing
}

// missingPhrases are the ways a report may say a value was unavailable.
var missingPhrases = []string{"not found", "not available", "unavailable", "not disclosed", "not reported", "extraction error"}

// unsurfacedTasks returns tasks marked NotFound or ExtractionError when the
// report neither names the task nor says anything was missing.
func unsurfacedTasks(report string, chunks []ChunkResult) []string {
	lower := strings.ToLower(report)
	for _, p := range missingPhrases {
		if strings.Contains(lower, p) {
			return nil
		}
	}
	var out []string
	for _, c := range chunks {
		for _, f := range c.Data {
			if f.Value != NotFound && f.Value != ExtractionError {
				continue
			}
			if !strings.Contains(lower, strings.ToLower(f.Task)) && !slices.Contains(out, f.Task) {
				out = append(out, f.Task)
			}
		}
	}
	return out
}
