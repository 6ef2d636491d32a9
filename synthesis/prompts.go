package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"
)

const tableSystemPrompt = "You are a data extraction expert that only responds with JSON."

const narrativeSystemPrompt = "You are an expert financial analyst."

const reduceSystemPrompt = "You are RiskGPT, a financial analyst who writes reports only from the context provided."

func buildTablePrompt(text string, tasks []string) string {
	list, _ := json.MarshalIndent(tasks, "", "  ")
	return fmt.Sprintf(`Extract the requested data points from the text below. The text may be a rough text rendering
of a financial document, including its tables.

Data points to extract:
%s

Text to analyze:
---
%s
---

Return one JSON object. Each key is a data point description exactly as listed above and each value is
the figure found in the text, with its unit. If a data point is not in the text, its value MUST be "%s".
Return only the JSON object.

Example:
{
  "Net Income for Q2 2025": "$7.4 billion",
  "Allowance for credit losses at March 31, 2025": "%s"
}`, list, text, NotFound, NotFound)
}

func buildNarrativePrompt(text string, tasks []string, label string) string {
	list, _ := json.MarshalIndent(tasks, "", "  ")
	return fmt.Sprintf(`Summarize a section of a financial document against a list of objectives.

Document section: %s

Objectives:
%s

Text to analyze:
---
%s
---

Write a concise point-by-point summary that addresses each objective in order. Use only information
relevant to the objectives. If the text has nothing for an objective, say that it was not found.`, label, list, text)
}

func buildReducePrompt(query, goal, context, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Write the final report for the question below using only the provided context.

Question:
%s

Analysis goal:
%s

Context (extracted JSON data and narrative summaries from each source document):
---
%s
---

Rules:
1. Combine the extracted data and the narrative summaries into one coherent report that meets the analysis goal.
2. Every figure MUST be taken verbatim from an "Extracted Data" JSON object. Never derive figures from the narrative.
3. Use the narrative summaries to explain drivers, trends and risks.
4. If a value is "%s" or "%s", state explicitly that it was not available in the documents. Never invent data.
5. Format the report in markdown with headings, bullet points and bold text where it helps.
`, query, goal, context, NotFound, ExtractionError)
	if feedback != "" {
		fmt.Fprintf(&b, "\nA reviewer found problems with a previous draft. Address this feedback:\n%s\n", feedback)
	}
	return b.String()
}

func buildStrictReminder(unquoted, unsurfaced []string) string {
	var b strings.Builder
	if len(unquoted) > 0 {
		fmt.Fprintf(&b, "Your previous report did not quote these extracted values verbatim:\n- %s\n", strings.Join(unquoted, "\n- "))
	}
	if len(unsurfaced) > 0 {
		fmt.Fprintf(&b, "Your previous report left out these items, which were %q or %q in the Extracted Data:\n- %s\n",
			NotFound, ExtractionError, strings.Join(unsurfaced, "\n- "))
	}
	b.WriteString("Rewrite the report so each extracted value appears exactly as written in the Extracted Data, and state explicitly which items were not available in the documents.")
	return b.String()
}
