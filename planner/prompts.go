package planner

import (
	"encoding/json"
	"fmt"
	"strings"
)

const classifyPrompt = `You classify questions about a financial filings graph database.

A metadata query asks about the structure of the dataset, not about what a document says.
Examples: "What companies are in the dataset?", "Which years are available for ZION?",
"List the documents for BAC in Q1 2023".

A content query asks for information inside the documents: summaries, risks, figures, sections.
Examples: "What were the risk factors for JPM in 2022?", "Give me a summary of BAC in Q1 2025".

Schema:
- (:Company {name: "TICKER"})
- (:Year {value: YYYY})
- (:Quarter {label: "Q#"})
- (:Document {document_type: "10-K", filing_date: "YYYY-MM-DD"})
- (:Section {name, filename})
- (Company)-[:HAS_YEAR]->(Year)-[:HAS_QUARTER]->(Quarter)-[:HAS_DOC]->(Document)-[:HAS_SECTION]->(Section)

For a metadata query respond with:
{
  "query_type": "metadata",
  "cypher_query": "MATCH (n:Company) RETURN DISTINCT n.name AS value ORDER BY value",
  "response_format": "list_of_strings",
  "human_readable_answer": "Here are the companies in the dataset:"
}
The Cypher must be read-only.

For a content query respond with:
{"query_type": "content", "cypher_query": null, "response_format": null, "human_readable_answer": null}

Respond with a single JSON object only.`

func buildCompanyPrompt(companies []string) string {
	list, _ := json.Marshal(companies)
	return fmt.Sprintf(`You identify which companies from a fixed list a question is about.
The question may use full names, abbreviations or tickers. Map each mention onto the ticker in the list,
for example "JP Morgan" maps to "JPM" when "JPM" is listed.

Available companies:
%s

Rules:
1. Only return tickers from the list.
2. If no listed company is mentioned, return an empty list.
3. If the question asks about all companies, return the whole list.

Respond with a single JSON object: {"companies": ["TICKER", ...]}`, list)
}

func buildContextPrompt(years []int, quarters, docTypes []string) string {
	y, _ := json.Marshal(years)
	q, _ := json.Marshal(quarters)
	d, _ := json.Marshal(docTypes)
	return fmt.Sprintf(`You extract the year, quarter and document type a question refers to.

Available data for the company:
- Years: %s
- Quarters: %s
- Document types: %s

Rules:
1. Years: 4-digit years from the available list. A range expands to each year in it. Otherwise [].
2. Quarters: labels Q1, Q2, Q3 or Q4 ("3rd quarter" is Q3). Otherwise [].
3. Document types: only from the available list. "annual report" or "annual filing" is 10-K,
   "quarterly report" or "quarterly filing" is 10-Q. Otherwise [].

Each field is decided on its own. A quarter mention does NOT imply a document type: unless the
question explicitly names a document type or report kind, "document_types" MUST be [].

Respond with a single JSON object: {"years": [YYYY], "quarters": ["Q#"], "document_types": ["..."]}`, y, q, d)
}

func buildGuidePrompt(query string, readable []string) string {
	docs, _ := json.MarshalIndent(readable, "", "  ")
	return fmt.Sprintf(`You are a financial analyst planning how to answer a question about SEC filings.

Question:
%s

Available document sections:
%s

Produce a JSON object with exactly these keys:
1. "analysis_goal": one sentence describing what the final report must accomplish.
2. "sections_to_retrieve": the section ids from the list above that are needed. Be selective.
3. "extraction_checklist": a list of {"task": "...", "type": "..."} items. Use "table_extraction" for
   precise figures likely found in financial tables (net income, revenue, EPS, loan balances) and
   "narrative_summary" for qualitative content (drivers, guidance, risk factors).

Example:
{
  "analysis_goal": "Compare the Q2 2025 financial performance of BAC and JPM.",
  "sections_to_retrieve": [5348, 3781],
  "extraction_checklist": [
    {"task": "Extract Net Income, Revenue and EPS for each company for Q2 2025.", "type": "table_extraction"},
    {"task": "Summarize the key drivers of revenue and expense changes.", "type": "narrative_summary"}
  ]
}

Respond with a single JSON object only.`, query, docs)
}

// readableSections renders the enumerated sections verbatim for the guide prompt.
func readableSections(p *Plan) []string {
	out := make([]string, len(p.Available))
	for i, s := range p.Available {
		out[i] = fmt.Sprintf("- Company: %s, Document: %s, Year: %d, Quarter: %s, Section Name: %s, Section ID: %d",
			s.Company, s.DocType, s.Year, s.Quarter, s.Name, s.ID)
	}
	return out
}

func userQuery(query string) string {
	return "Query: " + strings.TrimSpace(query)
}
