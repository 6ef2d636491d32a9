package eval

import (
	"regexp"
	"strings"
	"unicode"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/planner"
	"github.com/algowizzzz/graphdb-agent-sec/synthesis"
)

// normalizeLLMText maps Unicode spaces and dashes to ASCII and strips
// zero-width characters so substring matching works on model output.
func normalizeLLMText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r >= '\u2010' && r <= '\u2014':
			b.WriteByte('-')
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// matcher tests facts against one body of text in three spellings:
// as written, without spaces, and without spaces, hyphens or commas.
type matcher struct {
	normalized, spaceless, bare string
}

func newMatcher(text string) matcher {
	n := normalizeLLMText(strings.ToLower(text))
	return matcher{normalized: n, spaceless: strings.ReplaceAll(n, " ", ""), bare: bare(n)}
}

func bare(s string) string {
	return strings.NewReplacer(" ", "", "-", "", ",", "").Replace(s)
}

// has reports whether any pipe-separated alternative of fact occurs.
func (m matcher) has(fact string) bool {
	for _, alt := range strings.Split(fact, "|") {
		alt = normalizeLLMText(strings.ToLower(strings.TrimSpace(alt)))
		if alt == "" {
			continue
		}
		if strings.Contains(m.normalized, alt) ||
			strings.Contains(m.spaceless, strings.ReplaceAll(alt, " ", "")) ||
			strings.Contains(m.bare, bare(alt)) {
			return true
		}
	}
	return false
}

func (m matcher) fraction(facts []string) float64 {
	if len(facts) == 0 {
		return 0
	}
	found := 0
	for _, f := range facts {
		if m.has(f) {
			found++
		}
	}
	return float64(found) / float64(len(facts))
}

// answerBody is the answer text without the disclaimer and sources list.
func answerBody(text string) string {
	if i := strings.Index(text, synthesis.Disclaimer); i >= 0 {
		return text[:i]
	}
	return text
}

// evidence concatenates what the answer was built from: extracted fields,
// narratives, source excerpts and metadata rows.
func evidence(answer *graphagent.Answer) string {
	var b strings.Builder
	for _, c := range answer.Chunks {
		for _, f := range c.Data {
			b.WriteString(f.Task + ": " + f.Value + "\n")
		}
		if c.Narrative != "" {
			b.WriteString(c.Narrative + "\n")
		}
	}
	for _, s := range answer.Sources {
		b.WriteString(s.Excerpt + "\n")
	}
	if answer.PlanKind == planner.PlanMetadata {
		b.WriteString(answer.Text)
	}
	return b.String()
}

// computeAccuracy is the fraction of expected facts found in the answer.
func computeAccuracy(answer *graphagent.Answer, expectedFacts []string) float64 {
	if answer == nil || answer.Text == "" {
		return 0
	}
	return newMatcher(answerBody(answer.Text)).fraction(expectedFacts)
}

// computeContextRecall is the fraction of expected facts present in the
// evidence, which separates retrieval misses from synthesis misses.
func computeContextRecall(answer *graphagent.Answer, expectedFacts []string) float64 {
	if answer == nil {
		return 0
	}
	return newMatcher(evidence(answer)).fraction(expectedFacts)
}

// numberPattern matches figures such as "7.4", "7,396" and "12%".
var numberPattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

var trivialNumbers = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true, "5": true,
}

// computeNumberGrounding is the fraction of non-trivial figures in the
// answer body that also occur in the evidence. Fiscal years and quarter
// numbers count like any other figure. An answer with no figures scores 1.
func computeNumberGrounding(answer *graphagent.Answer) float64 {
	if answer == nil || answer.Text == "" {
		return 0
	}
	corpus := bare(normalizeLLMText(evidence(answer)))
	seen := make(map[string]bool)
	total, grounded := 0, 0
	for _, num := range numberPattern.FindAllString(answerBody(answer.Text), -1) {
		num = strings.TrimRight(strings.ReplaceAll(num, ",", ""), ".")
		if trivialNumbers[num] || seen[num] {
			continue
		}
		seen[num] = true
		total++
		if strings.Contains(corpus, num) {
			grounded++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(grounded) / float64(total)
}
