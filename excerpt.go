package graphagent

import (
	"strings"
	"unicode"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
)

// excerptMaxLen is the approximate maximum length of an excerpt, in runes.
const excerptMaxLen = 300

// Source is a filing section an answer was written from.
type Source struct {
	SectionID int64  `json:"section_id"`
	Filename  string `json:"filename"`
	Company   string `json:"company,omitempty"`
	Year      int    `json:"year,omitempty"`
	Quarter   string `json:"quarter,omitempty"`
	DocType   string `json:"doc_type,omitempty"`
	// Excerpt is the passage of the section that best supports the answer.
	Excerpt string `json:"excerpt,omitempty"`
}

// buildSources lists the sections behind answer, each with the excerpt that
// overlaps the answer most.
func buildSources(answer string, sections []filing.Section) []Source {
	terms := keyTerms(answer)
	out := make([]Source, 0, len(sections))
	for _, sec := range sections {
		name := sec.Filename
		if name == "" {
			name = sec.Name
		}
		out = append(out, Source{
			SectionID: sec.ID,
			Filename:  name,
			Company:   sec.Company,
			Year:      sec.Year,
			Quarter:   sec.Quarter,
			DocType:   sec.DocType,
			Excerpt:   excerpt(sec.Text, terms),
		})
	}
	return out
}

// excerpt returns the sentence of text sharing the most terms, joined with
// its better neighbour when both fit in excerptMaxLen. It returns "" when no
// sentence shares a term.
func excerpt(text string, terms map[string]bool) string {
	if len(terms) == 0 || text == "" {
		return ""
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	scores := make([]int, len(sentences))
	best := 0
	for i, s := range sentences {
		for w := range keyTerms(s) {
			if terms[w] {
				scores[i]++
			}
		}
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[best] == 0 {
		return ""
	}

	out := sentences[best]
	if runeLen(out) >= excerptMaxLen {
		return clip(out, excerptMaxLen)
	}

	// neighbour with the higher score, previous wins ties
	prev, next := best-1, best+1
	pick := -1
	switch {
	case prev >= 0 && next < len(sentences):
		pick = prev
		if scores[next] > scores[prev] {
			pick = next
		}
	case prev >= 0:
		pick = prev
	case next < len(sentences):
		pick = next
	}
	if pick >= 0 && scores[pick] > 0 && runeLen(out)+1+runeLen(sentences[pick]) <= excerptMaxLen {
		if pick < best {
			out = sentences[pick] + " " + out
		} else {
			out = out + " " + sentences[pick]
		}
	}
	return out
}

// keyTerms returns the lowercased words of text worth matching on: any
// token holding a digit, and words of four or more letters that are not
// stop words.
func keyTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '%'
	})
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".")
		if tok == "" {
			continue
		}
		if strings.IndexFunc(tok, unicode.IsDigit) >= 0 {
			terms[tok] = true
			continue
		}
		if runeLen(tok) >= 4 && !stopWords[tok] {
			terms[tok] = true
		}
	}
	return terms
}

// splitSentences splits at '.', '?' or '!' followed by whitespace or the
// end of text. Decimal points never end a sentence.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			sentences = append(sentences, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
			flush()
		}
	}
	flush()
	return sentences
}

func runeLen(s string) int { return len([]rune(s)) }

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	cut := n
	for i := n; i > n/2; i-- {
		if unicode.IsSpace(r[i]) {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(r[:cut])) + "..."
}

var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
	"company": true, "quarter": true, "year": true, "during": true,
}
