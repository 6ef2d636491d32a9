package graphagent

import (
	"strings"
	"testing"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
)

func TestSplitSentences(t *testing.T) {
	got := splitSentences("Net income was $7.4 billion. Revenue rose 5%? Done! Trailing text")
	want := []string{"Net income was $7.4 billion.", "Revenue rose 5%?", "Done!", "Trailing text"}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestKeyTerms(t *testing.T) {
	terms := keyTerms("Net income was $7.4 billion in 2023, with this growth.")
	for _, w := range []string{"income", "7.4", "billion", "2023", "growth"} {
		if !terms[w] {
			t.Errorf("expected %q in terms %v", w, terms)
		}
	}
	for _, w := range []string{"net", "was", "in", "with", "this"} {
		if terms[w] {
			t.Errorf("%q should be excluded", w)
		}
	}
}

func TestExcerpt(t *testing.T) {
	text := "The bank operates in many regions. Net income was $7.4 billion for the quarter. Deposits grew modestly."
	got := excerpt(text, keyTerms("Net income reached $7.4 billion."))
	if got != "Net income was $7.4 billion for the quarter." {
		t.Errorf("excerpt: got %q", got)
	}

	if got := excerpt(text, keyTerms("Liquidity coverage ratio")); got != "" {
		t.Errorf("expected no excerpt, got %q", got)
	}
	if got := excerpt("", keyTerms("income")); got != "" {
		t.Errorf("expected no excerpt for empty text, got %q", got)
	}
}

func TestExcerpt_AdjacentSentence(t *testing.T) {
	text := "Revenue was $10 billion. Net income was $7.4 billion. Other items."
	got := excerpt(text, keyTerms("Revenue $10 billion and net income $7.4 billion"))
	if got != "Revenue was $10 billion. Net income was $7.4 billion." {
		t.Errorf("excerpt: got %q", got)
	}
}

func TestExcerpt_Clipped(t *testing.T) {
	text := strings.Repeat("word ", 100) + "."
	got := excerpt(text, keyTerms("word"))
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected clipped excerpt, got %q", got)
	}
	if runeLen(got) > excerptMaxLen+3 {
		t.Errorf("excerpt too long: %d runes", runeLen(got))
	}
}

func TestBuildSources(t *testing.T) {
	sections := []filing.Section{
		{ID: 7, Filename: "BAC_10K_2023_Q4_MDA.txt", Company: "BAC", Year: 2023, Quarter: "Q4", DocType: "10-K",
			Text: "Net income was $26.5 billion. Headcount was stable."},
		{ID: 9, Name: "Risk Factors", Company: "BAC", Text: "Competition is intense."},
	}
	got := buildSources("BAC earned net income of $26.5 billion.", sections)
	if len(got) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(got))
	}
	if got[0].SectionID != 7 || got[0].Filename != "BAC_10K_2023_Q4_MDA.txt" || got[0].Year != 2023 {
		t.Errorf("source 0: %+v", got[0])
	}
	if got[0].Excerpt != "Net income was $26.5 billion." {
		t.Errorf("source 0 excerpt: %q", got[0].Excerpt)
	}
	if got[1].Filename != "Risk Factors" {
		t.Errorf("expected name fallback, got %q", got[1].Filename)
	}
	if got[1].Excerpt != "" {
		t.Errorf("expected empty excerpt, got %q", got[1].Excerpt)
	}
}
