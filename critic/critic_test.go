package critic

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algowizzzz/graphdb-agent-sec/llm"
)

type stubLLM struct {
	reply string
	err   error
	req   llm.ChatRequest
}

func (s *stubLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Content: s.reply}, nil
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		err      error
		want     Decision
		fallback bool
	}{
		{"accept", `{"decision": "ACCEPT", "feedback": "Faithful."}`, nil, Accept, false},
		{"refine lowercase", `{"decision": "refine", "feedback": "Net income is misquoted."}`, nil, Refine, false},
		{"wrapped json", "Verdict:\n```json\n{\"decision\": \"Refine\", \"feedback\": \"x\"}\n```", nil, Refine, false},
		{"unknown decision", `{"decision": "MAYBE", "feedback": "?"}`, nil, Accept, true},
		{"not json", "Looks good to me.", nil, Accept, true},
		{"provider error", "", errors.New("503"), Accept, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&stubLLM{reply: tt.reply, err: tt.err}, "gpt-4o-mini")
			v := c.Evaluate(context.Background(), "q", "answer", "context")
			assert.Equal(t, tt.want, v.Decision)
			assert.Equal(t, tt.fallback, v.Fallback)
			if tt.fallback {
				assert.Equal(t, FallbackFeedback, v.Feedback)
			}
		})
	}
}

func TestEvaluateRequest(t *testing.T) {
	l := &stubLLM{reply: `{"decision": "ACCEPT", "feedback": "ok"}`}
	c := New(l, "gpt-4o-mini")
	c.Evaluate(context.Background(), "BAC net income", "Net income was $7.4 billion.", strings.Repeat("x", MaxContextChars+500))

	assert.Equal(t, "gpt-4o-mini", l.req.Model)
	assert.Equal(t, llm.FormatJSON, l.req.ResponseFormat)
	require.Len(t, l.req.Messages, 2)
	prompt := l.req.Messages[1].Content
	assert.Contains(t, prompt, "BAC net income")
	assert.Contains(t, prompt, "Net income was $7.4 billion.")
	assert.Equal(t, MaxContextChars, strings.Count(prompt, "x")-strings.Count(buildPrompt("", "", ""), "x"))
}
