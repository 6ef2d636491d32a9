package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/algowizzzz/graphdb-agent-sec/metrics"
)

// JSONInstruction is appended to the prompt for providers without a
// native JSON mode.
const JSONInstruction = "You MUST respond with a single, valid JSON object and nothing else."

// Gateway is the single entry point for LLM calls. It applies a token
// bucket, a per-call deadline and the JSON shim in front of a Provider.
type Gateway struct {
	provider   Provider
	name       string
	nativeJSON bool
	timeout    time.Duration
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithTimeout bounds every call. Zero disables the deadline.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithRateLimit spaces calls to at most rps per second with the given
// burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) GatewayOption {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics records call counts and latency.
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway wraps p. name labels logs and metrics.
func NewGateway(p Provider, name string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:   p,
		name:       name,
		nativeJSON: SupportsJSONMode(p),
		timeout:    2 * time.Minute,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("llm %s: rate limiter: %w", g.name, err)
	}
	return nil
}

func (g *Gateway) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Chat sends req through the limiter and deadline. A JSON request to a
// provider without JSON mode is rewritten by ApplyJSONShim.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.ResponseFormat == FormatJSON && !g.nativeJSON {
		req = ApplyJSONShim(req)
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := g.deadline(ctx)
	defer cancel()

	start := time.Now()
	resp, err := g.provider.Chat(ctx, req)
	elapsed := time.Since(start)
	g.metrics.ObserveLLM(g.name, "chat", elapsed, err)
	if err != nil {
		slog.WarnContext(ctx, "llm: chat failed", "provider", g.name, "duration", elapsed, "error", err)
		return nil, fmt.Errorf("llm %s: chat: %w", g.name, err)
	}
	g.metrics.AddTokens(g.name, resp.PromptTokens, resp.CompletionTokens)
	slog.DebugContext(ctx, "llm: chat",
		"provider", g.name,
		"json", req.ResponseFormat == FormatJSON,
		"duration", elapsed,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
	)
	return resp, nil
}

// Embed generates embeddings under the same limiter and deadline.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := g.deadline(ctx)
	defer cancel()

	start := time.Now()
	out, err := g.provider.Embed(ctx, texts)
	g.metrics.ObserveLLM(g.name, "embed", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("llm %s: embed: %w", g.name, err)
	}
	return out, nil
}

// ApplyJSONShim returns a copy of req with the JSON instruction appended
// to the last user message, or added as a new user message when the
// conversation does not end with one. ResponseFormat is cleared.
func ApplyJSONShim(req ChatRequest) ChatRequest {
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)

	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleUser {
		msgs[n-1].Content += "\n\n" + JSONInstruction
	} else {
		msgs = append(msgs, User(JSONInstruction))
	}
	req.Messages = msgs
	req.ResponseFormat = ""
	return req
}
