package llm

import "context"

// hostedDefault is the endpoint and default model of a hosted
// OpenAI-compatible API.
type hostedDefault struct {
	baseURL    string
	pathPrefix string
	model      string
}

var hostedDefaults = map[string]hostedDefault{
	"openai":     {baseURL: "https://api.openai.com", pathPrefix: "/v1", model: "gpt-4o"},
	"groq":       {baseURL: "https://api.groq.com/openai", pathPrefix: "/v1", model: "llama-3.3-70b-versatile"},
	"gemini":     {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", pathPrefix: "", model: "gemini-1.5-pro-latest"},
	"openrouter": {baseURL: "https://openrouter.ai/api", pathPrefix: "/v1", model: "openai/gpt-4o"},
}

// hostedProvider talks to a hosted OpenAI-compatible API with per-vendor
// defaults for base URL, path prefix and model.
type hostedProvider struct {
	name string
	base openAICompatClient
}

func newHosted(cfg Config) Provider {
	def := hostedDefaults[cfg.Provider]
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.model
	}
	return &hostedProvider{name: cfg.Provider, base: newOpenAICompatClientPrefix(cfg, def.pathPrefix)}
}

// NewOpenAI creates a provider for the OpenAI API. Embedding models are
// selected through cfg.Model on the embedding config, e.g.
// text-embedding-3-small (1536 dim).
func NewOpenAI(cfg Config) Provider {
	cfg.Provider = "openai"
	return newHosted(cfg)
}

func (p *hostedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *hostedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
