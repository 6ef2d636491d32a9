package graphagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/llm"
)

// Config holds all configuration for the agent.
type Config struct {
	// LLM is the chat provider used for planning, extraction and synthesis.
	// An empty Model is filled from the provider's model tiers using Tier.
	LLM  llm.Config `json:"llm" yaml:"llm"`
	Tier string     `json:"tier" yaml:"tier"` // default, fast, powerful

	// Embedding embeds hybrid-search concepts and, on reindex, section text.
	Embedding    llm.Config `json:"embedding" yaml:"embedding"`
	EmbeddingDim int        `json:"embedding_dim" yaml:"embedding_dim"`

	Neo4j     graphstore.Config `json:"neo4j" yaml:"neo4j"`
	Vector    VectorConfig      `json:"vector" yaml:"vector"`
	RateLimit RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Timeouts  TimeoutConfig     `json:"timeouts" yaml:"timeouts"`
	Synthesis SynthesisConfig   `json:"synthesis" yaml:"synthesis"`
	Critic    CriticConfig      `json:"critic" yaml:"critic"`
	Cache     CacheConfig       `json:"cache" yaml:"cache"`
}

// VectorConfig locates the sqlite-vec database, which also holds the
// query journal.
type VectorConfig struct {
	Path string `json:"path" yaml:"path"`
	// Journal records every answered query.
	Journal bool `json:"journal" yaml:"journal"`
}

// RateLimitConfig shapes calls to the LLM provider. RequestsPerSecond <= 0
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// TimeoutConfig bounds each stage and each external call.
type TimeoutConfig struct {
	Planning  time.Duration `json:"planning" yaml:"planning"`
	Retrieval time.Duration `json:"retrieval" yaml:"retrieval"`
	Synthesis time.Duration `json:"synthesis" yaml:"synthesis"`
	Critique  time.Duration `json:"critique" yaml:"critique"`

	LLM    time.Duration `json:"llm" yaml:"llm"`
	Graph  time.Duration `json:"graph" yaml:"graph"`
	Vector time.Duration `json:"vector" yaml:"vector"`
}

type SynthesisConfig struct {
	MapConcurrency   int  `json:"map_concurrency" yaml:"map_concurrency"`
	MaxCharsPerChunk int  `json:"max_chars_per_chunk" yaml:"max_chars_per_chunk"`
	StrictFigures    bool `json:"strict_figures" yaml:"strict_figures"`
}

type CriticConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	MaxRefinements int  `json:"max_refinements" yaml:"max_refinements"`
	// Tier selects the critic's model from the provider's tiers.
	Tier string `json:"tier" yaml:"tier"`
}

// CacheConfig enables the Redis response cache when RedisURL is set.
type CacheConfig struct {
	RedisURL string        `json:"redis_url" yaml:"redis_url"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// Model tiers per provider.
var modelTiers = map[string]map[string]string{
	"openai": {
		"default":  "gpt-4o",
		"fast":     "gpt-4o-mini",
		"powerful": "gpt-4o",
	},
	"anthropic": {
		"default":  "claude-3-haiku-20240307",
		"fast":     "claude-3-haiku-20240307",
		"powerful": "claude-3-sonnet-20240229",
	},
	"ollama": {
		"default":  "llama3:latest",
		"fast":     "llama3:8b",
		"powerful": "llama3:70b",
	},
	"gemini": {
		"default":  "gemini-1.5-pro-latest",
		"fast":     "gemini-1.5-flash-latest",
		"powerful": "gemini-1.5-pro-latest",
	},
}

// ModelFor returns the model for provider at tier, or "" when the provider
// has no tiers.
func ModelFor(provider, tier string) string {
	if tier == "" {
		tier = "default"
	}
	return modelTiers[strings.ToLower(provider)][strings.ToLower(tier)]
}

// Providers lists the providers that have model tiers.
func Providers() map[string]map[string]string {
	return modelTiers
}

// DefaultConfig returns a Config for a local Neo4j and Ollama.
func DefaultConfig() Config {
	return Config{
		LLM: llm.Config{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
		},
		Tier: "default",
		Embedding: llm.Config{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim: 768,
		Neo4j: graphstore.Config{
			URI:          "neo4j://localhost:7687",
			Username:     "neo4j",
			Password:     "password",
			QueryTimeout: 30 * time.Second,
		},
		Vector:    VectorConfig{Path: defaultVectorPath(), Journal: true},
		RateLimit: RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
		Timeouts: TimeoutConfig{
			Planning:  3 * time.Minute,
			Retrieval: time.Minute,
			Synthesis: 10 * time.Minute,
			Critique:  2 * time.Minute,
			LLM:       2 * time.Minute,
			Graph:     30 * time.Second,
			Vector:    10 * time.Second,
		},
		Synthesis: SynthesisConfig{MapConcurrency: 4, MaxCharsPerChunk: 180000},
		Critic:    CriticConfig{Enabled: true, MaxRefinements: 2, Tier: "fast"},
		Cache:     CacheConfig{TTL: 24 * time.Hour},
	}
}

func defaultVectorPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "graphagent.db"
	}
	return filepath.Join(home, ".graphagent", "graphagent.db")
}

// LoadConfig reads a YAML or JSON file over DefaultConfig. The format is
// chosen by extension; anything but .json is read as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Provider API keys come
// from <PROVIDER>_API_KEY when not set explicitly.
func (c *Config) ApplyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&c.LLM.Provider, "GRAPHAGENT_LLM_PROVIDER")
	setString(&c.LLM.Model, "GRAPHAGENT_LLM_MODEL")
	setString(&c.LLM.BaseURL, "GRAPHAGENT_LLM_BASE_URL")
	setString(&c.Tier, "GRAPHAGENT_MODEL_TIER")
	setString(&c.Embedding.Provider, "GRAPHAGENT_EMBEDDING_PROVIDER")
	setString(&c.Embedding.Model, "GRAPHAGENT_EMBEDDING_MODEL")
	setString(&c.Vector.Path, "GRAPHAGENT_VECTOR_PATH")
	setString(&c.Cache.RedisURL, "GRAPHAGENT_REDIS_URL")
	setString(&c.Neo4j.URI, "NEO4J_URI")
	setString(&c.Neo4j.Username, "NEO4J_USER")
	setString(&c.Neo4j.Password, "NEO4J_PASSWORD")
	setString(&c.Neo4j.Database, "NEO4J_DATABASE")
	if v := os.Getenv("GRAPHAGENT_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EmbeddingDim = n
		}
	}
	if c.LLM.Provider == "ollama" {
		setString(&c.LLM.BaseURL, "OLLAMA_BASE_URL")
	}
	if c.Embedding.Provider == "ollama" {
		setString(&c.Embedding.BaseURL, "OLLAMA_BASE_URL")
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv(apiKeyEnv(c.LLM.Provider))
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = os.Getenv(apiKeyEnv(c.Embedding.Provider))
	}
}

func apiKeyEnv(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

// resolve fills the chat model from the tiers.
func (c *Config) resolve() {
	if c.LLM.Model == "" {
		c.LLM.Model = ModelFor(c.LLM.Provider, c.Tier)
	}
}

// criticModel returns the model the critic runs on.
func (c *Config) criticModel() string {
	if m := ModelFor(c.LLM.Provider, c.Critic.Tier); m != "" {
		return m
	}
	return c.LLM.Model
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var problems []string
	if c.LLM.Provider == "" {
		problems = append(problems, "llm provider is not set")
	}
	if c.LLM.Provider != "ollama" && c.LLM.Provider != "custom" && c.LLM.APIKey == "" {
		problems = append(problems, fmt.Sprintf("API key for %s not found; set %s", c.LLM.Provider, apiKeyEnv(c.LLM.Provider)))
	}
	if c.Tier != "" && ModelFor(c.LLM.Provider, c.Tier) == "" && c.LLM.Model == "" {
		problems = append(problems, fmt.Sprintf("no model for provider %q at tier %q", c.LLM.Provider, c.Tier))
	}
	if c.Neo4j.URI == "" {
		problems = append(problems, "neo4j uri is not set")
	}
	if c.EmbeddingDim <= 0 {
		problems = append(problems, "embedding_dim must be positive")
	}
	if c.Critic.MaxRefinements < 0 {
		problems = append(problems, "critic max_refinements must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
