// Package llm provides chat and embedding clients for query generation and
// abstract ranking.
//
// Both OpenAI and Ollama are reached through the OpenAI-compatible /v1 API
// surface, so a single client implementation serves either provider; the
// factory only decides the base URL and credentials. Higher-level prompt
// logic (query generation, ranking) lives next to its consumer and builds on
// the ChatClient interface defined here.
package llm

import (
	"context"
	"fmt"
	"time"
)

// ChatClient sends one system+user prompt pair and returns the raw assistant
// reply. Implementations retry transient API errors internally.
type ChatClient interface {
	Chat(ctx context.Context, system, user string) (string, error)
	// Provider returns the provider name ("openai" or "ollama").
	Provider() string
	// Model returns the model identifier being used.
	Model() string
}

// Embedder converts texts into fixed-dimension embedding vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model returns the embedding model identifier.
	Model() string
}

// Providers supported by the factory.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// FactoryConfig holds the parameters needed to create a chat client or
// embedder. This is defined in the llm package to avoid importing the config
// package, keeping the llm package free of infrastructure dependencies.
type FactoryConfig struct {
	// Provider is the provider name ("openai" or "ollama"). Empty means
	// auto-select: openai when an API key is present, ollama otherwise.
	Provider string
	// Model is the model identifier.
	Model string
	// Timeout is the timeout for API calls.
	Timeout time.Duration
	// MaxRetries is the maximum number of retries for transient failures.
	MaxRetries int
	// OpenAI contains OpenAI-specific settings.
	OpenAI OpenAISettings
	// Ollama contains Ollama-specific settings.
	Ollama OllamaSettings
}

// OpenAISettings holds OpenAI connection settings.
type OpenAISettings struct {
	APIKey  string
	BaseURL string
}

// OllamaSettings holds Ollama connection settings.
type OllamaSettings struct {
	// BaseURL is the Ollama server root (e.g. "http://localhost:11434").
	BaseURL string
}

// resolveProvider applies the auto-selection rule.
func (cfg FactoryConfig) resolveProvider() string {
	if cfg.Provider != "" {
		return cfg.Provider
	}
	if cfg.OpenAI.APIKey != "" {
		return ProviderOpenAI
	}
	return ProviderOllama
}

// NewChatClient creates a ChatClient based on the configuration.
func NewChatClient(cfg FactoryConfig) (ChatClient, error) {
	return newClient(cfg)
}

// NewEmbedder creates an Embedder based on the configuration.
func NewEmbedder(cfg FactoryConfig) (Embedder, error) {
	return newClient(cfg)
}

func newClient(cfg FactoryConfig) (*Client, error) {
	switch provider := cfg.resolveProvider(); provider {
	case ProviderOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("llm: openai provider requires an API key")
		}
		return NewOpenAIClient(cfg), nil
	case ProviderOllama:
		return NewOllamaClient(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider: %q", provider)
	}
}
