// Package config provides layered configuration for snowsearch: built-in
// defaults, an optional config.yaml, and SNOWSEARCH_* environment variables,
// in increasing order of precedence. Secrets are read from the environment
// only.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Config holds all configuration for snowsearch.
type Config struct {
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Qdrant contains the vector index settings for semantic search.
	Qdrant QdrantConfig `mapstructure:"qdrant"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// OpenAlex contains scholarly metadata API settings.
	OpenAlex OpenAlexConfig `mapstructure:"openalex"`
	// Grobid contains full-text extraction service settings.
	Grobid GrobidConfig `mapstructure:"grobid"`
	// LLM contains model settings for query generation and ranking.
	LLM LLMConfig `mapstructure:"llm"`
	// Embedding contains the embedding model settings.
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	// Snowball contains the expansion engine settings.
	Snowball SnowballConfig `mapstructure:"snowball"`
	// Ranking contains the final abstract-ranking settings.
	Ranking RankingConfig `mapstructure:"ranking"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host              string        `mapstructure:"host" validate:"required"`
	Port              int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	User              string        `mapstructure:"user" validate:"required"`
	Password          string        `mapstructure:"-"`
	Name              string        `mapstructure:"name" validate:"required"`
	SSLMode           string        `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	MaxConns          int32         `mapstructure:"max_conns" validate:"gt=0"`
	MinConns          int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MigrationPath     string        `mapstructure:"migration_path"`
	MigrationAutoRun  bool          `mapstructure:"migration_auto_run"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// QdrantConfig holds vector index configuration.
type QdrantConfig struct {
	// Address is the host:port of the Qdrant gRPC endpoint.
	Address string `mapstructure:"address" validate:"required"`
	// Collection is the Qdrant collection holding paper vectors.
	Collection string `mapstructure:"collection" validate:"required"`
	// VectorSize is the embedding dimensionality. It must match the embedding
	// model in use; the composite store rejects mismatched vectors.
	VectorSize uint64 `mapstructure:"vector_size" validate:"gt=0"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether pipeline metrics are registered.
	Enabled bool `mapstructure:"enabled"`
}

// OpenAlexConfig holds scholarly metadata API configuration.
type OpenAlexConfig struct {
	// BaseURL is the API base URL.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// Email is the contact address for the polite pool. Supplying one grants
	// a higher rate limit; without it the client throttles itself harder.
	Email string `mapstructure:"email" validate:"omitempty,email"`
	// APIKey is an optional premium API key, environment-only.
	APIKey string `mapstructure:"-"`
	// Timeout is the per-request timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the retry budget for transient HTTP failures.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
}

// GrobidConfig holds full-text extraction service configuration.
type GrobidConfig struct {
	// BaseURL is the GROBID server base URL.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// Timeout is the per-document processing timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRequests bounds concurrent calls to the extraction service.
	MaxRequests int64 `mapstructure:"max_requests" validate:"gt=0"`
	// MaxDownloads bounds concurrent PDF downloads.
	MaxDownloads int64 `mapstructure:"max_downloads" validate:"gt=0"`
	// MaxLocalPDFs bounds PDFs held in temporary files at once.
	MaxLocalPDFs int64 `mapstructure:"max_local_pdfs" validate:"gt=0"`
	// MaxPDFSize is the maximum accepted PDF size in bytes.
	MaxPDFSize int64 `mapstructure:"max_pdf_size" validate:"gt=0"`
}

// LLMConfig holds model configuration for query generation and ranking.
type LLMConfig struct {
	// Provider selects the chat backend: "openai" or "ollama". When empty the
	// provider is picked automatically: openai if an API key is present,
	// ollama otherwise.
	Provider string `mapstructure:"provider" validate:"omitempty,oneof=openai ollama"`
	// Model is the model identifier (e.g. "gpt-4o", "llama3").
	Model string `mapstructure:"model" validate:"required"`
	// ContextWindow is the model's context size in tokens, used for the
	// ranking token-budget estimate.
	ContextWindow int `mapstructure:"context_window" validate:"gt=0"`
	// Timeout bounds a single LLM call. Long ranking calls emit heartbeat
	// logs while this timeout runs.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the retry budget for transient API errors.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
	// OpenAI holds OpenAI-specific settings.
	OpenAI OpenAIConfig `mapstructure:"openai"`
	// Ollama holds Ollama-specific settings.
	Ollama OllamaConfig `mapstructure:"ollama"`
}

// OpenAIConfig holds OpenAI client settings.
type OpenAIConfig struct {
	// APIKey is environment-only (SNOWSEARCH_LLM_OPENAI_API_KEY).
	APIKey string `mapstructure:"-"`
	// BaseURL overrides the API endpoint (empty means the public API).
	BaseURL string `mapstructure:"base_url"`
}

// OllamaConfig holds Ollama client settings.
type OllamaConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"gt=0,lte=65535"`
}

// BaseURL returns the Ollama server base URL.
func (c *OllamaConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// EmbeddingConfig holds embedding model configuration.
type EmbeddingConfig struct {
	// Provider selects the embedding backend: "openai" or "ollama".
	Provider string `mapstructure:"provider" validate:"omitempty,oneof=openai ollama"`
	// Model is the embedding model identifier.
	Model string `mapstructure:"model" validate:"required"`
	// Dimension is the output vector size. Must equal qdrant.vector_size.
	Dimension int `mapstructure:"dimension" validate:"gt=0"`
}

// SnowballConfig holds expansion engine configuration.
type SnowballConfig struct {
	// Rounds is the number of snowball rounds to run.
	Rounds int `mapstructure:"rounds" validate:"gt=0"`
	// RoundQuota is the target number of successfully enriched papers per round.
	RoundQuota int `mapstructure:"round_quota" validate:"gt=0"`
	// MinSimilarityScore is the semantic-search cutoff when selecting batches.
	MinSimilarityScore float64 `mapstructure:"min_similarity_score" validate:"gte=-1,lte=1"`
	// MaxRoundAttempts caps the quota-meeting retry loop within one round, so
	// a store that keeps returning the same overlapping candidates cannot
	// spin forever.
	MaxRoundAttempts int `mapstructure:"max_round_attempts" validate:"gt=0"`
}

// RankingConfig holds final abstract-ranking configuration.
type RankingConfig struct {
	// TopN is how many best-matching papers to rank.
	TopN int `mapstructure:"top_n" validate:"gt=0"`
	// MinAbstractScore is the abstract-similarity cutoff for rank candidates.
	MinAbstractScore float64 `mapstructure:"min_abstract_score" validate:"gte=-1,lte=1"`
	// TokensPerWord is the token-estimate ratio for the context budget check.
	TokensPerWord float64 `mapstructure:"tokens_per_word" validate:"gt=0"`
}

// Load reads configuration from defaults, an optional config file, and
// environment variables. When path is empty the usual locations are searched
// (working directory, ./config, /etc/snowsearch).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SNOWSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/snowsearch")

		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// No config file is fine; env vars and defaults apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields use mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.Database.Password = os.Getenv("SNOWSEARCH_DATABASE_PASSWORD")
	cfg.LLM.OpenAI.APIKey = os.Getenv("SNOWSEARCH_LLM_OPENAI_API_KEY")
	cfg.OpenAlex.APIKey = os.Getenv("SNOWSEARCH_OPENALEX_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "snowsearch")
	v.SetDefault("database.name", "snowsearch")
	v.SetDefault("database.ssl_mode", SSLModeDisable)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", true)

	// Qdrant defaults
	v.SetDefault("qdrant.address", "localhost:6334")
	v.SetDefault("qdrant.collection", "papers")
	v.SetDefault("qdrant.vector_size", 1536)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)

	// OpenAlex defaults
	v.SetDefault("openalex.base_url", "https://api.openalex.org")
	v.SetDefault("openalex.email", "")
	v.SetDefault("openalex.timeout", "30s")
	v.SetDefault("openalex.max_retries", 3)

	// Grobid defaults
	v.SetDefault("grobid.base_url", "http://localhost:8070")
	v.SetDefault("grobid.timeout", "90s")
	v.SetDefault("grobid.max_requests", 1)
	v.SetDefault("grobid.max_downloads", 10)
	v.SetDefault("grobid.max_local_pdfs", 100)
	v.SetDefault("grobid.max_pdf_size", 100*1024*1024)

	// LLM defaults
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "llama3")
	v.SetDefault("llm.context_window", 5000)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.openai.base_url", "")
	v.SetDefault("llm.ollama.host", "localhost")
	v.SetDefault("llm.ollama.port", 11434)

	// Embedding defaults
	v.SetDefault("embedding.provider", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)

	// Snowball defaults
	v.SetDefault("snowball.rounds", 5)
	v.SetDefault("snowball.round_quota", 5)
	v.SetDefault("snowball.min_similarity_score", 0.4)
	v.SetDefault("snowball.max_round_attempts", 10)

	// Ranking defaults
	v.SetDefault("ranking.top_n", 10)
	v.SetDefault("ranking.min_abstract_score", 0.6)
	v.SetDefault("ranking.tokens_per_word", 1.2)
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// Cross-field checks the tag validator cannot express.
	if uint64(c.Embedding.Dimension) != c.Qdrant.VectorSize {
		return fmt.Errorf("embedding.dimension (%d) must match qdrant.vector_size (%d)",
			c.Embedding.Dimension, c.Qdrant.VectorSize)
	}

	return nil
}
