// Package config loads the assistant's configuration from defaults, an
// optional YAML file, a .env file and KCC_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KCC_LLM_MODEL.
const EnvPrefix = "KCC"

// Config is the top-level configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Index     IndexConfig     `mapstructure:"index"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Filter    FilterConfig    `mapstructure:"filter"`
	WebSearch WebSearchConfig `mapstructure:"websearch"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Build     BuildConfig     `mapstructure:"build"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// OllamaConfig points at a local Ollama daemon.
type OllamaConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// OpenAIConfig holds credentials for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url" validate:"omitempty,url"`
	MaxRetries int    `mapstructure:"max_retries" validate:"gte=0"`
}

// LLMConfig selects the answer-writing model.
type LLMConfig struct {
	Provider string        `mapstructure:"provider" validate:"oneof=ollama openai"`
	Model    string        `mapstructure:"model" validate:"required"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// IndexConfig selects the embedding model and where vectors are served from.
type IndexConfig struct {
	Path         string `mapstructure:"path" validate:"required"`
	Backend      string `mapstructure:"backend" validate:"oneof=flat qdrant"`
	Embedder     string `mapstructure:"embedder" validate:"oneof=ollama openai"`
	EmbedModel   string `mapstructure:"embed_model" validate:"required"`
	EmbedWorkers int    `mapstructure:"embed_workers" validate:"gt=0"`
}

// QdrantConfig addresses the Qdrant gRPC endpoint.
type QdrantConfig struct {
	Addr       string `mapstructure:"addr"`
	Collection string `mapstructure:"collection" validate:"required"`
}

// RetrievalConfig tunes the KCC tier. The threshold is on squared L2
// distance and depends on the embedding model.
type RetrievalConfig struct {
	TopK               int           `mapstructure:"top_k" validate:"gt=0,lte=100"`
	RelevanceThreshold float32       `mapstructure:"relevance_threshold" validate:"gt=0"`
	SearchTimeout      time.Duration `mapstructure:"search_timeout" validate:"gt=0"`
	MaxWebResults      int           `mapstructure:"max_web_results" validate:"gte=0"`
}

// FilterConfig lists phrases that mark a record as generic.
type FilterConfig struct {
	GenericPhrases []string `mapstructure:"generic_phrases"`
}

// WebSearchConfig controls the DuckDuckGo client.
//
// The limiter does not queue: a search over Rate/Burst is skipped, counted
// as a web search failure, and the query falls through to the LLM tier.
// Burst is the number of concurrent queries that can reach the web tier
// at once.
type WebSearchConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url" validate:"required,url"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Rate            float64       `mapstructure:"rate" validate:"gte=0"`
	Burst           int           `mapstructure:"burst" validate:"gt=0"`
	BreakerFailures int           `mapstructure:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

// NATSConfig enables the worker and answered events. An empty URL disables
// NATS.
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	Subject         string `mapstructure:"subject" validate:"required"`
	Queue           string `mapstructure:"queue"`
	AnsweredSubject string `mapstructure:"answered_subject"`
}

// BuildConfig drives the offline index builder.
type BuildConfig struct {
	Data      string `mapstructure:"data"`
	Column    string `mapstructure:"column" validate:"required"`
	BatchSize int    `mapstructure:"batch_size" validate:"gt=0"`
	Mirror    bool   `mapstructure:"mirror"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("ollama.url", "http://localhost:11434")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.max_retries", 2)

	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.model", "gemma:2b")
	v.SetDefault("llm.timeout", 90*time.Second)

	v.SetDefault("index.path", "embeddings/kcc.db")
	v.SetDefault("index.backend", "flat")
	v.SetDefault("index.embedder", "ollama")
	v.SetDefault("index.embed_model", "nomic-embed-text")
	v.SetDefault("index.embed_workers", 4)

	v.SetDefault("qdrant.addr", "localhost:6334")
	v.SetDefault("qdrant.collection", "kcc")

	v.SetDefault("retrieval.top_k", 5)
	// Squared L2 on the KCC corpus. Retune when index.embed_model changes.
	v.SetDefault("retrieval.relevance_threshold", 10.0)
	v.SetDefault("retrieval.search_timeout", 5*time.Second)
	v.SetDefault("retrieval.max_web_results", 3)

	v.SetDefault("filter.generic_phrases", []string{
		"given necessary information",
		"farmer asked query",
		"query on weather",
		"information regarding",
	})

	v.SetDefault("websearch.enabled", true)
	v.SetDefault("websearch.base_url", "https://api.duckduckgo.com")
	v.SetDefault("websearch.timeout", 5*time.Second)
	v.SetDefault("websearch.rate", 1.0)
	v.SetDefault("websearch.burst", 10)
	v.SetDefault("websearch.breaker_failures", 5)
	v.SetDefault("websearch.breaker_timeout", 30*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "kcc.query")
	v.SetDefault("nats.queue", "kcc-workers")
	v.SetDefault("nats.answered_subject", "kcc.answered")

	v.SetDefault("build.data", "data/cleaned_kcc_data.csv")
	v.SetDefault("build.column", "chunk")
	v.SetDefault("build.batch_size", 256)
	v.SetDefault("build.mirror", false)
}

// Load reads configuration. path may be empty; a missing .env is ignored.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints and backend-specific requirements,
// reporting every problem found.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	usesOpenAI := c.LLM.Provider == "openai" || c.Index.Embedder == "openai"
	if usesOpenAI && c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key: required when llm.provider or index.embedder is openai"))
	}
	if (c.Index.Backend == "qdrant" || c.Build.Mirror) && c.Qdrant.Addr == "" {
		errs = append(errs, errors.New("qdrant.addr: required when index.backend is qdrant or build.mirror is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	// Namespace is "Config.section.field".
	_, name, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s: required", name)
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s], got %v", name, fe.Param(), fe.Value())
	case "url":
		return fmt.Errorf("%s: must be a URL, got %v", name, fe.Value())
	default:
		return fmt.Errorf("%s: must satisfy %s=%s, got %v", name, fe.Tag(), fe.Param(), fe.Value())
	}
}
