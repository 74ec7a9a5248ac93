package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendGrok      = "grok"
	BackendOpenAI    = "openai"
	BackendLangChain = "langchain"
)

const (
	VectorSQLite   = "sqlite"
	VectorWeaviate = "weaviate"
)

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config holds application configuration
type Config struct {
	Debug bool `yaml:"debug"`

	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Cache     CacheConfig     `yaml:"cache"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RateLimitQPS   float64       `yaml:"rate_limit_qps"` // per client, 0 disables
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
}

type StorageConfig struct {
	DBPath          string   `yaml:"db_path"`
	PersistSessions bool     `yaml:"persist_sessions"`
	SeedFiles       []string `yaml:"seed_files"`
}

type LLMConfig struct {
	Backend     string        `yaml:"backend"`
	Model       string        `yaml:"model"` // empty selects the backend default
	OllamaURL   string        `yaml:"ollama_url"`
	BaseURL     string        `yaml:"base_url"` // langchain backend only
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	BreakerTrip uint32        `yaml:"breaker_trip"` // consecutive failures before the breaker opens
}

type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // ollama | openai | none
	Model    string `yaml:"model"`
	URL      string `yaml:"url"`
}

type VectorConfig struct {
	Backend        string `yaml:"backend"`
	WeaviateHost   string `yaml:"weaviate_host"`
	WeaviateScheme string `yaml:"weaviate_scheme"`
	WeaviateClass  string `yaml:"weaviate_class"`
}

type CacheConfig struct {
	Backend   string        `yaml:"backend"`
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
}

// RetrievalConfig carries the ranking and blending policy knobs.
type RetrievalConfig struct {
	TopK            int     `yaml:"top_k"`
	SemanticWeight  float64 `yaml:"semantic_weight"`
	LexicalWeight   float64 `yaml:"lexical_weight"`
	CommunityWeight float64 `yaml:"community_weight"`
	MaxEvidence     int     `yaml:"max_evidence"`
	MaxCommunity    int     `yaml:"max_community"`
	MinRelevance    float64 `yaml:"min_relevance"`
	HistoryTurns    int     `yaml:"history_turns"`
}

type TelemetryConfig struct {
	LogDir        string `yaml:"log_dir"`
	LogToStdout   bool   `yaml:"log_to_stdout"`
	Prometheus    bool   `yaml:"prometheus"`
	ExportToFiles bool   `yaml:"export_to_files"`
}

// Default returns the configuration used when no file or flag overrides a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8000",
			AllowedOrigins: []string{"*"},
			RateLimitQPS:   5,
			RateLimitBurst: 10,
			RequestTimeout: 90 * time.Second,
			SessionIdleTTL: 2 * time.Hour,
		},
		Storage: StorageConfig{
			DBPath:          "trustmed.db",
			PersistSessions: true,
		},
		LLM: LLMConfig{
			Backend:     BackendOllama,
			OllamaURL:   "http://localhost:11434",
			MaxTokens:   1024,
			Timeout:     60 * time.Second,
			BreakerTrip: 5,
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			URL:      "http://localhost:11434",
		},
		Vector: VectorConfig{
			Backend:        VectorSQLite,
			WeaviateHost:   "localhost:8080",
			WeaviateScheme: "http",
			WeaviateClass:  "MedicalKnowledge",
		},
		Cache: CacheConfig{
			Backend:   CacheMemory,
			TTL:       30 * time.Minute,
			RedisAddr: "localhost:6379",
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			SemanticWeight:  0.6,
			LexicalWeight:   0.4,
			CommunityWeight: 0.5,
			MaxEvidence:     3,
			MaxCommunity:    3,
			MinRelevance:    0.1,
			HistoryTurns:    6,
		},
		Telemetry: TelemetryConfig{
			LogDir:        "logs",
			Prometheus:    true,
			ExportToFiles: true,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that the selected backends exist and the policy weights are usable.
func (c Config) Validate() error {
	switch c.LLM.Backend {
	case BackendOllama, BackendAnthropic, BackendGrok, BackendOpenAI, BackendLangChain:
	default:
		return fmt.Errorf("unknown backend: %s", c.LLM.Backend)
	}
	switch c.Vector.Backend {
	case VectorSQLite, VectorWeaviate:
	default:
		return fmt.Errorf("unknown vector backend: %s", c.Vector.Backend)
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis, CacheNone:
	default:
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}
	r := c.Retrieval
	if r.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", r.TopK)
	}
	if r.SemanticWeight < 0 || r.LexicalWeight < 0 || r.SemanticWeight+r.LexicalWeight == 0 {
		return fmt.Errorf("retrieval weights must be non-negative and not both zero")
	}
	if r.CommunityWeight < 0 || r.CommunityWeight > 1 {
		return fmt.Errorf("retrieval.community_weight must be within [0,1], got %v", r.CommunityWeight)
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	return nil
}
