package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load resolves configuration from a .env file (if present), environment
// variables, and an optional YAML override file named by RAG_CONFIG_FILE.
// Environment variables always win over the YAML file, matching the rest of
// the corpus's "env beats file" precedence.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("RAG_CONFIG_FILE")); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var w wireConfig
			if err := yaml.Unmarshal(b, &w); err == nil {
				applyYAML(&cfg, w)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		LLMClient: LLMClientConfig{
			Provider: "openai",
			OpenAI:   OpenAIConfig{Model: "gpt-4o-mini", API: "completions"},
		},
		Embedding: EmbeddingConfig{Dimensions: 1024, Normalize: true, APIHeader: "Authorization", Timeout: 30},
		Reranker:  RerankerConfig{LatencyThresholdMS: 1500},
		Vector: VectorConfig{
			Backend:    VectorBackendMemory,
			Collection: "rag_chunks",
			Dimensions: 1024,
			Metric:     "cosine",
		},
		BM25: BM25Config{IndexPath: "data/bm25_rag_chunks.msgpack"},
		Bandit: BanditConfig{
			StatePath:        "data/bandit_state.msgpack",
			WarmStartPath:    "data/bandit_state.default.msgpack",
			MaxTrials:        200,
			ExplorationBonus: 0.2,
			LatencyBudgetMS:  8000,
		},
		Cache: CacheConfig{
			MaxEntries:             1000,
			TTL:                    72 * time.Hour,
			TFIDFThreshold:         0.30,
			DenseThreshold:         0.88,
			ClassSemanticThreshold: 0.75,
			ClassUsableConfidence:  0.70,
		},
		Governance: GovernanceConfig{
			SLOWarnR1:     10 * time.Second,
			SLOWarnR2Plus: 15 * time.Second,
		},
		Feedback: FeedbackConfig{KafkaTopic: "rag.feedback", HistorySize: 1000},
		Graph: GraphConfig{
			BadgerDir:    "data/graph",
			MaxJITChunks: 50,
			BatchSize:    4,
			BatchTimeout: 30 * time.Second,
			MaxHops:      2,
		},
		Table: TableConfig{SpreadsheetPath: "", TopK: 20},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			ServiceName:    "adaptiverag",
			ServiceVersion: "dev",
			Environment:    "development",
		},
	}
}

// wireConfig mirrors Config but with yaml tags; kept separate so Config
// itself carries no serialization concerns.
type wireConfig struct {
	LLMClient struct {
		Provider  string          `yaml:"provider"`
		OpenAI    OpenAIConfig    `yaml:"openai"`
		Anthropic AnthropicConfig `yaml:"anthropic"`
		Google    GoogleConfig    `yaml:"google"`
	} `yaml:"llm_client"`
	Vector struct {
		Backend    string `yaml:"backend"`
		DSN        string `yaml:"dsn"`
		Collection string `yaml:"collection"`
		Dimensions int    `yaml:"dimensions"`
		Metric     string `yaml:"metric"`
	} `yaml:"vector"`
}

func applyYAML(cfg *Config, w wireConfig) {
	if w.LLMClient.Provider != "" {
		cfg.LLMClient.Provider = w.LLMClient.Provider
	}
	if w.LLMClient.OpenAI.APIKey != "" {
		cfg.LLMClient.OpenAI = w.LLMClient.OpenAI
	}
	if w.LLMClient.Anthropic.APIKey != "" {
		cfg.LLMClient.Anthropic = w.LLMClient.Anthropic
	}
	if w.LLMClient.Google.APIKey != "" {
		cfg.LLMClient.Google = w.LLMClient.Google
	}
	if w.Vector.Backend != "" {
		cfg.Vector.Backend = VectorBackend(w.Vector.Backend)
	}
	if w.Vector.DSN != "" {
		cfg.Vector.DSN = w.Vector.DSN
	}
	if w.Vector.Collection != "" {
		cfg.Vector.Collection = w.Vector.Collection
	}
	if w.Vector.Dimensions > 0 {
		cfg.Vector.Dimensions = w.Vector.Dimensions
	}
	if w.Vector.Metric != "" {
		cfg.Vector.Metric = w.Vector.Metric
	}
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	i := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	f := func(key string, dst *float64) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}
	b := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	str("LLM_PROVIDER", &cfg.LLMClient.Provider)
	str("OPENAI_API_KEY", &cfg.LLMClient.OpenAI.APIKey)
	str("OPENAI_MODEL", &cfg.LLMClient.OpenAI.Model)
	str("OPENAI_BASE_URL", &cfg.LLMClient.OpenAI.BaseURL)
	b("LOG_PAYLOADS", &cfg.LLMClient.OpenAI.LogPayloads)
	str("ANTHROPIC_API_KEY", &cfg.LLMClient.Anthropic.APIKey)
	str("ANTHROPIC_MODEL", &cfg.LLMClient.Anthropic.Model)
	str("ANTHROPIC_BASE_URL", &cfg.LLMClient.Anthropic.BaseURL)
	str("GOOGLE_LLM_API_KEY", &cfg.LLMClient.Google.APIKey)
	str("GOOGLE_LLM_MODEL", &cfg.LLMClient.Google.Model)
	str("GOOGLE_LLM_BASE_URL", &cfg.LLMClient.Google.BaseURL)

	str("EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	str("EMBEDDING_PATH", &cfg.Embedding.Path)
	str("EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	str("EMBEDDING_API_HEADER", &cfg.Embedding.APIHeader)
	str("EMBEDDING_MODEL", &cfg.Embedding.Model)
	i("EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)
	i("EMBEDDING_TIMEOUT_SECONDS", &cfg.Embedding.Timeout)

	str("RERANK_BASE_URL", &cfg.Reranker.BaseURL)
	str("RERANK_PRIMARY_MODEL", &cfg.Reranker.PrimaryModel)
	str("RERANK_FALLBACK_MODEL", &cfg.Reranker.FallbackModel)

	if v := strings.TrimSpace(os.Getenv("VECTOR_BACKEND")); v != "" {
		cfg.Vector.Backend = VectorBackend(v)
	}
	str("VECTOR_DSN", &cfg.Vector.DSN)
	str("VECTOR_COLLECTION", &cfg.Vector.Collection)
	i("VECTOR_DIMENSIONS", &cfg.Vector.Dimensions)
	str("VECTOR_METRIC", &cfg.Vector.Metric)

	str("SEARCH_BACKEND", &cfg.Search.Backend)
	str("SEARCH_DSN", &cfg.Search.DSN)
	str("GRAPH_BACKEND", &cfg.Graph.Backend)
	str("GRAPH_DSN", &cfg.Graph.DSN)

	str("BM25_INDEX_PATH", &cfg.BM25.IndexPath)

	str("BANDIT_STATE_PATH", &cfg.Bandit.StatePath)
	str("BANDIT_WARM_START_PATH", &cfg.Bandit.WarmStartPath)
	f("BANDIT_EXPLORATION_BONUS", &cfg.Bandit.ExplorationBonus)

	i("CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	f("CACHE_TFIDF_THRESHOLD", &cfg.Cache.TFIDFThreshold)
	f("CACHE_DENSE_THRESHOLD", &cfg.Cache.DenseThreshold)
	str("CACHE_REDIS_ADDR", &cfg.Cache.RedisAddr)

	str("GOVERNANCE_CLICKHOUSE_DSN", &cfg.Governance.ClickHouseDSN)

	str("FEEDBACK_KAFKA_TOPIC", &cfg.Feedback.KafkaTopic)
	if v := strings.TrimSpace(os.Getenv("FEEDBACK_KAFKA_BROKERS")); v != "" {
		cfg.Feedback.KafkaBrokers = strings.Split(v, ",")
	}

	str("GRAPH_BADGER_DIR", &cfg.Graph.BadgerDir)
	i("GRAPH_MAX_JIT_CHUNKS", &cfg.Graph.MaxJITChunks)

	str("TABLE_SPREADSHEET_PATH", &cfg.Table.SpreadsheetPath)

	str("LOG_PATH", &cfg.Telemetry.LogPath)
	str("LOG_LEVEL", &cfg.Telemetry.LogLevel)
	b("LOG_PAYLOADS", &cfg.Telemetry.LogPayloads)
	str("OTEL_SERVICE_NAME", &cfg.Telemetry.ServiceName)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("APP_ENVIRONMENT", &cfg.Telemetry.Environment)
}
