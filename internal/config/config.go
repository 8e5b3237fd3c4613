// Package config loads process configuration for the adaptive RAG core.
//
// Following the layout the rest of this codebase uses elsewhere in the
// corpus, configuration is a tree of small per-concern structs rather than
// one flat bag of fields; each struct documents which components it
// configures (some, such as CacheConfig and GraphConfig, serve more than one).
package config

import "time"

// OpenAIConfig configures the OpenAI-compatible chat client.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	API         string // "completions" (default) or "responses"
	LogPayloads bool
	ExtraParams map[string]any
}

// AnthropicConfig configures the Anthropic chat client.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// PromptCacheEnabled turns on ephemeral prompt caching for the system
	// prompt and tool definitions, which stay fixed across turns of an ask().
	PromptCacheEnabled bool
	ExtraParams        map[string]any
}

// GoogleConfig configures the Google GenAI chat client.
type GoogleConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// LLMClientConfig selects and configures the active chat provider.
type LLMClientConfig struct {
	Provider  string // "", "openai", "local", "anthropic", "google"
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Google    GoogleConfig
}

// EmbeddingConfig configures the embedding half of the C1 adapter.
type EmbeddingConfig struct {
	BaseURL string
	Path    string
	// APIKey/APIHeader are the legacy single-header auth form, e.g.
	// APIHeader: "Authorization", APIKey: "secret" sends "Bearer secret".
	APIKey    string
	APIHeader string
	// Headers carries arbitrary additional request headers and takes
	// precedence over the legacy APIKey/APIHeader pair for the same key.
	Headers    map[string]string
	Model      string
	Dimensions int
	Normalize  bool
	Timeout    int // seconds; 0 uses a sane default
}

// RerankerConfig configures the cross-encoder half of the C1 adapter.
type RerankerConfig struct {
	BaseURL            string // reranker endpoint, e.g. a llama.cpp /rerank server
	PrimaryModel       string
	FallbackModel      string
	LatencyThresholdMS int64
}

// VectorBackend names which concrete C2 client to construct.
type VectorBackend string

const (
	VectorBackendMemory   VectorBackend = "memory"
	VectorBackendQdrant   VectorBackend = "qdrant"
	VectorBackendPostgres VectorBackend = "postgres"
	VectorBackendSQLite   VectorBackend = "sqlite"
)

// VectorConfig configures the vector index client (C2).
type VectorConfig struct {
	Backend    VectorBackend
	DSN        string
	Collection string
	Dimensions int
	Metric     string
}

// SearchConfig selects and configures the full-text search backend.
type SearchConfig struct {
	Backend string // "", "memory", "auto", "postgres", "none"
	DSN     string
}

// DBConfig selects and configures the Search/Vector/Graph persistence
// backends as a group, with DefaultDSN shared by any backend that leaves
// its own DSN empty.
type DBConfig struct {
	DefaultDSN string
	Search     SearchConfig
	Vector     VectorConfig
	Graph      GraphConfig
}

// BM25Config configures the keyword index (C3).
type BM25Config struct {
	IndexPath string
}

// BanditConfig configures the strategy router (C6).
type BanditConfig struct {
	StatePath        string
	WarmStartPath    string
	MaxTrials        float64
	ExplorationBonus float64
	LatencyBudgetMS  int64
}

// CacheConfig configures the multi-layer answer cache (C11) and classification cache (C5).
type CacheConfig struct {
	MaxEntries             int
	TTL                    time.Duration
	TFIDFThreshold         float64
	DenseThreshold         float64
	ClassSemanticThreshold float64
	ClassUsableConfidence  float64
	RedisAddr              string // optional shared L1 tier; empty disables it
	ClassificationCachePath string // persisted classification_cache.json equivalent
}

// GovernanceConfig configures the audit/compliance tracker (C12).
type GovernanceConfig struct {
	ClickHouseDSN string // optional audit sink; empty disables it
	SLOWarnR1     time.Duration
	SLOWarnR2Plus time.Duration
}

// FeedbackConfig configures the feedback loop (C13).
type FeedbackConfig struct {
	KafkaBrokers []string // optional event publication; empty disables it
	KafkaTopic   string
	HistorySize  int
}

// GraphConfig configures the graph store backend selection plus Graph-RAG
// (C9) traversal parameters. Backend/DSN pick the concrete databases.GraphDB
// implementation; the remaining fields tune C9's Graph-RAG expansion on top
// of whichever backend is selected.
type GraphConfig struct {
	Backend      string // "", "memory", "auto", "postgres", "badger", "none"
	DSN          string
	BadgerDir    string
	MaxJITChunks int
	BatchSize    int
	BatchTimeout time.Duration
	MaxHops      int
}

// TableConfig configures Table-RAG (C10) and its spreadsheet tool.
type TableConfig struct {
	SpreadsheetPath string // path to the workbook analyze-spreadsheet opens; empty disables the tool
	TopK            int
}

// TelemetryConfig configures logging and OpenTelemetry export.
type TelemetryConfig struct {
	LogPath        string
	LogLevel       string
	LogPayloads    bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
}

// Config is the fully resolved process configuration.
type Config struct {
	LLMClient  LLMClientConfig
	Embedding  EmbeddingConfig
	Reranker   RerankerConfig
	Search     SearchConfig
	Vector     VectorConfig
	BM25       BM25Config
	Bandit     BanditConfig
	Cache      CacheConfig
	Governance GovernanceConfig
	Feedback   FeedbackConfig
	Graph      GraphConfig
	Table      TableConfig
	Telemetry  TelemetryConfig
}
