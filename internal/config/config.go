package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codescout configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding service configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Rerank service configuration
	Rerank RerankConfig `yaml:"rerank"`

	// Tiered vector store configuration
	Vector VectorConfig `yaml:"vector"`

	// Reasoning-acting loop configuration
	React ReactConfig `yaml:"react"`

	// Context compaction configuration
	Compaction CompactionConfig `yaml:"compaction"`

	// Self-evolution loop configuration
	Evolution EvolutionConfig `yaml:"evolution"`

	// Doom-loop guard configuration
	DoomLoop DoomLoopConfig `yaml:"doomloop"`

	// Concurrency limiter sizes
	Concurrency ConcurrencyConfig `yaml:"concurrency"`

	// Tool execution configuration
	Tools ToolsConfig `yaml:"tools"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the LLM service.
type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
	Timeout   string `yaml:"timeout"`
	Streaming bool   `yaml:"streaming"`
}

// EmbeddingConfig configures the embedding client.
type EmbeddingConfig struct {
	// Provider: "openai" (OpenAI-compatible /v1/embeddings) or "genai"
	Provider string `yaml:"provider"`

	// Endpoint is the base URL of the embedding service (bge.endpoint).
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// GenAI configuration
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// Dimension of the project's embedding vectors.
	Dimension int `yaml:"dimension"`

	// MaxTokens is the model input limit; estimates use ceil(chars/4).
	MaxTokens int `yaml:"max_tokens"`

	// Truncation strategy: head, tail, middle, smart.
	TruncationStrategy string `yaml:"truncation_strategy"`

	// TruncationStep is chars removed per length-error retry.
	TruncationStep int `yaml:"truncation_step"`

	MaxRetries int    `yaml:"max_retries"`
	BatchSize  int    `yaml:"batch_size"`
	Timeout    string `yaml:"timeout"`
}

// RerankConfig configures the rerank client.
type RerankConfig struct {
	Enabled   bool    `yaml:"enabled"`
	BaseURL   string  `yaml:"base_url"`
	Model     string  `yaml:"model"`
	APIKey    string  `yaml:"api_key"`
	Threshold float64 `yaml:"threshold"`
	Retries   int     `yaml:"retries"`
	Timeout   string  `yaml:"timeout"`
}

// VectorConfig configures the tiered vector store.
type VectorConfig struct {
	DatabasePath string `yaml:"database_path"`
	L1CacheSize  int    `yaml:"l1_cache_size"`

	// RebuildThreshold is the mutation count after which the L2 ANN
	// partition is rebuilt from L3.
	RebuildThreshold int `yaml:"rebuild_threshold"`
}

// ReactConfig configures the reasoning-acting loop.
type ReactConfig struct {
	MaxSteps           int  `yaml:"max_steps"`
	EnableStreaming    bool `yaml:"enable_streaming"`
	DuplicateThreshold int  `yaml:"duplicate_threshold"`
	Acknowledge        bool `yaml:"acknowledge"`
}

// CompactionConfig configures the context compactor.
type CompactionConfig struct {
	MaxTokens int `yaml:"max_tokens"`
	Threshold int `yaml:"threshold"`
}

// EvolutionConfig configures the self-evolution loop.
type EvolutionConfig struct {
	Enabled               bool   `yaml:"enabled"`
	QuestionsPerIteration int    `yaml:"questions_per_iteration"`
	MaxExplorationSteps   int    `yaml:"max_exploration_steps"`
	IntervalMs            int64  `yaml:"interval_ms"`
	DuplicateThreshold    int    `yaml:"duplicate_threshold"`
	MinPriority           int    `yaml:"min_priority"`
	RecentQuestions       int    `yaml:"recent_questions"`
	Timezone              string `yaml:"timezone"`
}

// DoomLoopConfig configures backoff and daily quotas.
type DoomLoopConfig struct {
	BaseMs     int64 `yaml:"base_ms"`
	CapMs      int64 `yaml:"cap_ms"`
	DailyQuota int   `yaml:"daily_quota"`
}

// ConcurrencyConfig sizes the per-endpoint counting semaphores.
type ConcurrencyConfig struct {
	Embedding int `yaml:"bge"`
	LLM       int `yaml:"llm"`
	Rerank    int `yaml:"rerank"`
	Analysis  int `yaml:"analysis"`
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	// TimeoutMs is the wall-clock deadline for a single tool execution.
	TimeoutMs int64 `yaml:"timeout_ms"`

	// SourceExtensions is the pipeline's extension allowlist.
	SourceExtensions []string `yaml:"source_extensions"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codescout",
		Version: "0.3.0",

		LLM: LLMConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o",
			MaxTokens: 4096,
			Timeout:   "120s",
			Streaming: true,
		},

		Embedding: EmbeddingConfig{
			Provider:           "openai",
			Endpoint:           "http://localhost:8080",
			Model:              "bge-m3",
			GenAIModel:         "gemini-embedding-001",
			Dimension:          1024,
			MaxTokens:          8192,
			TruncationStrategy: "smart",
			TruncationStep:     1000,
			MaxRetries:         3,
			BatchSize:          10,
			Timeout:            "30s",
		},

		Rerank: RerankConfig{
			Enabled:   false,
			BaseURL:   "http://localhost:8081",
			Model:     "bge-reranker-v2-m3",
			Threshold: 0.1,
			Retries:   2,
			Timeout:   "30s",
		},

		Vector: VectorConfig{
			DatabasePath:     ".codescout/data/vectors.db",
			L1CacheSize:      500,
			RebuildThreshold: 2000,
		},

		React: ReactConfig{
			MaxSteps:           25,
			EnableStreaming:    true,
			DuplicateThreshold: 3,
			Acknowledge:        true,
		},

		Compaction: CompactionConfig{
			MaxTokens: 96000,
			Threshold: 110000,
		},

		Evolution: EvolutionConfig{
			Enabled:               false,
			QuestionsPerIteration: 3,
			MaxExplorationSteps:   5,
			IntervalMs:            60000,
			DuplicateThreshold:    3,
			MinPriority:           3,
			RecentQuestions:       20,
			Timezone:              "Local",
		},

		DoomLoop: DoomLoopConfig{
			BaseMs:     1000,
			CapMs:      600000,
			DailyQuota: 50,
		},

		Concurrency: ConcurrencyConfig{
			Embedding: 4,
			LLM:       2,
			Rerank:    2,
			Analysis:  2,
		},

		Tools: ToolsConfig{
			TimeoutMs: 60000,
			SourceExtensions: []string{
				".go", ".py", ".js", ".ts", ".tsx", ".jsx", ".java", ".kt",
				".rs", ".rb", ".c", ".h", ".cpp", ".hpp", ".cs", ".sql",
			},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("CODESCOUT_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("CODESCOUT_LLM_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if url := os.Getenv("CODESCOUT_BGE_ENDPOINT"); url != "" {
		c.Embedding.Endpoint = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if path := os.Getenv("CODESCOUT_DB"); path != "" {
		c.Vector.DatabasePath = path
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetEmbeddingTimeout returns the embedding timeout as a duration.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	d, err := time.ParseDuration(c.Embedding.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetToolTimeout returns the tool wall-clock deadline as a duration.
func (c *Config) GetToolTimeout() time.Duration {
	if c.Tools.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Tools.TimeoutMs) * time.Millisecond
}

// GetQuotaLocation resolves the quota timezone.
func (c *Config) GetQuotaLocation() *time.Location {
	if c.Evolution.Timezone == "" || c.Evolution.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Evolution.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.React.MaxSteps <= 0 {
		return fmt.Errorf("react.max_steps must be positive, got %d", c.React.MaxSteps)
	}
	if c.DoomLoop.BaseMs <= 0 || c.DoomLoop.CapMs < c.DoomLoop.BaseMs {
		return fmt.Errorf("doomloop backoff misconfigured: base=%d cap=%d", c.DoomLoop.BaseMs, c.DoomLoop.CapMs)
	}
	return nil
}

// FindWorkspaceRoot walks up from the working directory looking for a
// .codescout directory or a .git directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		for _, marker := range []string{".codescout", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no workspace root found")
		}
		dir = parent
	}
}
