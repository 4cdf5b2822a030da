// Package config loads and validates service configuration from YAML,
// with environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Reranker    RerankerConfig    `yaml:"reranker"`
	LLM         LLMConfig         `yaml:"llm"`
	Fetcher     FetcherConfig     `yaml:"fetcher"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Search      SearchConfig      `yaml:"search"`
	Upload      UploadConfig      `yaml:"upload"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthTokens maps opaque bearer tokens to user IDs. Stands in for
	// the identity collaborator in dev and test deployments.
	AuthTokens map[string]int64 `yaml:"auth_tokens"`
}

// DatabaseConfig configures the SQLite metadata store.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// VectorStoreConfig configures per-user ANN indices.
type VectorStoreConfig struct {
	Root                  string  `yaml:"root"`
	CompactThresholdRatio float64 `yaml:"compact_threshold_ratio"`
	CompactThresholdCount int     `yaml:"compact_threshold_count"`
	LRUCapacity           int     `yaml:"lru_capacity"`
}

// EmbedderConfig configures the sentence-embedding model endpoint.
type EmbedderConfig struct {
	Endpoint  string `yaml:"endpoint"`
	ModelID   string `yaml:"model_id"`
	BatchSize int    `yaml:"batch_size"`
	TimeoutS  int    `yaml:"timeout_s"`
}

// RerankerConfig configures the cross-encoder scoring endpoint.
type RerankerConfig struct {
	Endpoint  string `yaml:"endpoint"`
	ModelID   string `yaml:"model_id"`
	BatchSize int    `yaml:"batch_size"`
	TimeoutS  int    `yaml:"timeout_s"`
}

// LLMConfig configures the local text-generation endpoint.
type LLMConfig struct {
	Endpoint string `yaml:"endpoint"`
	ModelID  string `yaml:"model_id"`
	TimeoutS int    `yaml:"timeout_s"`
}

// FetcherConfig configures the crawling HTTP client.
type FetcherConfig struct {
	UserAgent  string   `yaml:"user_agent"`
	PerHostRPS float64  `yaml:"per_host_rps"`
	TimeoutS   int      `yaml:"timeout_s"`
	Proxies    []string `yaml:"proxies"`
}

// SchedulerConfig configures periodic acquisition jobs.
type SchedulerConfig struct {
	RSSDefaultCadenceS int `yaml:"rss_default_cadence_s"`
	// WebSweepHour is the local hour (0-23) of the daily web-scraping sweep.
	WebSweepHour int `yaml:"web_sweep_hour"`
}

// ExecutorConfig configures the background worker pool.
type ExecutorConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// SearchConfig configures the retrieval pipeline.
type SearchConfig struct {
	DefaultLimit             int     `yaml:"default_limit"`
	ExternalTriggerThreshold float64 `yaml:"external_trigger_threshold"`
	ExternalTriggerMinHits   int     `yaml:"external_trigger_min_results"`
	// GoogleAPIKey and GoogleEngineID configure the external provider
	// (Google Custom Search). Usually set via env.
	GoogleAPIKey   string `yaml:"google_api_key"`
	GoogleEngineID string `yaml:"google_engine_id"`
	TimeoutS       int    `yaml:"timeout_s"`
}

// UploadConfig bounds structured-file imports.
type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero-valued fields with defaults.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(dataDir(), "metadata.db")
	}
	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = 8
	}
	if c.VectorStore.Root == "" {
		c.VectorStore.Root = filepath.Join(dataDir(), "vectors")
	}
	if c.VectorStore.CompactThresholdRatio == 0 {
		c.VectorStore.CompactThresholdRatio = 0.2
	}
	if c.VectorStore.CompactThresholdCount == 0 {
		c.VectorStore.CompactThresholdCount = 1000
	}
	if c.VectorStore.LRUCapacity == 0 {
		c.VectorStore.LRUCapacity = 32
	}
	if c.Embedder.Endpoint == "" {
		c.Embedder.Endpoint = "http://localhost:11434"
	}
	if c.Embedder.ModelID == "" {
		c.Embedder.ModelID = "all-minilm"
	}
	if c.Embedder.BatchSize == 0 {
		c.Embedder.BatchSize = 32
	}
	if c.Embedder.TimeoutS == 0 {
		c.Embedder.TimeoutS = 60
	}
	if c.Reranker.Endpoint == "" {
		c.Reranker.Endpoint = "http://localhost:9659"
	}
	if c.Reranker.ModelID == "" {
		c.Reranker.ModelID = "cross-encoder-minilm"
	}
	if c.Reranker.BatchSize == 0 {
		c.Reranker.BatchSize = 16
	}
	if c.Reranker.TimeoutS == 0 {
		c.Reranker.TimeoutS = 30
	}
	if c.LLM.Endpoint == "" {
		c.LLM.Endpoint = "http://localhost:11434"
	}
	if c.LLM.ModelID == "" {
		c.LLM.ModelID = "qwen2.5:3b"
	}
	if c.LLM.TimeoutS == 0 {
		c.LLM.TimeoutS = 120
	}
	if c.Fetcher.UserAgent == "" {
		c.Fetcher.UserAgent = "XUNewsBot/1.0 (+https://github.com/rubyxyr/XU-News-AI-RAG)"
	}
	if c.Fetcher.PerHostRPS == 0 {
		c.Fetcher.PerHostRPS = 1.0
	}
	if c.Fetcher.TimeoutS == 0 {
		c.Fetcher.TimeoutS = 30
	}
	if c.Scheduler.RSSDefaultCadenceS == 0 {
		c.Scheduler.RSSDefaultCadenceS = 1800
	}
	if c.Scheduler.WebSweepHour == 0 {
		c.Scheduler.WebSweepHour = 3
	}
	if c.Executor.Workers == 0 {
		c.Executor.Workers = 4
	}
	if c.Executor.QueueCapacity == 0 {
		c.Executor.QueueCapacity = 256
	}
	if c.Search.DefaultLimit == 0 {
		c.Search.DefaultLimit = 10
	}
	if c.Search.ExternalTriggerThreshold == 0 {
		c.Search.ExternalTriggerThreshold = 0.35
	}
	if c.Search.ExternalTriggerMinHits == 0 {
		c.Search.ExternalTriggerMinHits = 3
	}
	if c.Search.TimeoutS == 0 {
		c.Search.TimeoutS = 60
	}
	if c.Upload.MaxBytes == 0 {
		c.Upload.MaxBytes = 16 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.VectorStore.CompactThresholdRatio < 0 || c.VectorStore.CompactThresholdRatio > 1 {
		return fmt.Errorf("vector_store.compact_threshold_ratio must be in [0,1], got %v", c.VectorStore.CompactThresholdRatio)
	}
	if c.VectorStore.LRUCapacity < 1 {
		return fmt.Errorf("vector_store.lru_capacity must be >= 1, got %d", c.VectorStore.LRUCapacity)
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor.workers must be >= 1, got %d", c.Executor.Workers)
	}
	if c.Executor.QueueCapacity < 1 {
		return fmt.Errorf("executor.queue_capacity must be >= 1, got %d", c.Executor.QueueCapacity)
	}
	if c.Fetcher.PerHostRPS <= 0 {
		return fmt.Errorf("fetcher.per_host_rps must be > 0, got %v", c.Fetcher.PerHostRPS)
	}
	if c.Search.DefaultLimit < 1 || c.Search.DefaultLimit > 100 {
		return fmt.Errorf("search.default_limit must be in [1,100], got %d", c.Search.DefaultLimit)
	}
	if c.Scheduler.WebSweepHour < 0 || c.Scheduler.WebSweepHour > 23 {
		return fmt.Errorf("scheduler.web_sweep_hour must be in [0,23], got %d", c.Scheduler.WebSweepHour)
	}
	if c.Upload.MaxBytes < 1 {
		return fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes)
	}
	return nil
}

// Load reads configuration from the given YAML file, applies defaults,
// env overrides, and validates. An empty path yields defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and deployment knobs from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("XU_NEWS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("XU_NEWS_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("XU_NEWS_VECTOR_ROOT"); v != "" {
		c.VectorStore.Root = v
	}
	if v := os.Getenv("GOOGLE_SEARCH_API_KEY"); v != "" {
		c.Search.GoogleAPIKey = v
	}
	if v := os.Getenv("GOOGLE_SEARCH_ENGINE_ID"); v != "" {
		c.Search.GoogleEngineID = v
	}
	if v := os.Getenv("XU_NEWS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("XU_NEWS_EXECUTOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Executor.Workers = n
		}
	}
}

// EmbedTimeout returns the embedder request timeout as a duration.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.Embedder.TimeoutS) * time.Second
}

// SearchTimeout returns the end-to-end search budget as a duration.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutS) * time.Second
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".xu-news")
	}
	return filepath.Join(home, ".xu-news")
}
