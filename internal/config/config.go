package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pinedocs configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Renderer environment and wait strategy
	Render RenderConfig `yaml:"render"`

	// Source discovery and compliance
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Segmentation QC budgets
	Segment SegmentConfig `yaml:"segment"`

	// Drift classification thresholds
	Drift DriftConfig `yaml:"drift"`

	// Fallback state machine thresholds
	Fallback FallbackConfig `yaml:"fallback"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Offline evaluation gate
	Eval EvalConfig `yaml:"eval"`

	// Artifact storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RenderConfig configures the deterministic render environment. Repeated
// renders of unchanged content with the same settings must be byte-identical,
// so every knob that affects output lives here, never in code.
type RenderConfig struct {
	Headless       bool   `yaml:"headless"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	Locale         string `yaml:"locale"`
	Timezone       string `yaml:"timezone"`
	UserAgent      string `yaml:"user_agent"`

	// Anchor-stability wait strategy
	WaitStrategy       string `yaml:"wait_strategy"`
	MaxWait            string `yaml:"max_wait"`
	PostRenderDelay    string `yaml:"post_render_delay"`
	AnchorMinThreshold int    `yaml:"anchor_min_threshold"`
	StabilizeChecks    int    `yaml:"stabilize_checks"`
	StabilizeInterval  string `yaml:"stabilize_interval"`
	MaxScrolls         int    `yaml:"max_scrolls"`

	// Politeness pacing between requests
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Retries           int     `yaml:"retries"`
	Backoff           string  `yaml:"backoff"`
}

// DiscoveryConfig governs which source URLs may be rendered at all.
type DiscoveryConfig struct {
	Host                 string   `yaml:"host"`
	AllowedPrefixes      []string `yaml:"allowed_prefixes"`
	ExcludedPathSegments []string `yaml:"excluded_path_segments"`
	RespectRobots        bool     `yaml:"respect_robots"`
}

// SegmentConfig holds QC budgets for the segmentation gate.
type SegmentConfig struct {
	// Empty symbol names tolerated: max(EmptyNameBudgetMin,
	// EmptyNameBudgetPercent * anchor_count_total).
	EmptyNameBudgetMin     int     `yaml:"empty_name_budget_min"`
	EmptyNameBudgetPercent float64 `yaml:"empty_name_budget_percent"`
}

// DriftConfig holds the severity cutoffs for drift classification.
type DriftConfig struct {
	// Anchor count delta at or above which drift is classified high.
	HighDeltaCutoff int `yaml:"high_delta_cutoff"`
}

// FallbackConfig holds the degradation thresholds for the serving state
// machine.
type FallbackConfig struct {
	// Consecutive render failures at which the pipeline degrades from
	// Cached to CookbookOnly. The first failure always drops Nominal to
	// Cached, so the minimum meaningful value is 2.
	FailureThreshold int `yaml:"failure_threshold"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	// Provider: "ollama" (local, no network at eval time) or "genai"
	Provider string `yaml:"provider"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// TaskType for GenAI: "RETRIEVAL_DOCUMENT", "RETRIEVAL_QUERY", ...
	TaskType string `yaml:"task_type"`

	// Bounded concurrency for batch embedding
	BatchConcurrency int `yaml:"batch_concurrency"`
}

// EvalConfig configures the offline evaluation gate.
type EvalConfig struct {
	QuerySetPath string `yaml:"query_set_path"`
	TopK         int    `yaml:"top_k"`

	// Additive score boosts
	DocTypeBoost     float64 `yaml:"doc_type_boost"`
	SymbolTypeBoost  float64 `yaml:"symbol_type_boost"`
	SectionPathBoost float64 `yaml:"section_path_boost"`

	// Minimum top-k hit rate before an index may be marked usable.
	AcceptanceHitRate float64 `yaml:"acceptance_hit_rate"`
}

// StorageConfig configures the authoritative artifact store.
type StorageConfig struct {
	// Root for raw snapshots and JSONL run logs
	ArtifactsRoot string `yaml:"artifacts_root"`

	// SQLite database path for committed artifacts
	DatabasePath string `yaml:"database_path"`

	// Require the sqlite-vec extension or fail fast
	RequireVec bool `yaml:"require_vec"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration. Numeric values mirror the
// CI acquisition profile; all of them are operator-tunable.
func DefaultConfig() *Config {
	return &Config{
		Name:    "pinedocs",
		Version: "0.1.0",

		Render: RenderConfig{
			Headless:           true,
			ViewportWidth:      1400,
			ViewportHeight:     900,
			Locale:             "en-US",
			Timezone:           "UTC",
			UserAgent:          "pinedocs rendered acquisition/0.1",
			WaitStrategy:       "anchor_stability",
			MaxWait:            "120s",
			PostRenderDelay:    "1s",
			AnchorMinThreshold: 200,
			StabilizeChecks:    3,
			StabilizeInterval:  "1s",
			MaxScrolls:         5,
			RequestsPerSecond:  0.5,
			Retries:            3,
			Backoff:            "2s",
		},

		Discovery: DiscoveryConfig{
			Host: "https://www.tradingview.com",
			AllowedPrefixes: []string{
				"/pine-script-docs",
				"/pine-script-reference",
			},
			ExcludedPathSegments: []string{
				"/blog/", "/support/", "/community/", "/ideas/",
				"/pricing/", "/markets/", "/brokers/", "/accounts/", "/login/",
			},
			RespectRobots: true,
		},

		Segment: SegmentConfig{
			EmptyNameBudgetMin:     5,
			EmptyNameBudgetPercent: 0.1,
		},

		Drift: DriftConfig{
			HighDeltaCutoff: 10,
		},

		Fallback: FallbackConfig{
			FailureThreshold: 2,
		},

		Embedding: EmbeddingConfig{
			Provider:         "ollama",
			OllamaEndpoint:   "http://localhost:11434",
			OllamaModel:      "embeddinggemma",
			GenAIModel:       "gemini-embedding-001",
			TaskType:         "RETRIEVAL_DOCUMENT",
			BatchConcurrency: 2,
		},

		Eval: EvalConfig{
			QuerySetPath:      "eval/offline_queries.jsonl",
			TopK:              5,
			DocTypeBoost:      0.05,
			SymbolTypeBoost:   0.05,
			SectionPathBoost:  0.03,
			AcceptanceHitRate: 0.8,
		},

		Storage: StorageConfig{
			ArtifactsRoot: "artifacts",
			DatabasePath:  "data/pinedocs.db",
			RequireVec:    false,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "pinedocs.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
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
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if path := os.Getenv("PINEDOCS_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if root := os.Getenv("PINEDOCS_ARTIFACTS"); root != "" {
		c.Storage.ArtifactsRoot = root
	}
}

// GetMaxWait returns the render wait ceiling as a duration.
func (c *Config) GetMaxWait() time.Duration {
	d, err := time.ParseDuration(c.Render.MaxWait)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetPostRenderDelay returns the settle delay after stabilization.
func (c *Config) GetPostRenderDelay() time.Duration {
	d, err := time.ParseDuration(c.Render.PostRenderDelay)
	if err != nil {
		return time.Second
	}
	return d
}

// GetStabilizeInterval returns the polling interval for anchor stability.
func (c *Config) GetStabilizeInterval() time.Duration {
	d, err := time.ParseDuration(c.Render.StabilizeInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// GetBackoff returns the base backoff between fetch retries.
func (c *Config) GetBackoff() time.Duration {
	d, err := time.ParseDuration(c.Render.Backoff)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// EmptyNameBudget returns the tolerated count of empty symbol names for a
// run with the given anchor total.
func (c *Config) EmptyNameBudget(anchorTotal int) int {
	budget := int(c.Segment.EmptyNameBudgetPercent * float64(anchorTotal))
	if budget < c.Segment.EmptyNameBudgetMin {
		return c.Segment.EmptyNameBudgetMin
	}
	return budget
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Render.ViewportWidth <= 0 || c.Render.ViewportHeight <= 0 {
		return fmt.Errorf("render viewport must be positive (got %dx%d)",
			c.Render.ViewportWidth, c.Render.ViewportHeight)
	}
	if c.Render.Locale == "" || c.Render.Timezone == "" {
		return fmt.Errorf("render locale and timezone are required for deterministic snapshots")
	}
	switch c.Embedding.Provider {
	case "ollama":
	case "genai":
		if c.Embedding.GenAIAPIKey == "" {
			return fmt.Errorf("genai provider requires an API key (set GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("invalid embedding provider: %s (use 'ollama' or 'genai')", c.Embedding.Provider)
	}
	if c.Eval.AcceptanceHitRate < 0 || c.Eval.AcceptanceHitRate > 1 {
		return fmt.Errorf("eval acceptance_hit_rate must be in [0,1], got %f", c.Eval.AcceptanceHitRate)
	}
	if c.Drift.HighDeltaCutoff <= 0 {
		return fmt.Errorf("drift high_delta_cutoff must be positive, got %d", c.Drift.HighDeltaCutoff)
	}
	if c.Fallback.FailureThreshold < 2 {
		return fmt.Errorf("fallback failure_threshold must be at least 2, got %d", c.Fallback.FailureThreshold)
	}
	return nil
}
