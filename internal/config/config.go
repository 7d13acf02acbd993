// Package config provides unified configuration loading for ledgermind.
// It supports loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultNamespace is used when a write names no namespace.
const DefaultNamespace = "default"

// Config contains all ledgermind configuration settings.
type Config struct {
	// Root is the storage directory holding records, indexes and the lock file.
	Root string `json:"root" yaml:"root"`

	// Namespace is the default namespace for writes and searches.
	Namespace string `json:"namespace" yaml:"namespace"`

	Lock        LockConfig        `json:"lock" yaml:"lock"`
	Decay       DecayConfig       `json:"decay" yaml:"decay"`
	Lifecycle   LifecycleConfig   `json:"lifecycle" yaml:"lifecycle"`
	Reflection  ReflectionConfig  `json:"reflection" yaml:"reflection"`
	Search      SearchConfig      `json:"search" yaml:"search"`
	Embedding   EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	Audit       AuditConfig       `json:"audit" yaml:"audit"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Server      ServerConfig      `json:"server" yaml:"server"`
}

// LoggingConfig configures operational and decision logging.
type LoggingConfig struct {
	// Level sets the log verbosity: "error", "warn", "info" (default),
	// "debug" or "trace". "debug" enables decision logging to
	// <root>/decisions.jsonl.
	Level string `json:"level" yaml:"level"`

	// Format is "text" (default) or "json".
	Format string `json:"format" yaml:"format"`
}

// LockConfig configures the cross-process storage lock.
type LockConfig struct {
	// Timeout bounds how long an acquisition retries before failing.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// StaleAfter is the lock file age after which a dead holder is reclaimed.
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`

	// InitialBackoff is the first retry delay; it doubles up to MaxBackoff.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DecayConfig configures episodic retention and semantic confidence decay.
type DecayConfig struct {
	// EpisodicTTL is the age after which unlinked events are archived, and
	// after which archived events are pruned.
	EpisodicTTL time.Duration `json:"episodic_ttl" yaml:"episodic_ttl"`

	// RatePerWeek is the confidence lost per week by a decaying proposal.
	// Decisions, constraints and assumptions decay at a third of this rate.
	RatePerWeek float64 `json:"rate_per_week" yaml:"rate_per_week"`

	// DormantRatePerWeek applies once a record turns dormant.
	DormantRatePerWeek float64 `json:"dormant_rate_per_week" yaml:"dormant_rate_per_week"`

	ForgetThreshold    float64 `json:"forget_threshold" yaml:"forget_threshold"`
	DeprecateThreshold float64 `json:"deprecate_threshold" yaml:"deprecate_threshold"`
}

// LifecycleConfig configures phase and vitality transitions.
type LifecycleConfig struct {
	// DecayingAfter is the time without reinforcement before a record decays.
	DecayingAfter time.Duration `json:"decaying_after" yaml:"decaying_after"`

	// DormantAfter is the time without reinforcement before a record is dormant.
	DormantAfter time.Duration `json:"dormant_after" yaml:"dormant_after"`
}

// ReflectionConfig configures evidence clustering and hypothesis review.
type ReflectionConfig struct {
	// Lookback limits the events considered by one reflection pass.
	Lookback time.Duration `json:"lookback" yaml:"lookback"`

	// MinErrors is the number of errors a cluster needs before hypotheses
	// are generated for it.
	MinErrors int `json:"min_errors" yaml:"min_errors"`

	ReviewThreshold     float64       `json:"review_threshold" yaml:"review_threshold"`
	AutoAcceptThreshold float64       `json:"auto_accept_threshold" yaml:"auto_accept_threshold"`
	ObservationWindow   time.Duration `json:"observation_window" yaml:"observation_window"`

	// Blacklist names targets that are never clustered.
	Blacklist []string `json:"blacklist" yaml:"blacklist"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	RRFK         float64 `json:"rrf_k" yaml:"rrf_k"`
	Overfetch    int     `json:"overfetch" yaml:"overfetch"`
	MaxDepth     int     `json:"max_depth" yaml:"max_depth"`
	DefaultMode  string  `json:"default_mode" yaml:"default_mode"`
	DefaultLimit int     `json:"default_limit" yaml:"default_limit"`
}

// EmbeddingConfig configures the optional vector embedder.
type EmbeddingConfig struct {
	// Provider is "openai", "ollama", or "" for keyword-only search.
	Provider string `json:"provider" yaml:"provider"`

	// APIKey supports ${VAR} syntax for env vars. Not required for ollama.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// BaseURL is the OpenAI-compatible endpoint.
	// Defaults: ollama=http://localhost:11434/v1, openai=https://api.openai.com/v1
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	Model      string        `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions int           `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// CacheEntries bounds the in-memory embedding cache. Zero disables it.
	CacheEntries int64 `json:"cache_entries" yaml:"cache_entries"`
}

// RedactedAPIKey returns the API key with most characters masked.
// Shows first 4 and last 4 characters, e.g., "sk-a...xyz9".
// Returns "" for empty keys and "(set)" for keys shorter than 12 chars.
func (c EmbeddingConfig) RedactedAPIKey() string {
	if c.APIKey == "" {
		return ""
	}
	if len(c.APIKey) < 12 {
		return "(set)"
	}
	return c.APIKey[:4] + "..." + c.APIKey[len(c.APIKey)-4:]
}

// String implements fmt.Stringer to prevent accidental API key logging.
func (c EmbeddingConfig) String() string {
	return fmt.Sprintf("EmbeddingConfig{Provider:%s, Model:%s, APIKey:%s}",
		c.Provider, c.Model, c.RedactedAPIKey())
}

// AuditConfig configures the version-control audit trail.
type AuditConfig struct {
	// Git enables committing every transaction to a git repository in
	// <root>/semantic.
	Git     bool          `json:"git" yaml:"git"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// MaintenanceConfig configures the background scheduler tiers.
type MaintenanceConfig struct {
	SyncInterval       time.Duration `json:"sync_interval" yaml:"sync_interval"`
	DecayInterval      time.Duration `json:"decay_interval" yaml:"decay_interval"`
	ReflectionInterval time.Duration `json:"reflection_interval" yaml:"reflection_interval"`
	FailureBackoff     time.Duration `json:"failure_backoff" yaml:"failure_backoff"`

	// WatchFiles resyncs the index when record files are edited externally.
	WatchFiles bool `json:"watch_files" yaml:"watch_files"`
}

// ServerConfig configures the MCP and ops HTTP surfaces.
type ServerConfig struct {
	// OpsAddr is the listen address for /healthz and /metrics. Empty disables it.
	OpsAddr string `json:"ops_addr" yaml:"ops_addr"`

	// ToolRate is the sustained MCP tool calls per second, per tool.
	ToolRate  float64 `json:"tool_rate" yaml:"tool_rate"`
	ToolBurst int     `json:"tool_burst" yaml:"tool_burst"`
}

// Default returns a Config with sensible defaults rooted at ./.ledgermind.
func Default() *Config {
	return &Config{
		Root:      ".ledgermind",
		Namespace: DefaultNamespace,
		Lock: LockConfig{
			Timeout:        30 * time.Second,
			StaleAfter:     10 * time.Minute,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Decay: DecayConfig{
			EpisodicTTL:        30 * 24 * time.Hour,
			RatePerWeek:        0.05,
			DormantRatePerWeek: 0.2,
			ForgetThreshold:    0.1,
			DeprecateThreshold: 0.5,
		},
		Lifecycle: LifecycleConfig{
			DecayingAfter: 7 * 24 * time.Hour,
			DormantAfter:  30 * 24 * time.Hour,
		},
		Reflection: ReflectionConfig{
			Lookback:            7 * 24 * time.Hour,
			MinErrors:           2,
			ReviewThreshold:     0.6,
			AutoAcceptThreshold: 0.9,
			ObservationWindow:   time.Hour,
			Blacklist:           []string{"general", "unknown", "none", "system"},
		},
		Search: SearchConfig{
			RRFK:         60,
			Overfetch:    3,
			MaxDepth:     5,
			DefaultMode:  "balanced",
			DefaultLimit: 10,
		},
		Embedding: EmbeddingConfig{
			Timeout:      10 * time.Second,
			CacheEntries: 4096,
		},
		Audit: AuditConfig{
			Git:     false,
			Timeout: 10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			SyncInterval:       5 * time.Minute,
			DecayInterval:      time.Hour,
			ReflectionInterval: 4 * time.Hour,
			FailureBackoff:     60 * time.Second,
			WatchFiles:         true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			OpsAddr:   "127.0.0.1:9464",
			ToolRate:  20,
			ToolBurst: 40,
		},
	}
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.ledgermind/config.yaml -> <root>/config.yaml -> environment variables
func Load() (*Config, error) {
	config := Default()

	if v := os.Getenv("LEDGERMIND_ROOT"); v != "" {
		config.Root = v
	}

	var candidates []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".ledgermind", "config.yaml"))
	}
	candidates = append(candidates, filepath.Join(config.Root, "config.yaml"))

	for _, path := range candidates {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		if err := mergeFile(config, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file on top of
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := Default()
	if err := mergeFile(config, path); err != nil {
		return nil, err
	}
	return config, nil
}

func mergeFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	// Expand environment variables in API key
	config.Embedding.APIKey = expandEnvVars(config.Embedding.APIKey)
	return nil
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, errors.New("root must not be empty"))
	}
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace must not be empty"))
	}
	if c.Lock.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("lock.timeout must be positive, got %v", c.Lock.Timeout))
	}
	if c.Lock.InitialBackoff <= 0 || c.Lock.MaxBackoff < c.Lock.InitialBackoff {
		errs = append(errs, fmt.Errorf("lock backoff must satisfy 0 < initial (%v) <= max (%v)", c.Lock.InitialBackoff, c.Lock.MaxBackoff))
	}

	for name, v := range map[string]float64{
		"decay.rate_per_week":              c.Decay.RatePerWeek,
		"decay.dormant_rate_per_week":      c.Decay.DormantRatePerWeek,
		"decay.forget_threshold":           c.Decay.ForgetThreshold,
		"decay.deprecate_threshold":        c.Decay.DeprecateThreshold,
		"reflection.review_threshold":      c.Reflection.ReviewThreshold,
		"reflection.auto_accept_threshold": c.Reflection.AutoAcceptThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1, got %f", name, v))
		}
	}
	if c.Decay.ForgetThreshold > c.Decay.DeprecateThreshold {
		errs = append(errs, fmt.Errorf("decay.forget_threshold (%f) must not exceed deprecate_threshold (%f)",
			c.Decay.ForgetThreshold, c.Decay.DeprecateThreshold))
	}
	if c.Lifecycle.DormantAfter < c.Lifecycle.DecayingAfter {
		errs = append(errs, errors.New("lifecycle.dormant_after must not be shorter than decaying_after"))
	}

	if c.Search.RRFK <= 0 {
		errs = append(errs, fmt.Errorf("search.rrf_k must be positive, got %f", c.Search.RRFK))
	}
	if c.Search.Overfetch < 1 {
		errs = append(errs, fmt.Errorf("search.overfetch must be at least 1, got %d", c.Search.Overfetch))
	}
	if c.Search.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("search.max_depth must be at least 1, got %d", c.Search.MaxDepth))
	}
	validModes := map[string]bool{"strict": true, "balanced": true, "audit": true}
	if !validModes[c.Search.DefaultMode] {
		errs = append(errs, fmt.Errorf("invalid search mode: %s (valid: strict, balanced, audit)", c.Search.DefaultMode))
	}

	validProviders := map[string]bool{"": true, "openai": true, "ollama": true}
	if !validProviders[c.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("invalid embedding provider: %s (valid: openai, ollama, or empty)", c.Embedding.Provider))
	}

	for name, d := range map[string]time.Duration{
		"maintenance.sync_interval":       c.Maintenance.SyncInterval,
		"maintenance.decay_interval":      c.Maintenance.DecayInterval,
		"maintenance.reflection_interval": c.Maintenance.ReflectionInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}

	validLevels := map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level: %s (valid: error, warn, info, debug, trace, or empty for default)", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("LEDGERMIND_ROOT"); v != "" {
		config.Root = v
	}

	if v := os.Getenv("LEDGERMIND_NAMESPACE"); v != "" {
		config.Namespace = v
	}

	if v := os.Getenv("LEDGERMIND_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("LEDGERMIND_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Lock.Timeout = d
		}
	}

	if v := os.Getenv("LEDGERMIND_GIT_AUDIT"); v != "" {
		config.Audit.Git = v == "true" || v == "1"
	}

	if v := os.Getenv("LEDGERMIND_EMBED_PROVIDER"); v != "" {
		config.Embedding.Provider = v
	}
	if v := os.Getenv("LEDGERMIND_EMBED_MODEL"); v != "" {
		config.Embedding.Model = v
	}
	if v := os.Getenv("LEDGERMIND_EMBED_BASE_URL"); v != "" {
		config.Embedding.BaseURL = v
	}
	if v := os.Getenv("LEDGERMIND_EMBED_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("LEDGERMIND_EMBED_API_KEY"); v != "" {
		config.Embedding.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && config.Embedding.Provider == "openai" && config.Embedding.APIKey == "" {
		config.Embedding.APIKey = v
	}

	// Ollama uses OLLAMA_HOST for base URL (no API key needed)
	if config.Embedding.Provider == "ollama" && config.Embedding.BaseURL == "" {
		if v := os.Getenv("OLLAMA_HOST"); v != "" {
			config.Embedding.BaseURL = strings.TrimSuffix(v, "/") + "/v1"
		} else {
			config.Embedding.BaseURL = "http://localhost:11434/v1"
		}
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
