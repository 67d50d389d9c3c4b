package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	MaxTokens     int `yaml:"max_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

// IVFConfig tunes the clustered approximate index.
type IVFConfig struct {
	Lists          int `yaml:"lists"`
	NProbe         int `yaml:"nprobe"`
	TrainThreshold int `yaml:"train_threshold"`
	Iterations     int `yaml:"iterations"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Collection  string `yaml:"collection"`
	Size        int    `yaml:"size"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// IndexConfig selects and configures the similarity index implementation.
type IndexConfig struct {
	Type   string        `yaml:"type"`
	IVF    *IVFConfig    `yaml:"ivf,omitempty"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// RetrieverConfig holds query defaults.
type RetrieverConfig struct {
	TopK                 int     `yaml:"top_k"`
	MinScore             float64 `yaml:"min_score"`
	SummarySentences     int     `yaml:"summary_sentences"`
	SynthesisTimeoutSecs int     `yaml:"synthesis_timeout_secs"`
}

// SynthesisConfig configures the optional OpenAI-compatible answer writer.
type SynthesisConfig struct {
	Enabled     bool    `yaml:"enabled"`
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Model       string  `yaml:"model"`
	TimeoutSecs int     `yaml:"timeout_secs"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	MaxRetries  int     `yaml:"max_retries"`
}

// PredictionConfig configures the classification engines.
type PredictionConfig struct {
	// RulesFile overrides the built-in rule table when set.
	RulesFile          string             `yaml:"rules_file,omitempty"`
	UpgradeThreshold   float64            `yaml:"upgrade_threshold"`
	RiskHigh           float64            `yaml:"risk_high"`
	RiskMedium         float64            `yaml:"risk_medium"`
	SeverityCutoff     float64            `yaml:"severity_cutoff"`
	MaxRecommendations int                `yaml:"max_recommendations"`
	Guidelines         bool               `yaml:"guidelines"`
	CMI                map[string]float64 `yaml:"cmi"`
	RevenueBase        float64            `yaml:"revenue_base"`
	BatchWorkers       int                `yaml:"batch_workers"`
}

// StoreConfig locates the snapshot database. An empty path disables
// persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Index      IndexConfig      `yaml:"index"`
	Retriever  RetrieverConfig  `yaml:"retriever"`
	Synthesis  SynthesisConfig  `yaml:"synthesis"`
	Prediction PredictionConfig `yaml:"prediction"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*AppConfig, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/himcore/config.yaml.
// If neither exists, it writes defaults to ~/.config/himcore/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects settings the engines cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Chunker.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("chunker.max_tokens must be positive"))
	}
	if c.Chunker.OverlapTokens < 0 || c.Chunker.OverlapTokens >= c.Chunker.MaxTokens {
		errs = append(errs, fmt.Errorf("chunker.overlap_tokens must be in [0, max_tokens)"))
	}
	switch c.Index.Type {
	case "memory", "ivf":
	case "qdrant":
		if c.Index.Qdrant == nil || c.Index.Qdrant.URL == "" {
			errs = append(errs, fmt.Errorf("index.qdrant.url is required for the qdrant index"))
		}
	default:
		errs = append(errs, fmt.Errorf("index.type %q is not one of memory, ivf, qdrant", c.Index.Type))
	}
	if c.Retriever.MinScore < 0 || c.Retriever.MinScore > 1 {
		errs = append(errs, fmt.Errorf("retriever.min_score must be in [0, 1]"))
	}
	p := c.Prediction
	if p.UpgradeThreshold <= 0 || p.UpgradeThreshold > 1 {
		errs = append(errs, fmt.Errorf("prediction.upgrade_threshold must be in (0, 1]"))
	}
	if !(p.RiskMedium > 0 && p.RiskMedium < p.RiskHigh && p.RiskHigh <= 1) {
		errs = append(errs, fmt.Errorf("prediction risk thresholds must satisfy 0 < risk_medium < risk_high <= 1"))
	}
	for group, w := range p.CMI {
		switch strings.ToUpper(group) {
		case "A", "B", "C":
		default:
			errs = append(errs, fmt.Errorf("prediction.cmi has unknown group %q", group))
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("prediction.cmi[%s] must not be negative", group))
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a config level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger builds the process logger from the log section.
func (c *AppConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil || verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "himcore", "config.yaml"), nil
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "himcore.db"
	}
	return filepath.Join(home, ".local", "share", "himcore", "himcore.db")
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Chunker: ChunkerConfig{MaxTokens: 200, OverlapTokens: 40},
		Index:   IndexConfig{Type: "memory"},
		Retriever: RetrieverConfig{
			TopK:                 5,
			MinScore:             0.05,
			SummarySentences:     3,
			SynthesisTimeoutSecs: 30,
		},
		Synthesis: SynthesisConfig{
			BaseURL:     "http://localhost:11434/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       "qwen2.5:7b",
			TimeoutSecs: 30,
			Temperature: 0.2,
			MaxTokens:   1024,
			MaxRetries:  2,
		},
		Prediction: PredictionConfig{
			UpgradeThreshold:   0.6,
			RiskHigh:           0.7,
			RiskMedium:         0.4,
			SeverityCutoff:     0.1,
			MaxRecommendations: 5,
			Guidelines:         true,
			CMI:                map[string]float64{"A": 1.3, "B": 1.0, "C": 0.7},
			RevenueBase:        300000,
		},
		Store:   StoreConfig{Path: defaultStorePath()},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Index.Type == "" {
		cfg.Index.Type = "memory"
	}
	if cfg.Index.Type == "ivf" && cfg.Index.IVF == nil {
		cfg.Index.IVF = &IVFConfig{}
	}
	if cfg.Index.Type == "qdrant" && cfg.Index.Qdrant != nil {
		if cfg.Index.Qdrant.Collection == "" {
			cfg.Index.Qdrant.Collection = "himcore_chunks"
		}
		if cfg.Index.Qdrant.Size == 0 {
			cfg.Index.Qdrant.Size = 8192
		}
		if cfg.Index.Qdrant.TimeoutSecs == 0 {
			cfg.Index.Qdrant.TimeoutSecs = 10
		}
	}
	if cfg.Retriever.TopK == 0 {
		cfg.Retriever.TopK = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
