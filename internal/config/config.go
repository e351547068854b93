package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// #region config

// Config is the full evalpipe configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Runner    RunnerConfig    `yaml:"runner"`
	LLM       LLMConfig       `yaml:"llm"`
	Promotion PromotionConfig `yaml:"promotion"`
	Curator   CuratorConfig   `yaml:"curator"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Generator GeneratorConfig `yaml:"generator"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// RunnerConfig addresses the batch runner collaborator.
type RunnerConfig struct {
	Transport         string        `yaml:"transport"` // http | grpc
	URL               string        `yaml:"url"`       // http base URL or grpc host:port
	Timeout           time.Duration `yaml:"timeout"`
	ChunkSize         int           `yaml:"chunk_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Suite             string        `yaml:"suite"`
	FormatKey         string        `yaml:"format_key"`
}

type LLMConfig struct {
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PromotionConfig holds the champion/challenger thresholds.
type PromotionConfig struct {
	Kind            string  `yaml:"kind"`
	MinDelta        float64 `yaml:"min_delta"`         // percentage points a candidate must beat the champion by
	BatchLimit      int     `yaml:"batch_limit"`       // cases in the baseline run
	CompareLimit    int     `yaml:"compare_limit"`     // cases in the champion/candidate comparison
	VerifyGoldenSet bool    `yaml:"verify_golden_set"` // run the golden set inline before auto-adopting
	GoldenPassRate  float64 `yaml:"golden_pass_rate"`  // non-strict sets pass at or above this rate
}

type CuratorConfig struct {
	MinSize             int     `yaml:"min_size"`
	Fraction            float64 `yaml:"fraction"`
	DefaultPassRate     float64 `yaml:"default_pass_rate"`
	HallucinationWeight float64 `yaml:"hallucination_weight"`
	DisagreementWeight  float64 `yaml:"disagreement_weight"`
	NamePrefix          string  `yaml:"name_prefix"`
}

type SchedulerConfig struct {
	RunHour               int           `yaml:"run_hour"`
	DefaultAlertThreshold float64       `yaml:"default_alert_threshold"`
	WebhookTimeout        time.Duration `yaml:"webhook_timeout"`
}

type GeneratorConfig struct {
	DefaultCount int `yaml:"default_count"`
	MaxDigest    int `yaml:"max_digest"`
	TruncateAt   int `yaml:"truncate_at"`
	MaxTokens    int `yaml:"max_tokens"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Development bool   `yaml:"development"`
}

// #endregion config

// #region defaults

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "evalpipe.db"},
		Runner: RunnerConfig{
			Transport:         "http",
			URL:               "http://localhost:3000/api/admin/ai-test/batch",
			Timeout:           5 * time.Minute,
			ChunkSize:         12,
			RequestsPerSecond: 1,
			Suite:             "default",
		},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 2000,
			Timeout:   2 * time.Minute,
		},
		Promotion: PromotionConfig{
			Kind:           "chat",
			MinDelta:       5,
			BatchLimit:     50,
			CompareLimit:   15,
			GoldenPassRate: 70,
		},
		Curator: CuratorConfig{
			MinSize:             10,
			Fraction:            0.2,
			DefaultPassRate:     50,
			HallucinationWeight: 5,
			DisagreementWeight:  0.5,
			NamePrefix:          "Auto-Golden-",
		},
		Scheduler: SchedulerConfig{
			RunHour:               2,
			DefaultAlertThreshold: 70,
			WebhookTimeout:        10 * time.Second,
		},
		Generator: GeneratorConfig{
			DefaultCount: 5,
			MaxDigest:    10,
			TruncateAt:   300,
			MaxTokens:    2000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// #endregion defaults

// #region load

// Load reads path (a missing file yields defaults), then applies .env and
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files (default ".env") into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// envOverrides lists the variables that override the file. Empty means unset.
type envOverrides struct {
	DBPath          string `env:"EVALPIPE_DB"`
	RunnerURL       string `env:"EVALPIPE_RUNNER_URL"`
	RunnerTransport string `env:"EVALPIPE_RUNNER_TRANSPORT"`
	OpenAIKey       string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	LLMModel        string `env:"EVALPIPE_LLM_MODEL"`
	LogLevel        string `env:"EVALPIPE_LOG_LEVEL"`
	LogFormat       string `env:"EVALPIPE_LOG_FORMAT"`
	VerifyGolden    string `env:"EVALPIPE_VERIFY_GOLDEN_SET"`
}

func (c *Config) applyEnvOverrides() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.DBPath != "" {
		c.Store.Path = o.DBPath
	}
	if o.RunnerURL != "" {
		c.Runner.URL = o.RunnerURL
	}
	if o.RunnerTransport != "" {
		c.Runner.Transport = strings.ToLower(o.RunnerTransport)
	}
	if o.OpenAIKey != "" {
		c.LLM.APIKey = o.OpenAIKey
	}
	if o.OpenAIBaseURL != "" {
		c.LLM.BaseURL = o.OpenAIBaseURL
	}
	if o.LLMModel != "" {
		c.LLM.Model = o.LLMModel
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Logging.Format = o.LogFormat
	}
	if o.VerifyGolden != "" {
		v, err := strconv.ParseBool(o.VerifyGolden)
		if err != nil {
			return fmt.Errorf("EVALPIPE_VERIFY_GOLDEN_SET: %w", err)
		}
		c.Promotion.VerifyGoldenSet = v
	}
	return nil
}

// #endregion load

// #region validate

// Upper bounds on the cases a single optimization run may send.
const (
	MaxBatchLimit   = 50
	MaxCompareLimit = 15
)

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Runner.Transport {
	case "http", "grpc":
	default:
		return fmt.Errorf("runner.transport must be http or grpc, got %q", c.Runner.Transport)
	}
	if c.Runner.ChunkSize <= 0 {
		return fmt.Errorf("runner.chunk_size must be positive")
	}
	if c.Promotion.MinDelta < 0 {
		return fmt.Errorf("promotion.min_delta must not be negative")
	}
	if c.Promotion.BatchLimit <= 0 || c.Promotion.BatchLimit > MaxBatchLimit {
		return fmt.Errorf("promotion.batch_limit must be 1-%d, got %d", MaxBatchLimit, c.Promotion.BatchLimit)
	}
	if c.Promotion.CompareLimit <= 0 || c.Promotion.CompareLimit > MaxCompareLimit {
		return fmt.Errorf("promotion.compare_limit must be 1-%d, got %d", MaxCompareLimit, c.Promotion.CompareLimit)
	}
	if c.Promotion.Kind != "chat" && c.Promotion.Kind != "deck_analysis" {
		return fmt.Errorf("promotion.kind must be chat or deck_analysis, got %q", c.Promotion.Kind)
	}
	if c.Curator.Fraction <= 0 || c.Curator.Fraction > 1 {
		return fmt.Errorf("curator.fraction must be in (0,1]")
	}
	if c.Scheduler.RunHour < 0 || c.Scheduler.RunHour > 23 {
		return fmt.Errorf("scheduler.run_hour must be 0-23")
	}
	if c.Scheduler.DefaultAlertThreshold < 0 || c.Scheduler.DefaultAlertThreshold > 100 {
		return fmt.Errorf("scheduler.default_alert_threshold must be 0-100")
	}
	return nil
}

// #endregion validate
