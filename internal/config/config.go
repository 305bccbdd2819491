// Package config loads essaygraph's settings from a YAML file, a .env file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v2"

	"github.com/dshills/essaygraph/essay"
	"github.com/dshills/essaygraph/graph"
)

// Config is the full application configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Search    SearchConfig    `yaml:"search"`
	Store     StoreConfig     `yaml:"store"`
	Run       RunConfig       `yaml:"run"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ModelConfig selects the language model.
type ModelConfig struct {
	Provider    string        `yaml:"provider" validate:"oneof=openai anthropic google"`
	Name        string        `yaml:"name"`
	APIKey      string        `yaml:"api_key"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	BaseURL     string        `yaml:"base_url" validate:"omitempty,url"`
}

// SearchConfig configures the Tavily client and the research fan-out.
type SearchConfig struct {
	APIKey      string        `yaml:"api_key"`
	Endpoint    string        `yaml:"endpoint" validate:"omitempty,url"`
	Depth       string        `yaml:"depth" validate:"oneof=basic advanced"`
	MaxResults  int           `yaml:"max_results" validate:"gte=1,lte=20"`
	MaxQueries  int           `yaml:"max_queries" validate:"gte=1,lte=10"`
	Concurrency int           `yaml:"concurrency" validate:"gte=1"`
	RateLimit   float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst       int           `yaml:"burst" validate:"gte=1"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	Retry       RetryConfig   `yaml:"retry"`
}

// RetryConfig mirrors graph.RetryPolicy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	Backend  string `yaml:"backend" validate:"oneof=memory sqlite mysql postgres redis"`
	Path     string `yaml:"path" validate:"required_if=Backend sqlite"`
	DSN      string `yaml:"dsn" validate:"required_if=Backend mysql,required_if=Backend postgres"`
	Addr     string `yaml:"addr" validate:"required_if=Backend redis"`
	Prefix   string `yaml:"prefix"`
	Codec    string `yaml:"codec" validate:"oneof=json msgpack"`
	Compress bool   `yaml:"compress"`
}

// RunConfig holds workflow defaults.
type RunConfig struct {
	MaxRevisions   int           `yaml:"max_revisions" validate:"gte=0"`
	InterruptAfter []string      `yaml:"interrupt_after" validate:"dive,oneof=planner research_plan generate reflect research_critique"`
	NodeTimeout    time.Duration `yaml:"node_timeout" validate:"gte=0"`
	MaxSteps       int           `yaml:"max_steps" validate:"gte=1"`
	ExportDir      string        `yaml:"export_dir"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig configures tracing and the metrics endpoint.
type TelemetryConfig struct {
	Tracing      string `yaml:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Tracing otlp"`
	ServiceName  string `yaml:"service_name"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "openai",
			Temperature: 0.3,
			Timeout:     90 * time.Second,
		},
		Search: SearchConfig{
			Depth:       "basic",
			MaxResults:  essay.DefaultMaxResults,
			MaxQueries:  essay.DefaultMaxQueries,
			Concurrency: essay.DefaultSearchConcurrency,
			RateLimit:   5,
			Burst:       3,
			Timeout:     30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    8 * time.Second,
			},
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "essaygraph.db",
			Prefix:  "essaygraph:",
			Codec:   "json",
		},
		Run: RunConfig{
			MaxRevisions: 2,
			MaxSteps:     essay.DefaultMaxSteps,
			ExportDir:    ".",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{
			Tracing:     "none",
			ServiceName: "essaygraph",
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips it. envFiles are loaded with godotenv before the
// environment is read; with none given, ./.env is loaded if present.
// Variables already set in the environment win over .env entries.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := loadDotenv(envFiles); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDotenv(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// applyEnv overlays ESSAYGRAPH_* variables and the provider API keys.
func (c *Config) applyEnv() error {
	c.Model.Provider = getEnvWithDefault("ESSAYGRAPH_MODEL_PROVIDER", c.Model.Provider)
	c.Model.Name = getEnvWithDefault("ESSAYGRAPH_MODEL", c.Model.Name)
	c.Model.BaseURL = getEnvWithDefault("ESSAYGRAPH_MODEL_BASE_URL", c.Model.BaseURL)
	c.Store.Backend = getEnvWithDefault("ESSAYGRAPH_STORE", c.Store.Backend)
	c.Store.Path = getEnvWithDefault("ESSAYGRAPH_STORE_PATH", c.Store.Path)
	c.Store.DSN = getEnvWithDefault("ESSAYGRAPH_STORE_DSN", c.Store.DSN)
	c.Store.Addr = getEnvWithDefault("ESSAYGRAPH_REDIS_ADDR", c.Store.Addr)
	c.Log.Level = getEnvWithDefault("ESSAYGRAPH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvWithDefault("ESSAYGRAPH_LOG_FORMAT", c.Log.Format)
	c.Telemetry.Tracing = getEnvWithDefault("ESSAYGRAPH_TRACING", c.Telemetry.Tracing)
	c.Telemetry.OTLPEndpoint = getEnvWithDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.MetricsAddr = getEnvWithDefault("ESSAYGRAPH_METRICS_ADDR", c.Telemetry.MetricsAddr)
	c.Search.APIKey = getEnvWithDefault("TAVILY_API_KEY", c.Search.APIKey)

	var err error
	if c.Run.MaxRevisions, err = getEnvAsInt("ESSAYGRAPH_MAX_REVISIONS", c.Run.MaxRevisions); err != nil {
		return err
	}
	if c.Model.Temperature, err = getEnvAsFloat("ESSAYGRAPH_TEMPERATURE", c.Model.Temperature); err != nil {
		return err
	}
	if c.Run.NodeTimeout, err = getEnvAsDuration("ESSAYGRAPH_NODE_TIMEOUT", c.Run.NodeTimeout); err != nil {
		return err
	}
	if v := os.Getenv("ESSAYGRAPH_INTERRUPT_AFTER"); v != "" {
		c.Run.InterruptAfter = splitList(v)
	}

	if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv(providerKeyEnv(c.Model.Provider))
	}
	return nil
}

func providerKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. Credentials are checked separately by
// RequireCredentials, since read-only commands do not need them.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if r := c.Search.Retry; r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		return errors.New("search.retry.max_delay must not be below base_delay")
	}
	return nil
}

// RequireCredentials reports missing API keys for the selected model and
// for search.
func (c *Config) RequireCredentials() error {
	var missing []string
	if c.Model.APIKey == "" {
		missing = append(missing, providerKeyEnv(c.Model.Provider))
	}
	if c.Search.APIKey == "" {
		missing = append(missing, "TAVILY_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Essay converts the settings to the agent's configuration.
func (c *Config) Essay() essay.Config {
	return essay.Config{
		MaxQueries:        c.Search.MaxQueries,
		MaxResults:        c.Search.MaxResults,
		SearchConcurrency: c.Search.Concurrency,
		SearchRetry: &graph.RetryPolicy{
			MaxAttempts: c.Search.Retry.MaxAttempts,
			BaseDelay:   c.Search.Retry.BaseDelay,
			MaxDelay:    c.Search.Retry.MaxDelay,
		},
		NodeTimeout:    c.Run.NodeTimeout,
		MaxSteps:       c.Run.MaxSteps,
		InterruptAfter: append([]string(nil), c.Run.InterruptAfter...),
	}
}

// SlogLevel maps Log.Level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
