// Package config loads run settings from defaults, an optional YAML file and the
// environment, in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shpitdev/meta-enhancer/internal/columns"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendAuto   = ""
	BackendNone   = "none"
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
	BackendHTTP   = "http"
)

type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Backend  BackendConfig  `yaml:"backend"`
	Columns  ColumnsConfig  `yaml:"columns"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Quota    QuotaConfig    `yaml:"quota"`
}

type PipelineConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxRows        int           `yaml:"max_rows"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
}

type BackendConfig struct {
	// Name selects the remote backend. Empty picks the first one with credentials.
	Name   string       `yaml:"name"`
	Gemini GeminiConfig `yaml:"gemini"`
	OpenAI OpenAIConfig `yaml:"openai"`
	HTTP   HTTPConfig   `yaml:"http"`
}

type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type HTTPConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ColumnsConfig replaces the built-in detection tables when non-empty.
type ColumnsConfig struct {
	TitlePatterns       []string `yaml:"title_patterns"`
	DescriptionPatterns []string `yaml:"description_patterns"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type QuotaConfig struct {
	// DSN of the SQLite usage ledger. Empty disables quotas.
	DSN      string `yaml:"dsn"`
	FreeRows int    `yaml:"free_rows"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			BatchSize:      3,
			MaxRows:        5000,
			MaxRetries:     3,
			RequestTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 10 << 20,
		},
		Quota: QuotaConfig{
			FreeRows: 50,
		},
	}
}

// Load builds a validated Config. path may be empty. overrides run after the
// environment is applied and before validation; the CLI uses them for flags.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config YAML %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	p := c.Pipeline
	if p.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be positive (got %d)", p.BatchSize))
	}
	if p.MaxRows <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ROWS must be positive (got %d)", p.MaxRows))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be non-negative (got %d)", p.MaxRetries))
	}
	if p.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive (got %s)", p.RequestTimeout))
	}
	if p.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be non-negative (got %g)", p.RateLimitRPS))
	}

	switch c.ResolvedBackend() {
	case BackendNone:
	case BackendGemini:
		if strings.TrimSpace(c.Backend.Gemini.APIKey) == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini backend"))
		}
	case BackendOpenAI:
		if strings.TrimSpace(c.Backend.OpenAI.APIKey) == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai backend"))
		}
	case BackendHTTP:
		if strings.TrimSpace(c.Backend.HTTP.URL) == "" {
			errs = append(errs, errors.New("ENHANCE_FN_URL is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ENHANCER_BACKEND must be one of none, gemini, openai, http (got %q)", c.Backend.Name))
	}

	if _, err := columns.NewDetector(c.Columns.TitlePatterns, c.Columns.DescriptionPatterns); err != nil {
		errs = append(errs, fmt.Errorf("column patterns: %w", err))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console (got %q)", c.Log.Format))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload size must be positive (got %d)", c.Server.MaxUploadBytes))
	}
	if c.Quota.FreeRows < 0 {
		errs = append(errs, fmt.Errorf("QUOTA_FREE_ROWS must be non-negative (got %d)", c.Quota.FreeRows))
	}
	return errors.Join(errs...)
}

// ResolvedBackend returns the backend a run will use. With no explicit name the first
// backend with credentials wins, in the order gemini, openai, http.
func (c Config) ResolvedBackend() string {
	name := strings.ToLower(strings.TrimSpace(c.Backend.Name))
	if name != BackendAuto {
		return name
	}
	switch {
	case strings.TrimSpace(c.Backend.Gemini.APIKey) != "":
		return BackendGemini
	case strings.TrimSpace(c.Backend.OpenAI.APIKey) != "":
		return BackendOpenAI
	case strings.TrimSpace(c.Backend.HTTP.URL) != "":
		return BackendHTTP
	}
	return BackendNone
}
