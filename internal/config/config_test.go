package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envVars = []string{
	"BATCH_SIZE", "MAX_ROWS", "MAX_RETRIES", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS",
	"ENHANCER_BACKEND", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL",
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "ENHANCE_FN_URL", "ENHANCE_FN_TOKEN",
	"LOG_LEVEL", "LOG_FORMAT", "SERVER_ADDR", "QUOTA_DSN", "QUOTA_FREE_ROWS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 3, cfg.Pipeline.BatchSize)
	assert.Equal(t, 5000, cfg.Pipeline.MaxRows)
	assert.Equal(t, BackendNone, cfg.ResolvedBackend())
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
pipeline:
  batch_size: 5
  request_timeout: 10s
  rate_limit_rps: 2.5
backend:
  name: openai
  openai:
    api_key: sk-from-file
    model: gpt-test
columns:
  title_patterns: ["^name$"]
log:
  format: console
`)
	t.Setenv("BATCH_SIZE", "7")
	t.Setenv("OPENAI_MODEL", "gpt-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pipeline.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.RequestTimeout)
	assert.InDelta(t, 2.5, cfg.Pipeline.RateLimitRPS, 1e-9)
	assert.Equal(t, BackendOpenAI, cfg.ResolvedBackend())
	assert.Equal(t, "sk-from-file", cfg.Backend.OpenAI.APIKey)
	assert.Equal(t, "gpt-env", cfg.Backend.OpenAI.Model)
	assert.Equal(t, []string{"^name$"}, cfg.Columns.TitlePatterns)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5000, cfg.Pipeline.MaxRows)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "pipeline:\n  batch_sise: 4\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_sise")
}

func TestLoad_InvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_RETRIES", "many")
	t.Setenv("REQUEST_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RETRIES")
	assert.Contains(t, err.Error(), "REQUEST_TIMEOUT")
}

func TestLoad_OverridesRunBeforeValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENHANCER_BACKEND", "gemini")

	_, err := Load("")
	require.Error(t, err)

	cfg, err := Load("", func(c *Config) { c.Backend.Name = BackendNone })
	require.NoError(t, err)
	assert.Equal(t, BackendNone, cfg.ResolvedBackend())
}

func TestResolvedBackend(t *testing.T) {
	tests := []struct {
		name string
		cfg  BackendConfig
		want string
	}{
		{name: "none", want: BackendNone},
		{name: "explicit", cfg: BackendConfig{Name: " HTTP "}, want: BackendHTTP},
		{name: "gemini key wins", cfg: BackendConfig{Gemini: GeminiConfig{APIKey: "g"}, OpenAI: OpenAIConfig{APIKey: "o"}}, want: BackendGemini},
		{name: "openai key", cfg: BackendConfig{OpenAI: OpenAIConfig{APIKey: "o"}}, want: BackendOpenAI},
		{name: "function url", cfg: BackendConfig{HTTP: HTTPConfig{URL: "http://fn"}}, want: BackendHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Config{Backend: tt.cfg}.ResolvedBackend())
		})
	}
}

func TestValidate(t *testing.T) {
	ok := Default()
	require.NoError(t, ok.Validate())

	bad := Default()
	bad.Pipeline.BatchSize = 0
	bad.Pipeline.RateLimitRPS = -1
	bad.Backend.Name = "gemini"
	bad.Columns.DescriptionPatterns = []string{"("}
	bad.Log.Format = "xml"
	err := bad.Validate()
	require.Error(t, err)
	for _, want := range []string{"BATCH_SIZE", "RATE_LIMIT_RPS", "GEMINI_API_KEY", "column patterns", "LOG_FORMAT"} {
		assert.Contains(t, err.Error(), want)
	}

	unknown := Default()
	unknown.Backend.Name = "claude"
	require.ErrorContains(t, unknown.Validate(), "ENHANCER_BACKEND")
}
