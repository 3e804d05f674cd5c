package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error

	c.Pipeline.BatchSize, err = envInt("BATCH_SIZE", c.Pipeline.BatchSize)
	collect(err)
	c.Pipeline.MaxRows, err = envInt("MAX_ROWS", c.Pipeline.MaxRows)
	collect(err)
	c.Pipeline.MaxRetries, err = envInt("MAX_RETRIES", c.Pipeline.MaxRetries)
	collect(err)
	c.Pipeline.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", c.Pipeline.RequestTimeout)
	collect(err)
	c.Pipeline.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", c.Pipeline.RateLimitRPS)
	collect(err)

	c.Backend.Name = envString("ENHANCER_BACKEND", c.Backend.Name)
	c.Backend.Gemini.APIKey = envString("GEMINI_API_KEY", c.Backend.Gemini.APIKey)
	c.Backend.Gemini.Model = envString("GEMINI_MODEL", c.Backend.Gemini.Model)
	c.Backend.Gemini.BaseURL = envString("GEMINI_BASE_URL", c.Backend.Gemini.BaseURL)
	c.Backend.OpenAI.APIKey = envString("OPENAI_API_KEY", c.Backend.OpenAI.APIKey)
	c.Backend.OpenAI.Model = envString("OPENAI_MODEL", c.Backend.OpenAI.Model)
	c.Backend.OpenAI.BaseURL = envString("OPENAI_BASE_URL", c.Backend.OpenAI.BaseURL)
	c.Backend.HTTP.URL = envString("ENHANCE_FN_URL", c.Backend.HTTP.URL)
	c.Backend.HTTP.Token = envString("ENHANCE_FN_TOKEN", c.Backend.HTTP.Token)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
	c.Server.Addr = envString("SERVER_ADDR", c.Server.Addr)
	c.Quota.DSN = envString("QUOTA_DSN", c.Quota.DSN)
	c.Quota.FreeRows, err = envInt("QUOTA_FREE_ROWS", c.Quota.FreeRows)
	collect(err)

	return errors.Join(errs...)
}

func envString(varName string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
