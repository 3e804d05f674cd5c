// Package gemini implements enhance.Backend on the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shpitdev/meta-enhancer/internal/enhance"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/core"
	"google.golang.org/genai"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.5-flash"

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// Temperature is passed through when non-nil.
	Temperature *float32
}

type Backend struct {
	client      *genai.Client
	model       string
	temperature *float32
}

func New(ctx context.Context, cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Backend{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Model reports the model name requests are sent to.
func (b *Backend) Model() string {
	return b.model
}

func (b *Backend) Enhance(ctx context.Context, req enhance.Request) (string, error) {
	resp, err := b.client.Models.GenerateContent(
		ctx,
		b.model,
		genai.Text(enhance.UserPrompt(req)),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(enhance.SystemPrompt(req.IsTitle, req.MaxLength), genai.RoleUser),
			CandidateCount:    1,
			Temperature:       b.temperature,
		},
	)
	if err != nil {
		return "", classifyErr(err)
	}
	return resp.Text(), nil
}

func classifyErr(err error) error {
	// Wrap transient failures so the retrier backs off and tries again.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			// Quota windows rarely clear within a single run; retry once only.
			return &core.LimitedTransientError{Err: err, ExtraRetries: 1}
		case apiErr.Code/100 == 5:
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) { //nolint:staticcheck // Temporary still set by some transports
		return &core.TransientError{Err: err}
	}
	return err
}
