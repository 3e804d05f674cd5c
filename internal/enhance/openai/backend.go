// Package openai implements enhance.Backend on OpenAI-compatible chat completions.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/shpitdev/meta-enhancer/internal/enhance"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/core"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = openai.ChatModelGPT4oMini

type Config struct {
	APIKey string
	Model  string

	// BaseURL points the client at an OpenAI-compatible gateway.
	BaseURL string
}

type Backend struct {
	client openai.Client
	model  openai.ChatModel
}

func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	model := openai.ChatModel(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = DefaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		// Retries are owned by worker.Retry so the rate limiter sees every attempt.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSpace(cfg.BaseURL)))
	}
	return &Backend{client: openai.NewClient(opts...), model: model}, nil
}

func (b *Backend) Model() string {
	return string(b.model)
}

func (b *Backend) Enhance(ctx context.Context, req enhance.Request) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(enhance.SystemPrompt(req.IsTitle, req.MaxLength)),
			openai.UserMessage(enhance.UserPrompt(req)),
		},
		N: openai.Int(1),
	})
	if err != nil {
		return "", classifyErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &core.LimitedTransientError{Err: err, ExtraRetries: 1}
		case apiErr.StatusCode/100 == 5:
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &core.TransientError{Err: err}
	}
	return err
}
