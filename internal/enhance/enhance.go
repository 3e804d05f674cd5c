// Package enhance calls a model-backed text-enhancement service for a single title or
// description.
//
// Remote either returns the service's text or a *ServiceError. It never falls back on
// its own; callers decide what to substitute.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shpitdev/meta-enhancer/pkg/pipeline/worker"
)

// Request is one enhancement call.
type Request struct {
	Text      string `json:"text"`
	IsTitle   bool   `json:"isTitle"`
	MaxLength int    `json:"maxLength"`
}

// Response is the wire shape returned by network-exposed enhancement functions.
type Response struct {
	EnhancedText string `json:"enhancedText"`
}

// Backend performs a single attempt against a concrete service.
//
// Implementations wrap retryable failures in core.TransientError or
// core.LimitedTransientError.
type Backend interface {
	Enhance(ctx context.Context, req Request) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (string, error)

func (f BackendFunc) Enhance(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrMalformedResponse is wrapped by ServiceError when the service answered with
// empty or over-length text.
var ErrMalformedResponse = errors.New("malformed enhancement response")

// ServiceError reports a failed remote enhancement.
type ServiceError struct {
	Backend string
	Err     error
}

func (e *ServiceError) Error() string {
	if e == nil || e.Err == nil {
		return "enhancement service error"
	}
	if e.Backend == "" {
		return "enhancement service: " + e.Err.Error()
	}
	return fmt.Sprintf("enhancement service %s: %s", e.Backend, e.Err.Error())
}

func (e *ServiceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Remote is the RemoteEnhancer: one backend behind shared retry and rate limiting.
type Remote struct {
	name    string
	backend Backend
	retrier *worker.Retrier
}

// NewRemote wraps backend. A nil retrier uses worker defaults (no retries, no rate limit).
func NewRemote(name string, backend Backend, retrier *worker.Retrier) *Remote {
	if retrier == nil {
		retrier = worker.NewRetrier(worker.Options{})
	}
	return &Remote{name: name, backend: backend, retrier: retrier}
}

// Name identifies the backend in logs.
func (r *Remote) Name() string {
	return r.name
}

// Enhance returns the service's rewrite of text, which is at most maxLength runes.
// Empty text returns "" without calling the service.
func (r *Remote) Enhance(ctx context.Context, text string, isTitle bool, maxLength int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	req := Request{Text: text, IsTitle: isTitle, MaxLength: maxLength}

	out, err := worker.Retry(ctx, r.retrier, func(ctx context.Context) (string, error) {
		return r.backend.Enhance(ctx, req)
	})
	if err != nil {
		return "", &ServiceError{Backend: r.name, Err: err}
	}

	out = cleanResponse(out)
	if out == "" {
		return "", &ServiceError{Backend: r.name, Err: fmt.Errorf("%w: empty text", ErrMalformedResponse)}
	}
	if maxLength > 0 && utf8.RuneCountInString(out) > maxLength {
		return "", &ServiceError{
			Backend: r.name,
			Err:     fmt.Errorf("%w: %d characters exceeds limit %d", ErrMalformedResponse, utf8.RuneCountInString(out), maxLength),
		}
	}
	return out, nil
}

var quotePairs = [][2]string{
	{`"`, `"`},
	{`'`, `'`},
	{"\u201c", "\u201d"},
	{"`", "`"},
}

// cleanResponse trims whitespace and a single pair of wrapping quotes, which models
// tend to add around short answers.
func cleanResponse(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range quotePairs {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}

// SystemPrompt is the instruction shared by every model-backed backend.
func SystemPrompt(isTitle bool, maxLength int) string {
	if isTitle {
		return strings.TrimSpace(fmt.Sprintf(`
You are an SEO copywriter. Rewrite the page title you are given.

Rules:
- Return ONLY the optimized title. No explanation, no quotes, no labels.
- Keep it under %d characters.
- Put the most important keywords first.
- Keep it informative and accurate to the original.
`, maxLength))
	}
	return strings.TrimSpace(fmt.Sprintf(`
You are an SEO copywriter. Rewrite the meta description you are given.

Rules:
- Return ONLY the optimized description. No explanation, no quotes, no labels.
- Keep it under %d characters.
- State a clear value proposition and end with a soft call to action.
- Keep it informative and accurate to the original.
`, maxLength))
}

// UserPrompt wraps the text to rewrite.
func UserPrompt(req Request) string {
	kind := "description"
	if req.IsTitle {
		kind = "title"
	}
	return fmt.Sprintf("Original %s:\n%s", kind, req.Text)
}
