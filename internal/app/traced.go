package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shpitdev/meta-enhancer/internal/enhance"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/redact"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/worker"
	"go.uber.org/zap"
)

// maxLoggedText bounds how much request/response text goes into a log line.
const maxLoggedText = 200

// tracedBackend logs every attempt against the wrapped backend, with enough retry
// context to follow a field through backoff.
type tracedBackend struct {
	next           enhance.Backend
	logger         *zap.Logger
	maxRetries     int
	requestTimeout time.Duration
}

func newTracedBackend(next enhance.Backend, logger *zap.Logger, opts worker.Options) *tracedBackend {
	return &tracedBackend{
		next:           next,
		logger:         logger,
		maxRetries:     opts.MaxRetries,
		requestTimeout: opts.RequestTimeout,
	}
}

func (t *tracedBackend) Enhance(ctx context.Context, req enhance.Request) (string, error) {
	attempt := worker.Attempt(ctx)
	if attempt == 0 {
		attempt = 1
	}
	reqJSON, _ := json.Marshal(enhance.Request{
		Text:      redact.Truncate(req.Text, maxLoggedText),
		IsTitle:   req.IsTitle,
		MaxLength: req.MaxLength,
	})

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Debug("enhance request",
		zap.String("field", fieldName(req.IsTitle)),
		zap.Int("attempt", attempt),
		zap.Duration("timeout", t.requestTimeout),
		zap.String("deadline_in", deadlineIn),
		zap.String("request", string(reqJSON)),
	)

	start := time.Now()
	out, err := t.next.Enhance(ctx, req)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		maxRetries := worker.RetryBudget(t.maxRetries, err)
		retryable := worker.IsTransient(err)
		willRetry := retryable && attempt <= maxRetries
		t.logger.Warn("enhance response",
			zap.String("field", fieldName(req.IsTitle)),
			zap.Int("attempt", attempt),
			zap.Duration("duration", elapsed),
			zap.String("status", "error"),
			zap.Bool("retryable", retryable),
			zap.Bool("will_retry", willRetry),
			zap.Int("max_extra_retries", maxRetries),
			zap.String("error", redact.Secrets(err.Error())),
		)
		return out, err
	}

	respJSON, _ := json.Marshal(enhance.Response{EnhancedText: redact.Truncate(out, maxLoggedText)})
	t.logger.Debug("enhance response",
		zap.String("field", fieldName(req.IsTitle)),
		zap.Int("attempt", attempt),
		zap.Duration("duration", elapsed),
		zap.String("status", "ok"),
		zap.String("response", string(respJSON)),
	)
	return out, nil
}

func fieldName(isTitle bool) string {
	if isTitle {
		return "title"
	}
	return "description"
}
