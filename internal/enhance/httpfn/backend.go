// Package httpfn implements enhance.Backend against a network-exposed function that
// accepts {text, isTitle, maxLength} and answers {enhancedText}.
package httpfn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shpitdev/meta-enhancer/internal/enhance"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/core"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 10

type Config struct {
	URL string

	// Token is sent as a bearer token when set.
	Token string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

type Backend struct {
	url   string
	token string
	hc    *http.Client
}

func New(cfg Config) (*Backend, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, fmt.Errorf("ENHANCE_FN_URL is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Backend{url: u, token: strings.TrimSpace(cfg.Token), hc: hc}, nil
}

func (b *Backend) Enhance(ctx context.Context, req enhance.Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.hc.Do(httpReq)
	if err != nil {
		return "", classifyTransportErr(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &core.TransientError{Err: fmt.Errorf("read enhancement response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", classifyStatus(newHTTPError(resp, body))
	}

	var out enhance.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode enhancement response: %w", err)
	}
	return out.EnhancedText, nil
}

func classifyStatus(he *HTTPError) error {
	switch {
	case he.StatusCode == http.StatusTooManyRequests:
		return &core.LimitedTransientError{Err: he, ExtraRetries: 1}
	case he.StatusCode/100 == 5:
		return &core.TransientError{Err: he}
	}
	return he
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &core.TransientError{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Connection refused/reset: the function may be restarting.
		return &core.TransientError{Err: err}
	}
	return err
}
