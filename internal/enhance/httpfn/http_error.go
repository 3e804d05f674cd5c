package httpfn

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shpitdev/meta-enhancer/pkg/pipeline/redact"
)

// errorEnvelope is the JSON error body enhancement functions return.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HTTPError is a sanitized summary of a non-2xx enhancement function response.
//
// Raw bodies are never kept: they can echo user text or credentials.
type HTTPError struct {
	StatusCode int
	Status     string
	Code       string
	Message    string

	// Snippet is a redacted, truncated hint for responses without a JSON envelope.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "enhancement function http error"
	}
	parts := []string{fmt.Sprintf("enhancement function error: status=%s", strings.TrimSpace(e.Status))}
	if strings.TrimSpace(e.Code) != "" {
		parts = append(parts, "code="+strings.TrimSpace(e.Code))
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

func newHTTPError(resp *http.Response, body []byte) *HTTPError {
	h := &HTTPError{}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		h.Code = strings.TrimSpace(env.Code)
		h.Message = redactAndTruncate([]byte(env.Error))
		if h.Code != "" || h.Message != "" {
			return h
		}
	}

	h.Snippet = redactAndTruncate(body)
	return h
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := redact.Secrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
