// Package mockenhancer serves the text-enhancement wire contract with deterministic
// rewrites, for local runs and tests.
package mockenhancer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/shpitdev/meta-enhancer/internal/enhance"
	"github.com/shpitdev/meta-enhancer/internal/optimize"
)

const maxRequestBytes = 64 << 10

// descriptionSuffix is appended to rewritten descriptions when it fits.
const descriptionSuffix = " Learn more today."

// Call records a request made to the mock service.
type Call struct {
	Method  string
	Path    string
	Request enhance.Request
}

// Server implements POST /enhance.
type Server struct {
	mu    sync.Mutex
	calls []Call

	expectedAuthorization string

	failSubstring string
	failStatus    int

	// failNext fails that many upcoming requests regardless of their text.
	failNext int
}

// New constructs a new mock server.
func New() *Server {
	return &Server{failStatus: http.StatusServiceUnavailable}
}

// RequireBearerToken enforces that requests include an Authorization header matching the token.
// If token is empty, authorization is not enforced.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// FailOnSubstring answers every request whose text contains substr with status.
// An empty substr disables the rule.
func (s *Server) FailOnSubstring(substr string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubstring = substr
	if status != 0 {
		s.failStatus = status
	}
}

// FailNext answers the next n requests with status.
func (s *Server) FailNext(n int, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	if status != 0 {
		s.failStatus = status
	}
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/enhance", s.handleEnhance)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) recordCall(r *http.Request, req enhance.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Request: req})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAuthorization
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	if r.Header.Get("Authorization") != expected {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return false
	}
	return true
}

// injectedFailure reports the status to fail req with, or 0.
func (s *Server) injectedFailure(req enhance.Request) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return s.failStatus
	}
	if s.failSubstring != "" && strings.Contains(req.Text, s.failSubstring) {
		return s.failStatus
	}
	return 0
}

func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.recordCall(r, enhance.Request{})
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req enhance.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		s.recordCall(r, req)
		writeError(w, http.StatusBadRequest, "invalid_json", fmt.Sprintf("decode request: %v", err))
		return
	}
	s.recordCall(r, req)
	if !s.authorize(w, r) {
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if req.MaxLength <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "maxLength must be positive")
		return
	}
	if status := s.injectedFailure(req); status != 0 {
		writeError(w, status, "injected_failure", "enhancement unavailable")
		return
	}

	writeJSON(w, http.StatusOK, enhance.Response{EnhancedText: Rewrite(req)})
}

// Rewrite is the mock's deterministic enhancement: titles are title-cased and
// descriptions get a short call to action, both kept within req.MaxLength at a word
// boundary.
func Rewrite(req enhance.Request) string {
	if req.IsTitle {
		words := strings.Fields(req.Text)
		for i, w := range words {
			words[i] = capitalize(w)
		}
		return fitWords(strings.Join(words, " "), req.MaxLength)
	}
	desc := strings.TrimRight(strings.TrimSpace(req.Text), ".!? ")
	if optimize.Len(desc)+1+optimize.Len(descriptionSuffix) <= req.MaxLength {
		return capitalize(desc) + "." + descriptionSuffix
	}
	return fitWords(capitalize(desc), req.MaxLength)
}

// fitWords keeps as many leading words of s as fit in max runes. A first word longer
// than max is cut.
func fitWords(s string, max int) string {
	words := strings.Fields(s)
	var b strings.Builder
	n := 0
	for _, w := range words {
		wl := optimize.Len(w)
		if n == 0 {
			if wl > max {
				return string([]rune(w)[:max])
			}
			b.WriteString(w)
			n = wl
			continue
		}
		if n+1+wl > max {
			break
		}
		b.WriteByte(' ')
		b.WriteString(w)
		n += 1 + wl
	}
	return b.String()
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
