package mockenhancer_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shpitdev/meta-enhancer/internal/enhance"
	"github.com/shpitdev/meta-enhancer/internal/enhance/httpfn"
	"github.com/shpitdev/meta-enhancer/internal/mockenhancer"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/core"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/worker"
)

func newBackend(t *testing.T, url, token string) *httpfn.Backend {
	t.Helper()
	b, err := httpfn.New(httpfn.Config{URL: url + "/enhance", Token: token})
	if err != nil {
		t.Fatalf("new httpfn backend: %v", err)
	}
	return b
}

func TestMockEnhancer_RoundTripThroughHTTPBackend(t *testing.T) {
	t.Parallel()

	srv := mockenhancer.New()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	b := newBackend(t, ts.URL, "")
	req := enhance.Request{Text: "best coffee grinders for home espresso", IsTitle: true, MaxLength: 60}
	got, err := b.Enhance(context.Background(), req)
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if want := "Best Coffee Grinders For Home Espresso"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	calls := srv.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Method != http.MethodPost || calls[0].Path != "/enhance" || calls[0].Request != req {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
}

func TestMockEnhancer_RequiresBearerToken(t *testing.T) {
	t.Parallel()

	srv := mockenhancer.New()
	srv.RequireBearerToken("secret-token")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, err := newBackend(t, ts.URL, "wrong").Enhance(context.Background(), enhance.Request{Text: "x", IsTitle: true, MaxLength: 60})
	var he *httpfn.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 HTTPError, got %v", err)
	}
	if worker.IsTransient(err) {
		t.Fatalf("401 must not be retryable: %v", err)
	}

	if _, err := newBackend(t, ts.URL, "secret-token").Enhance(context.Background(), enhance.Request{Text: "x", IsTitle: true, MaxLength: 60}); err != nil {
		t.Fatalf("authorized enhance: %v", err)
	}
}

func TestMockEnhancer_FailOnSubstringIsTransient(t *testing.T) {
	t.Parallel()

	srv := mockenhancer.New()
	srv.FailOnSubstring("BOOM", 0)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	b := newBackend(t, ts.URL, "")
	_, err := b.Enhance(context.Background(), enhance.Request{Text: "this will BOOM", MaxLength: 160})
	var te *core.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected transient error, got %T: %v", err, err)
	}

	if _, err := b.Enhance(context.Background(), enhance.Request{Text: "this is fine", MaxLength: 160}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMockEnhancer_FailNextRecoversWithRetry(t *testing.T) {
	t.Parallel()

	srv := mockenhancer.New()
	srv.FailNext(2, http.StatusBadGateway)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	remote := enhance.NewRemote("http", newBackend(t, ts.URL, ""), worker.NewRetrier(worker.Options{
		MaxRetries:     2,
		RequestTimeout: 5 * time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}))
	got, err := remote.Enhance(context.Background(), "an espresso grinder guide", false, 160)
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if want := "An espresso grinder guide. Learn more today."; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if n := len(srv.Calls()); n != 3 {
		t.Fatalf("expected 3 calls, got %d", n)
	}
}

func TestMockEnhancer_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	srv := mockenhancer.New()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, body := range []string{`{`, `{"text":"","maxLength":60}`, `{"text":"x","maxLength":0}`} {
		resp, err := http.Post(ts.URL+"/enhance", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}

	resp, err := http.Get(ts.URL + "/enhance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestRewrite_RespectsMaxLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  enhance.Request
		want string
	}{
		{
			name: "title cut at word boundary",
			req:  enhance.Request{Text: "alpha beta gamma delta", IsTitle: true, MaxLength: 12},
			want: "Alpha Beta",
		},
		{
			name: "long first word is cut",
			req:  enhance.Request{Text: "supercalifragilistic", IsTitle: true, MaxLength: 5},
			want: "Super",
		},
		{
			name: "description without room for suffix",
			req:  enhance.Request{Text: "short words only here", MaxLength: 16},
			want: "Short words only",
		},
		{
			name: "description with suffix",
			req:  enhance.Request{Text: "fresh beans!", MaxLength: 160},
			want: "Fresh beans. Learn more today.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mockenhancer.Rewrite(tt.req)
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			if len([]rune(got)) > tt.req.MaxLength {
				t.Fatalf("%q exceeds %d", got, tt.req.MaxLength)
			}
		})
	}
}
