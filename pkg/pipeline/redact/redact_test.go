package redact

import "testing"

func TestSecrets(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "bearer", in: "auth failed: Bearer abc.def.ghi", want: "auth failed: Bearer <redacted>"},
		{name: "api_key_kv", in: "bad request api_key=AIzaSecret", want: "bad request <redacted_kv>"},
		{name: "gemini_key_kv", in: "GEMINI_API_KEY: xyz", want: "<redacted_kv>"},
		{name: "openai_secret", in: "incorrect key sk-proj-abcdefghijkl provided", want: "incorrect key sk-<redacted> provided"},
		{name: "query_key", in: "GET https://host/v1/models?key=AIza123&alt=json", want: "GET https://host/v1/models?key=<redacted>&alt=json"},
		{name: "plain", in: "  nothing to hide  ", want: "nothing to hide"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Secrets(tt.in); got != tt.want {
				t.Fatalf("Secrets(%q)=%q want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if got := Truncate("abc", 3); got != "abc" {
		t.Fatalf("unexpected truncation: %q", got)
	}
}
