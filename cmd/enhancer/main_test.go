package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/meta-enhancer/internal/version"
)

var configEnv = []string{
	"ENHANCER_CONFIG", "ENHANCER_BACKEND", "GEMINI_API_KEY", "OPENAI_API_KEY", "ENHANCE_FN_URL",
	"BATCH_SIZE", "MAX_ROWS", "LOG_LEVEL", "LOG_FORMAT", "QUOTA_DSN",
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	for _, v := range configEnv {
		t.Setenv(v, "")
	}
	t.Setenv("LOG_LEVEL", "error")

	var out, errOut bytes.Buffer
	code = run(context.Background(), append(args, "--env-file", ""), &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.csv")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return p
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if strings.TrimSpace(out) != version.Current {
		t.Fatalf("got %q, want %q", out, version.Current)
	}
}

func TestLocal_RulesOnly(t *testing.T) {
	in := writeCSV(t, "id,Title,Description\n1,great deal!!!,buy now\n")
	out := filepath.Join(t.TempDir(), "out.csv")

	code, stdout, stderr := runCLI(t, "local", "--input", in, "--output", out, "--backend", "none")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "enhanced 1 rows") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := "id,Title,Description\n,\"Great Deal!\",\"Buy now.\"\n"
	if string(got) != want {
		t.Fatalf("output mismatch:\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}
}

func TestLocal_ExitCodes(t *testing.T) {
	uncertain := writeCSV(t, "Name\nkettle\n")
	valid := writeCSV(t, "Title,Description\na,b\n")
	out := filepath.Join(t.TempDir(), "out.csv")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "missing flags", args: []string{"local"}, want: 2},
		{name: "unknown flag", args: []string{"local", "--nope"}, want: 2},
		{name: "bad backend", args: []string{"local", "--input", valid, "--output", out, "--backend", "bogus"}, want: 2},
		{name: "gemini without key", args: []string{"local", "--input", valid, "--output", out, "--backend", "gemini"}, want: 2},
		{name: "uncertain columns", args: []string{"local", "--input", uncertain, "--output", out, "--backend", "none"}, want: 2},
		{name: "missing input file", args: []string{"local", "--input", filepath.Join(t.TempDir(), "nope.csv"), "--output", out, "--backend", "none"}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			if code != tt.want {
				t.Fatalf("exit code %d, want %d (stderr: %s)", code, tt.want, stderr)
			}
		})
	}
}

func TestDetect_PrintsJSON(t *testing.T) {
	in := writeCSV(t, "Product,Meta Title,Meta Description\nx,y,z\n")

	code, stdout, stderr := runCLI(t, "detect", "--input", in)
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr)
	}
	var got detectOutput
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if got.TitleColumnIndex != 1 || got.DescriptionColumnIndex != 2 || got.Uncertain {
		t.Fatalf("unexpected detection: %+v", got)
	}
}
