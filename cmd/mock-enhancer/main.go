package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/shpitdev/meta-enhancer/internal/mockenhancer"
)

func main() {
	addr := defaultString("MOCK_ENHANCER_ADDR", ":8090")
	token := defaultString("MOCK_ENHANCER_TOKEN", "")
	failSubstring := defaultString("MOCK_ENHANCER_FAIL_SUBSTRING", "")
	failStatus, err := strconv.Atoi(defaultString("MOCK_ENHANCER_FAIL_STATUS", "503"))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid MOCK_ENHANCER_FAIL_STATUS: %v\n", err)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("mock-enhancer", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&token, "token", token, "Require this bearer token (also supports env: MOCK_ENHANCER_TOKEN)")
	fs.StringVar(&failSubstring, "fail-substring", failSubstring, "Fail requests whose text contains this substring")
	fs.IntVar(&failStatus, "fail-status", failStatus, "HTTP status used for injected failures")
	_ = fs.Parse(os.Args[1:])

	srv := mockenhancer.New()
	srv.RequireBearerToken(token)
	srv.FailOnSubstring(failSubstring, failStatus)

	_, _ = fmt.Fprintf(os.Stdout, "mock-enhancer listening on %s (POST /enhance)\n", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
