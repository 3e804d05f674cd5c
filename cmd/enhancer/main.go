package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/shpitdev/meta-enhancer/internal/columns"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and maps failures to exit codes: 2 for configuration and
// usage errors, 1 for failed runs.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ce *configError
	switch {
	case errors.As(err, &ce):
		_, _ = fmt.Fprintf(stderr, "config error: %s\n", redact.Secrets(ce.Err.Error()))
		return 2
	case errors.Is(err, columns.ErrUncertain):
		_, _ = fmt.Fprintf(stderr, "%s\nuse --title-column and/or --description-column (header name or 0-based index)\n", err)
		return 2
	case errors.Is(err, errUsage):
		_, _ = fmt.Fprintf(stderr, "%s\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stderr, "run failed: %s\n", redact.Secrets(err.Error()))
	return 1
}

// configError marks failures to load settings or construct collaborators.
type configError struct {
	Err error
}

func (e *configError) Error() string { return "config error: " + e.Err.Error() }

func (e *configError) Unwrap() error { return e.Err }

var errUsage = errors.New("usage error")
