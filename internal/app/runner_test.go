package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shpitdev/meta-enhancer/internal/columns"
	"github.com/shpitdev/meta-enhancer/internal/config"
	"github.com/shpitdev/meta-enhancer/internal/enhance"
	"github.com/shpitdev/meta-enhancer/internal/enhance/httpfn"
	"github.com/shpitdev/meta-enhancer/internal/mockenhancer"
	"github.com/shpitdev/meta-enhancer/internal/pipeline"
	"github.com/shpitdev/meta-enhancer/internal/quota"
	pipelinecore "github.com/shpitdev/meta-enhancer/pkg/pipeline/core"
	localio "github.com/shpitdev/meta-enhancer/pkg/pipeline/io/local"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

const longTitle = "the complete guide to choosing burr coffee grinders for espresso at home"

func fastRetry() worker.Options {
	return worker.Options{
		MaxRetries:     2,
		RequestTimeout: 5 * time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}
}

func newMockRunner(t *testing.T, srv *mockenhancer.Server, opts RunnerOptions) *Runner {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	b, err := httpfn.New(httpfn.Config{URL: ts.URL + "/enhance"})
	require.NoError(t, err)
	opts.Backend = b
	opts.BackendName = config.BackendHTTP
	if opts.Retry == (worker.Options{}) {
		opts.Retry = fastRetry()
	}
	return NewRunner(opts)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestRunLocal_EndToEndWithMockService(t *testing.T) {
	t.Parallel()

	srv := mockenhancer.New()
	r := newMockRunner(t, srv, RunnerOptions{})

	in := writeFile(t, "pages.csv", strings.Join([]string{
		"URL,Meta Title,Meta Description",
		"/a," + longTitle + ",short description",
		"",
		`/b,"kettle, steel",fast boil`,
	}, "\n"))
	out := filepath.Join(t.TempDir(), "out.csv")

	sum, err := RunLocal(context.Background(), r, LocalOptions{InputPath: in, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Rows)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Fields[pipeline.SourceRemote])
	assert.Equal(t, 3, sum.Fields[pipeline.SourceRules])

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"URL,Meta Title,Meta Description",
		`,"The Complete Guide To Choosing Burr Coffee Grinders For","Short description."`,
		`,"Kettle, Steel","Fast boil."`,
		"",
	}, "\n"), string(got))

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, enhance.Request{Text: longTitle, IsTitle: true, MaxLength: 60}, calls[0].Request)
}

func TestRunLocal_ServiceDownFallsBack(t *testing.T) {
	t.Parallel()

	srv := mockenhancer.New()
	srv.FailOnSubstring("coffee", http.StatusInternalServerError)
	r := newMockRunner(t, srv, RunnerOptions{})

	in := writeFile(t, "in.csv", "Title,Description\n"+longTitle+",desc\n")
	out := filepath.Join(t.TempDir(), "out.csv")

	sum, err := RunLocal(context.Background(), r, LocalOptions{InputPath: in, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fields[pipeline.SourceFallback])
	// One attempt plus two retries.
	assert.Len(t, srv.Calls(), 3)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"The Complete Guide To Choosing Burr Coffee Grinders For Espr"`)
}

func TestPrepare_UncertainDetection(t *testing.T) {
	t.Parallel()

	r := NewRunner(RunnerOptions{})
	table := localio.Table{Headers: []string{"Name"}, Records: [][]string{{"x"}}}

	_, err := r.Prepare(context.Background(), "c", table, "", "")
	var ue *UncertainError
	require.ErrorAs(t, err, &ue)
	assert.ErrorIs(t, err, columns.ErrUncertain)
	assert.Equal(t, []string{"Name"}, ue.Detection.Headers)

	job, err := r.Prepare(context.Background(), "c", table, "Name", "")
	require.NoError(t, err)
	assert.Equal(t, columns.Mapping{Title: 0, Description: -1}, job.Mapping)
	assert.Equal(t, "x", job.Rows[0].OriginalTitle)

	_, err = r.Prepare(context.Background(), "c", table, "Nope", "")
	require.ErrorIs(t, err, ErrColumnSelection)

	two := localio.Table{Headers: []string{"Title", "Description"}, Records: [][]string{{"a", "b"}}}
	_, err = r.Prepare(context.Background(), "c", two, "", "Title")
	require.ErrorIs(t, err, ErrColumnSelection)
}

func TestRun_QuotaLimitsAndRecordsRows(t *testing.T) {
	t.Parallel()

	store, err := quota.Open(filepath.Join(t.TempDir(), "quota.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := NewRunner(RunnerOptions{Quota: store, BatchSize: 2})
	table, err := localio.ParseTable("Title,Description\na,b\nc,d\ne,f\ng,h\n", 0)
	require.NoError(t, err)

	ctx := context.Background()
	job, err := r.Prepare(ctx, "alice", table, "", "")
	require.NoError(t, err)
	assert.Len(t, job.Rows, 3)
	assert.Equal(t, 1, job.Skipped)

	var events []pipeline.EventKind
	sum, err := r.Run(ctx, job, func(ev pipeline.Event) { events = append(events, ev.Kind) })
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Equal(t, pipeline.EventDone, events[len(events)-1])

	used, err := store.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, used)

	_, err = r.Prepare(ctx, "alice", table, "", "")
	require.ErrorIs(t, err, quota.ErrExhausted)

	var buf bytes.Buffer
	require.NoError(t, job.WriteCSV(&buf))
	assert.Equal(t, "Title,Description\n\"A\",\"B.\"\n\"C\",\"D.\"\n\"E\",\"F.\"\n", buf.String())
}

func TestPrepare_ReservesRowsUntilRun(t *testing.T) {
	t.Parallel()

	store, err := quota.Open(filepath.Join(t.TempDir(), "quota.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := NewRunner(RunnerOptions{Quota: store})
	table, err := localio.ParseTable("Title,Description\na,b\nc,d\n", 0)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := r.Prepare(ctx, "dana", table, "", "")
	require.NoError(t, err)
	assert.Len(t, first.Rows, 2)

	second, err := r.Prepare(ctx, "dana", table, "", "")
	require.NoError(t, err)
	assert.Len(t, second.Rows, 1)
	assert.Equal(t, 1, second.Skipped)

	_, err = r.Prepare(ctx, "dana", table, "", "")
	require.ErrorIs(t, err, quota.ErrExhausted)

	// Another caller is unaffected.
	other, err := r.Prepare(ctx, "erin", table, "", "")
	require.NoError(t, err)
	assert.Len(t, other.Rows, 2)

	_, err = r.Run(ctx, first, nil)
	require.NoError(t, err)
	_, err = r.Prepare(ctx, "dana", table, "", "")
	require.ErrorIs(t, err, quota.ErrExhausted)

	_, err = r.Run(ctx, second, nil)
	require.NoError(t, err)
	used, err := store.Usage(ctx, "dana")
	require.NoError(t, err)
	assert.Equal(t, 3, used)
}

// ledgerDown grants every run and fails to record usage.
type ledgerDown struct{}

func (ledgerDown) Limits(context.Context, string) (quota.Limits, error) { return quota.Limits{}, nil }

func (ledgerDown) Record(context.Context, string, int) error { return errors.New("ledger down") }

func TestRunLocal_UsageRecordFailureKeepsOutput(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	r := NewRunner(RunnerOptions{Quota: ledgerDown{}, Logger: zap.New(core)})

	in := writeFile(t, "in.csv", "Title,Description\ngreat deal!!!,buy now\n")
	out := filepath.Join(t.TempDir(), "out.csv")

	sum, err := RunLocal(context.Background(), r, LocalOptions{InputPath: in, OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Completed)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Title,Description\n\"Great Deal!\",\"Buy now.\"\n", string(got))
	assert.Len(t, logs.FilterMessage("record usage failed").All(), 1)
}

func TestRun_CancelledRecordsCompletedRows(t *testing.T) {
	t.Parallel()

	store, err := quota.Open(filepath.Join(t.TempDir(), "quota.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := enhance.BackendFunc(func(ctx context.Context, _ enhance.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := NewRunner(RunnerOptions{Backend: blocked, BackendName: "blocked", Quota: store, BatchSize: 1, Retry: fastRetry()})

	table, err := localio.ParseTable("Title,Description\nshort,row\n"+longTitle+",desc\nlast,row\n", 0)
	require.NoError(t, err)
	job, err := r.Prepare(ctx, "bob", table, "", "")
	require.NoError(t, err)

	sum, err := r.Run(ctx, job, func(ev pipeline.Event) {
		if ev.Kind == pipeline.EventRowStarted && ev.Index == 1 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Completed)

	used, err := store.Usage(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestTracedBackend_LogsAttemptsPerCall(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	var calls int
	backend := enhance.BackendFunc(func(context.Context, enhance.Request) (string, error) {
		calls++
		if calls == 1 {
			return "", &pipelinecore.TransientError{Err: errors.New("503 Bearer abc.def")}
		}
		return "Better", nil
	})

	opts := fastRetry()
	tb := newTracedBackend(backend, zap.New(core), opts)
	retrier := worker.NewRetrier(opts)
	req := enhance.Request{Text: "title text", IsTitle: true, MaxLength: 60}
	call := func() (string, error) {
		return worker.Retry(context.Background(), retrier, func(ctx context.Context) (string, error) {
			return tb.Enhance(ctx, req)
		})
	}

	out, err := call()
	require.NoError(t, err)
	assert.Equal(t, "Better", out)

	// The same text in another row starts over at attempt 1.
	_, err = call()
	require.NoError(t, err)

	failed := logs.FilterMessage("enhance response").FilterField(zap.String("status", "error")).All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, int64(1), fields["attempt"])
	assert.Equal(t, true, fields["retryable"])
	assert.Equal(t, true, fields["will_retry"])
	assert.NotContains(t, fields["error"], "abc.def")

	ok := logs.FilterMessage("enhance response").FilterField(zap.String("status", "ok")).All()
	require.Len(t, ok, 2)
	assert.Equal(t, int64(2), ok[0].ContextMap()["attempt"])
	assert.Equal(t, int64(1), ok[1].ContextMap()["attempt"])
	assert.Len(t, logs.FilterMessage("enhance request").All(), 3)
}

func TestBuildBackend(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	b, name, err := BuildBackend(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, config.BackendNone, name)

	cfg.Backend.HTTP.URL = "http://127.0.0.1:1/enhance"
	b, name, err = BuildBackend(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Equal(t, config.BackendHTTP, name)

	cfg.Backend.Name = config.BackendOpenAI
	_, _, err = BuildBackend(context.Background(), cfg)
	require.Error(t, err)
}
