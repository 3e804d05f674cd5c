// Package app wires detection, quota, the enhancement backend and the streaming
// processor into runs used by the CLI and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shpitdev/meta-enhancer/internal/columns"
	"github.com/shpitdev/meta-enhancer/internal/config"
	"github.com/shpitdev/meta-enhancer/internal/enhance"
	"github.com/shpitdev/meta-enhancer/internal/enhance/gemini"
	"github.com/shpitdev/meta-enhancer/internal/enhance/httpfn"
	openaibackend "github.com/shpitdev/meta-enhancer/internal/enhance/openai"
	"github.com/shpitdev/meta-enhancer/internal/logging"
	"github.com/shpitdev/meta-enhancer/internal/pipeline"
	"github.com/shpitdev/meta-enhancer/internal/quota"
	localio "github.com/shpitdev/meta-enhancer/pkg/pipeline/io/local"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/redact"
	"github.com/shpitdev/meta-enhancer/pkg/pipeline/worker"
	"go.uber.org/zap"
)

// ErrColumnSelection is wrapped when a manual column selection names no column.
var ErrColumnSelection = errors.New("invalid column selection")

// UncertainError is returned by Prepare when detection could not place a column and
// no manual selection filled the gap.
type UncertainError struct {
	Detection columns.Result
}

func (e *UncertainError) Error() string {
	return fmt.Sprintf("could not determine title/description columns from headers %q; select them manually", e.Detection.Headers)
}

func (e *UncertainError) Unwrap() error {
	return columns.ErrUncertain
}

type RunnerOptions struct {
	// Detector defaults to columns.Default().
	Detector *columns.Detector

	// Backend is the remote enhancement service. Nil runs on rules only.
	Backend     enhance.Backend
	BackendName string
	Retry       worker.Options

	// Quota defaults to quota.Unlimited.
	Quota quota.Quota

	BatchSize int
	MaxRows   int
	Logger    *zap.Logger
}

// Runner prepares and runs enhancement jobs. It is safe for concurrent use; each job
// owns its rows.
type Runner struct {
	detector    *columns.Detector
	backend     enhance.Backend
	backendName string
	retryOpts   worker.Options
	retrier     *worker.Retrier
	quota       quota.Quota
	batchSize   int
	maxRows     int
	logger      *zap.Logger
	closers     []io.Closer

	// reserved counts rows granted to prepared runs of limited callers that have not
	// recorded their usage yet.
	mu       sync.Mutex
	reserved map[string]int
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.Detector == nil {
		opts.Detector = columns.Default()
	}
	if opts.Quota == nil {
		opts.Quota = quota.Unlimited{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BackendName == "" {
		opts.BackendName = config.BackendNone
	}
	retrier := worker.NewRetrier(opts.Retry)
	return &Runner{
		detector:    opts.Detector,
		backend:     opts.Backend,
		backendName: opts.BackendName,
		retryOpts:   retrier.Options(),
		retrier:     retrier,
		quota:       opts.Quota,
		batchSize:   opts.BatchSize,
		maxRows:     opts.MaxRows,
		logger:      opts.Logger,
		reserved:    make(map[string]int),
	}
}

// Build constructs a Runner from validated configuration. Close releases what it opened.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runner, error) {
	detector, err := columns.NewDetector(cfg.Columns.TitlePatterns, cfg.Columns.DescriptionPatterns)
	if err != nil {
		return nil, err
	}
	backend, name, err := BuildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var q quota.Quota = quota.Unlimited{}
	var closers []io.Closer
	if strings.TrimSpace(cfg.Quota.DSN) != "" {
		store, err := quota.Open(cfg.Quota.DSN, cfg.Quota.FreeRows)
		if err != nil {
			return nil, err
		}
		q = store
		closers = append(closers, store)
	}

	r := NewRunner(RunnerOptions{
		Detector:    detector,
		Backend:     backend,
		BackendName: name,
		Retry: worker.Options{
			MaxRetries:        cfg.Pipeline.MaxRetries,
			RequestTimeout:    cfg.Pipeline.RequestTimeout,
			RateLimitRPS:      cfg.Pipeline.RateLimitRPS,
			BackoffJitterFrac: 0.2,
		},
		Quota:     q,
		BatchSize: cfg.Pipeline.BatchSize,
		MaxRows:   cfg.Pipeline.MaxRows,
		Logger:    logger,
	})
	r.closers = closers
	return r, nil
}

// BuildBackend returns the configured remote backend and its name. The backend is nil
// for config.BackendNone.
func BuildBackend(ctx context.Context, cfg config.Config) (enhance.Backend, string, error) {
	name := cfg.ResolvedBackend()
	switch name {
	case config.BackendNone:
		return nil, name, nil
	case config.BackendGemini:
		b, err := gemini.New(ctx, gemini.Config{
			APIKey:  cfg.Backend.Gemini.APIKey,
			Model:   cfg.Backend.Gemini.Model,
			BaseURL: cfg.Backend.Gemini.BaseURL,
		})
		if err != nil {
			return nil, "", fmt.Errorf("gemini backend: %w", err)
		}
		return b, name, nil
	case config.BackendOpenAI:
		b, err := openaibackend.New(openaibackend.Config{
			APIKey:  cfg.Backend.OpenAI.APIKey,
			Model:   cfg.Backend.OpenAI.Model,
			BaseURL: cfg.Backend.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, "", fmt.Errorf("openai backend: %w", err)
		}
		return b, name, nil
	case config.BackendHTTP:
		b, err := httpfn.New(httpfn.Config{
			URL:        cfg.Backend.HTTP.URL,
			Token:      cfg.Backend.HTTP.Token,
			HTTPClient: &http.Client{Timeout: cfg.Pipeline.RequestTimeout + 5*time.Second},
		})
		if err != nil {
			return nil, "", fmt.Errorf("http backend: %w", err)
		}
		return b, name, nil
	}
	return nil, "", fmt.Errorf("unknown enhancement backend %q", name)
}

// Close releases resources opened by Build.
func (r *Runner) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// BackendName is the remote backend in use, or "none".
func (r *Runner) BackendName() string {
	return r.backendName
}

// ReadTable parses an upload, enforcing the configured row limit.
func (r *Runner) ReadTable(in io.Reader) (localio.Table, error) {
	return localio.ReadTable(in, r.maxRows)
}

// Detect runs column detection on a header row.
func (r *Runner) Detect(headers []string) columns.Result {
	return r.detector.Detect(headers)
}

// Job is one prepared run over an uploaded table.
type Job struct {
	ID        string
	Caller    string
	Table     localio.Table
	Detection columns.Result
	Mapping   columns.Mapping
	Rows      []pipeline.Row

	// Skipped counts rows left out because the caller's quota ran short.
	Skipped int

	// reserved is this job's share of Runner.reserved, released by Run.
	reserved int
}

// Prepare detects columns, applies manual selections and the caller's quota, and
// builds the rows to enhance. Rows granted to a limited caller stay reserved until
// the job is Run, so concurrent jobs for one caller cannot share an allowance.
func (r *Runner) Prepare(ctx context.Context, caller string, table localio.Table, titleSel, descSel string) (*Job, error) {
	detection := r.detector.Detect(table.Headers)
	mapping, err := columns.Resolve(detection, titleSel, descSel)
	if err != nil {
		if errors.Is(err, columns.ErrUncertain) {
			return nil, &UncertainError{Detection: detection}
		}
		return nil, fmt.Errorf("%w: %v", ErrColumnSelection, err)
	}
	if err := mapping.Validate(len(table.Headers)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrColumnSelection, err)
	}

	n, reserved, err := r.reserve(ctx, caller, len(table.Records))
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:        uuid.NewString(),
		Caller:    caller,
		Table:     table,
		Detection: detection,
		Mapping:   mapping,
		Rows:      pipeline.RowsFromRecords(table.Records[:n], mapping),
		Skipped:   len(table.Records) - n,
		reserved:  reserved,
	}, nil
}

// reserve returns how many of rows the caller may process now and how many of those
// were reserved against a limited plan.
func (r *Runner) reserve(ctx context.Context, caller string, rows int) (n, reserved int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limits, err := r.quota.Limits(ctx, caller)
	if err != nil {
		return 0, 0, fmt.Errorf("load quota: %w", err)
	}
	if limits.Limited {
		limits.MaxRows -= r.reserved[caller]
	}
	n = limits.Apply(rows)
	if n == 0 {
		return 0, 0, quota.ErrExhausted
	}
	if limits.Limited {
		r.reserved[caller] += n
		reserved = n
	}
	return n, reserved, nil
}

func (r *Runner) release(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.reserved == 0 {
		return
	}
	if left := r.reserved[job.Caller] - job.reserved; left > 0 {
		r.reserved[job.Caller] = left
	} else {
		delete(r.reserved, job.Caller)
	}
	job.reserved = 0
}

// Summary describes a finished or cancelled run.
type Summary struct {
	RunID     string                  `json:"runId"`
	Rows      int                     `json:"rows"`
	Completed int                     `json:"completed"`
	Skipped   int                     `json:"skipped"`
	Fields    map[pipeline.Source]int `json:"fields"`
	Duration  time.Duration           `json:"duration"`
}

// Run enhances job.Rows in place, passing every stream event to onEvent (which may be
// nil). Completed rows are recorded against the caller's quota even when ctx is
// cancelled, in which case ctx.Err() is returned. A failure to record usage is
// logged and never fails the run.
func (r *Runner) Run(ctx context.Context, job *Job, onEvent func(pipeline.Event)) (Summary, error) {
	logger := logging.WithRun(r.logger, job.ID)
	start := time.Now()

	var remote pipeline.Enhancer
	if r.backend != nil {
		remote = enhance.NewRemote(r.backendName, newTracedBackend(r.backend, logger, r.retryOpts), r.retrier)
	}
	proc := pipeline.New(remote, pipeline.Options{BatchSize: r.batchSize, Logger: logger})

	logger.Info("run start",
		zap.String("caller", job.Caller),
		zap.Int("rows", len(job.Rows)),
		zap.Int("skipped", job.Skipped),
		zap.String("backend", r.backendName),
		zap.Int("batch_size", r.batchSize),
		zap.Int("title_column", job.Mapping.Title),
		zap.Int("description_column", job.Mapping.Description),
	)

	sum := Summary{
		RunID:   job.ID,
		Rows:    len(job.Rows),
		Skipped: job.Skipped,
		Fields:  make(map[pipeline.Source]int),
	}
	done := false
	for ev := range proc.Stream(ctx, job.Rows) {
		switch ev.Kind {
		case pipeline.EventRowCompleted:
			sum.Completed++
			sum.Fields[ev.Title.Source]++
			sum.Fields[ev.Description.Source]++
			logger.Debug("row enhanced",
				zap.Int("row", ev.Index),
				zap.String("title_source", string(ev.Title.Source)),
				zap.String("description_source", string(ev.Description.Source)),
				zap.Int("completed", sum.Completed),
				zap.Int("total", len(job.Rows)),
			)
		case pipeline.EventDone:
			done = true
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	sum.Duration = time.Since(start).Round(time.Millisecond)

	if err := r.quota.Record(context.WithoutCancel(ctx), job.Caller, sum.Completed); err != nil {
		logger.Error("record usage failed", zap.String("error", redact.Secrets(err.Error())))
	}
	r.release(job)

	if !done {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		logger.Warn("run cancelled",
			zap.Int("completed", sum.Completed),
			zap.Int("rows", sum.Rows),
			zap.Duration("duration", sum.Duration),
		)
		return sum, err
	}

	logger.Info("run complete",
		zap.Int("rows", sum.Rows),
		zap.Int("rules", sum.Fields[pipeline.SourceRules]),
		zap.Int("remote", sum.Fields[pipeline.SourceRemote]),
		zap.Int("fallback", sum.Fields[pipeline.SourceFallback]),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// WriteCSV writes the job's enhanced rows in export layout.
func (j *Job) WriteCSV(w io.Writer) error {
	return WriteExport(w, j.Table.HeaderLine, j.Table.Headers, j.Mapping, j.Rows)
}

// WriteExport writes rows in export layout: the header, then one line per row with
// only the mapped columns filled.
func WriteExport(w io.Writer, headerLine string, headers []string, m columns.Mapping, rows []pipeline.Row) error {
	out := make([]localio.Enhanced, len(rows))
	for i, row := range rows {
		out[i] = localio.Enhanced{Title: row.EnhancedTitle, Description: row.EnhancedDescription}
	}
	return localio.WriteEnhancedCSV(w, headerLine, headers, m.Title, m.Description, out)
}
