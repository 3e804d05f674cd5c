package app

import (
	"context"
	"os"

	"github.com/shpitdev/meta-enhancer/internal/columns"
	"github.com/shpitdev/meta-enhancer/internal/pipeline"
	"go.uber.org/zap"
)

// LocalCaller is the quota identity used for CLI runs.
const LocalCaller = "local"

type LocalOptions struct {
	InputPath         string
	OutputPath        string
	TitleColumn       string
	DescriptionColumn string

	// Caller defaults to LocalCaller.
	Caller string
}

// RunLocal reads a local input CSV and writes a local output CSV of enhanced rows.
func RunLocal(ctx context.Context, r *Runner, opts LocalOptions) (Summary, error) {
	inF, err := os.Open(opts.InputPath)
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		_ = inF.Close()
	}()

	table, err := r.ReadTable(inF)
	if err != nil {
		return Summary{}, err
	}

	caller := opts.Caller
	if caller == "" {
		caller = LocalCaller
	}
	job, err := r.Prepare(ctx, caller, table, opts.TitleColumn, opts.DescriptionColumn)
	if err != nil {
		return Summary{}, err
	}

	completed := 0
	sum, err := r.Run(ctx, job, func(ev pipeline.Event) {
		if ev.Kind != pipeline.EventRowCompleted {
			return
		}
		completed++
		r.logger.Info("row completed",
			zap.String("run_id", job.ID),
			zap.Int("row", ev.Index),
			zap.Int("completed", completed),
			zap.Int("total", len(job.Rows)),
		)
	})
	if err != nil {
		return sum, err
	}

	outF, err := os.Create(opts.OutputPath)
	if err != nil {
		return sum, err
	}
	defer func() {
		_ = outF.Close()
	}()

	if err := job.WriteCSV(outF); err != nil {
		return sum, err
	}
	return sum, outF.Close()
}

// DetectFile runs column detection on the header of a local CSV.
func DetectFile(r *Runner, path string) (columns.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return columns.Result{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	table, err := r.ReadTable(f)
	if err != nil {
		return columns.Result{}, err
	}
	return r.Detect(table.Headers), nil
}
