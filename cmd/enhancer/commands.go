package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shpitdev/meta-enhancer/internal/app"
	"github.com/shpitdev/meta-enhancer/internal/columns"
	"github.com/shpitdev/meta-enhancer/internal/config"
	"github.com/shpitdev/meta-enhancer/internal/logging"
	"github.com/shpitdev/meta-enhancer/internal/version"
	"github.com/shpitdev/meta-enhancer/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type cli struct {
	configPath string
	envFile    string
	logLevel   string
	backend    string

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "enhancer",
		Short: "Enhance page titles and meta descriptions in CSV files",
		Long: `enhancer detects the title and description columns of a CSV export, rewrites
each value within search-snippet limits (60 and 160 characters), and writes
the results back in the same column layout.

Long values go to a model-backed service (gemini, openai or an HTTP function);
short values and failed calls use deterministic rules.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "YAML config file (env: ENHANCER_CONFIG)")
	pf.StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading the environment; a missing file is ignored")
	pf.StringVar(&c.logLevel, "log-level", "", "Log level override (env: LOG_LEVEL)")
	pf.StringVar(&c.backend, "backend", "", "Enhancement backend: gemini, openai, http or none (env: ENHANCER_BACKEND)")

	root.AddCommand(c.localCmd(), c.detectCmd(), c.serveCmd(), versionCmd())
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &configError{Err: fmt.Errorf("load %s: %w", c.envFile, err)}
		}
	}

	path := c.configPath
	if path == "" {
		path = strings.TrimSpace(os.Getenv("ENHANCER_CONFIG"))
	}
	cfg, err := config.Load(path, func(cfg *config.Config) {
		if c.logLevel != "" {
			cfg.Log.Level = c.logLevel
		}
		if c.backend != "" {
			cfg.Backend.Name = c.backend
		}
	})
	if err != nil {
		return &configError{Err: err}
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return &configError{Err: err}
	}
	c.cfg, c.logger = cfg, logger
	return nil
}

func (c *cli) localCmd() *cobra.Command {
	var (
		opts      app.LocalOptions
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Enhance a local CSV file",
		Example: `  enhancer local --input pages.csv --output enhanced.csv
  enhancer local --input pages.csv --output out.csv --title-column "Page Name" --backend none`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.InputPath == "" || opts.OutputPath == "" {
				return fmt.Errorf("%w: local requires --input and --output", errUsage)
			}
			if cmd.Flags().Changed("batch-size") {
				if batchSize <= 0 {
					return fmt.Errorf("%w: --batch-size must be positive", errUsage)
				}
				c.cfg.Pipeline.BatchSize = batchSize
			}

			runner, err := app.Build(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return &configError{Err: err}
			}
			defer func() {
				_ = runner.Close()
			}()

			sum, err := app.RunLocal(cmd.Context(), runner, opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enhanced %d rows (%d skipped by quota) in %s -> %s\n",
				sum.Completed, sum.Skipped, sum.Duration, opts.OutputPath)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.InputPath, "input", "", "Input CSV file path")
	f.StringVar(&opts.OutputPath, "output", "", "Output CSV file path")
	f.StringVar(&opts.TitleColumn, "title-column", "", "Title column (header name or 0-based index); overrides detection")
	f.StringVar(&opts.DescriptionColumn, "description-column", "", "Description column (header name or 0-based index); overrides detection")
	f.IntVar(&batchSize, "batch-size", 0, "Rows enhanced concurrently (env: BATCH_SIZE)")
	return cmd
}

// detectOutput is the JSON printed by the detect command.
type detectOutput struct {
	columns.Result
	Uncertain bool `json:"uncertain"`
}

func (c *cli) detectCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Print the detected title and description columns as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if input == "" {
				return fmt.Errorf("%w: detect requires --input", errUsage)
			}
			detector, err := columns.NewDetector(c.cfg.Columns.TitlePatterns, c.cfg.Columns.DescriptionPatterns)
			if err != nil {
				return &configError{Err: err}
			}
			runner := app.NewRunner(app.RunnerOptions{Detector: detector, MaxRows: c.cfg.Pipeline.MaxRows, Logger: c.logger})

			res, err := app.DetectFile(runner, input)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(detectOutput{Result: res, Uncertain: res.Uncertain()})
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Input CSV file path")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the detect, enhance (SSE) and export API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.Server.Addr
			}
			runner, err := app.Build(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return &configError{Err: err}
			}
			defer func() {
				_ = runner.Close()
			}()

			srv := web.NewServer(runner, web.Options{
				MaxUploadBytes: c.cfg.Server.MaxUploadBytes,
				Logger:         c.logger,
			})
			c.logger.Info("server configured",
				zap.String("backend", runner.BackendName()),
				zap.Int("batch_size", c.cfg.Pipeline.BatchSize),
				zap.Int("max_rows", c.cfg.Pipeline.MaxRows),
				zap.Bool("quota", c.cfg.Quota.DSN != ""),
			)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(addr)
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
				c.logger.Info("shutting down")
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (env: SERVER_ADDR)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Current)
			return nil
		},
	}
}
