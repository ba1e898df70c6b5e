package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datachute/xmlsink/internal/runner"
	"github.com/datachute/xmlsink/pkg/config"
	"github.com/datachute/xmlsink/pkg/logger"
	"github.com/datachute/xmlsink/pkg/metrics"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "xmlsink",
		Short: "xmlsink - streaming XML to warehouse loader",
		Long: `xmlsink ingests large XML documents, optionally packaged in compressed
archives, and loads extracted rows into a relational warehouse via
idempotent upsert. Documents are parsed in a single forward pass with
bounded memory; rows fan out to per-table batched upsert workers.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("xmlsink v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newValidateCmd())
	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newValidateCmd checks mapping files without touching the database.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <mapping.yaml> [more...]",
		Short: "Validate mapping files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				m, err := config.LoadMapping(path)
				if err != nil {
					return fmt.Errorf("mapping %s invalid: %w", path, err)
				}
				fmt.Printf("%s: mapping %q ok (%d rule(s), %d table(s))\n",
					path, m.Name, len(m.Rules), len(m.Tables))
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		configFile  string
		inputPath   string
		pattern     string
		dsn         string
		mappings    []string
		workers     int
		stopOnError bool
		logLevel    string
		timeout     time.Duration
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one load over a document feed",
		Long: `Run extracts records from every matching document under the input path
and upserts them into the destination tables declared by the mappings.

Example:
  xmlsink run --input ./feeds --mapping orders.yaml --dsn $DATABASE_URL`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}

			// Command line flags override the config file.
			if inputPath != "" {
				cfg.Input.Path = inputPath
			}
			if pattern != "" {
				cfg.Input.Pattern = pattern
			}
			if dsn != "" {
				cfg.Database.DSN = dsn
			}
			if len(mappings) > 0 {
				cfg.MappingPaths = mappings
			}
			if workers > 0 {
				cfg.Performance.Workers = workers
			}
			if stopOnError {
				cfg.Reliability.StopOnError = true
			}
			if logLevel != "" {
				cfg.Observability.LogLevel = logLevel
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, timeout)
		},
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to run configuration YAML file (optional)")
	runCmd.Flags().StringVarP(&inputPath, "input", "i", "", "File, directory, or archive to load documents from")
	runCmd.Flags().StringVar(&pattern, "pattern", "", "Document name pattern (default *.xml)")
	runCmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string")
	runCmd.Flags().StringSliceVarP(&mappings, "mapping", "m", nil, "Mapping file (repeatable)")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Documents processed concurrently (default: CPU count)")
	runCmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "Abort the run on the first document failure")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall run timeout (0 = none)")

	return runCmd
}

func run(ctx context.Context, cfg *config.Config, timeout time.Duration) error {
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: "json",
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log := logger.With(zap.String("component", "xmlsink-cli"))

	loaded, err := config.LoadMappings(cfg.MappingPaths)
	if err != nil {
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.Database.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	var collector *metrics.Collector
	if cfg.Observability.EnableMetrics {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		if addr := cfg.Observability.MetricsAddr; addr != "" {
			go serveMetrics(addr, log)
		}
	}

	log.Info("starting run",
		zap.String("input", cfg.Input.Path),
		zap.String("pattern", cfg.Input.Pattern),
		zap.Int("mappings", len(loaded)),
		zap.Int("workers", cfg.Performance.Workers),
		zap.Bool("stop_on_error", cfg.Reliability.StopOnError))

	r := runner.New(cfg, loaded, pool, collector, logger.Get())
	summary, err := r.Run(ctx)

	fmt.Printf("documents: %d  failed: %d  records: %d  skipped: %d\n",
		summary.Documents, summary.DocumentsFailed,
		summary.RecordsProcessed, summary.RecordsSkipped)

	return err
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
