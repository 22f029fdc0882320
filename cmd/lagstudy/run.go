package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/couchcryptid/storm-overdose-lag/internal/adapter/duckdb"
	"github.com/couchcryptid/storm-overdose-lag/internal/adapter/file"
	"github.com/couchcryptid/storm-overdose-lag/internal/adapter/kafka"
	"github.com/couchcryptid/storm-overdose-lag/internal/analysis"
	"github.com/couchcryptid/storm-overdose-lag/internal/config"
	"github.com/couchcryptid/storm-overdose-lag/internal/loader"
	"github.com/couchcryptid/storm-overdose-lag/internal/observability"
	"github.com/couchcryptid/storm-overdose-lag/internal/pipeline"
	"github.com/couchcryptid/storm-overdose-lag/internal/report"
	"github.com/spf13/cobra"
)

type runFlags struct {
	storms, mortality, cdcWonder, resultsDir string
	damageThreshold, alpha                   float64
	baselineMonths, maxLag                   int
	duckDBPath                               string
	kafka                                    bool
	logLevel, logFormat                      string
	metricsTextfile                          string
	quiet                                    bool
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the lag study and write results",
		Long: `Load storm events and overdose mortality, compute percent change in deaths
for each lag month after qualifying storms, test each lag against zero and
write lag_analysis.csv, statistical_report.md and severity_vs_spike.csv.

Settings come from the environment (and .env); flags override them.`,
		Example: `  # Run with defaults from the environment
  lagstudy run

  # Raw CDC WONDER export, longer lag window, results also in DuckDB
  lagstudy run --cdc-wonder data/raw/wonder.txt --max-lag 12 --duckdb data/analysis/lag.duckdb`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, f, cfg); err != nil {
				return err
			}
			var out io.Writer = cmd.OutOrStdout()
			if f.quiet {
				out = io.Discard
			}
			return runStudy(cmd.Context(), cfg, out, cmd.ErrOrStderr())
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.storms, "storms", "", "storm events CSV (.csv or .csv.gz)")
	fl.StringVar(&f.mortality, "mortality", "", "processed county-month mortality CSV")
	fl.StringVar(&f.cdcWonder, "cdc-wonder", "", "raw CDC WONDER export, used when the processed file is absent")
	fl.StringVar(&f.resultsDir, "results-dir", "", "directory for result files")
	fl.Float64Var(&f.damageThreshold, "damage-threshold", 0, "property damage a storm must exceed to qualify")
	fl.IntVar(&f.baselineMonths, "baseline-months", 0, "months before the storm averaged as the baseline")
	fl.IntVar(&f.maxLag, "max-lag", 0, "last lag month analyzed")
	fl.Float64Var(&f.alpha, "alpha", 0, "significance level for the per-lag t-tests")
	fl.StringVar(&f.duckDBPath, "duckdb", "", "also store results in this DuckDB database")
	fl.BoolVar(&f.kafka, "kafka", false, "publish results to Kafka (requires KAFKA_BROKERS)")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "", "text or json")
	fl.StringVar(&f.metricsTextfile, "metrics-textfile", "", "write run metrics in node_exporter textfile format")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "do not print the summary table")

	_ = cmd.RegisterFlagCompletionFunc("log-format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, f *runFlags, cfg *config.Config) error {
	set := cmd.Flags().Changed
	if set("storms") {
		cfg.StormEventsPath = f.storms
	}
	if set("mortality") {
		cfg.MortalityPath = f.mortality
	}
	if set("cdc-wonder") {
		cfg.CDCWonderPath = f.cdcWonder
	}
	if set("results-dir") {
		cfg.ResultsDir = f.resultsDir
	}
	if set("damage-threshold") {
		cfg.DamageThreshold = f.damageThreshold
	}
	if set("baseline-months") {
		cfg.BaselineMonths = f.baselineMonths
	}
	if set("max-lag") {
		cfg.MaxLagMonths = f.maxLag
	}
	if set("alpha") {
		cfg.SignificanceLevel = f.alpha
	}
	if set("duckdb") {
		cfg.DuckDBPath = f.duckDBPath
	}
	if set("kafka") {
		cfg.KafkaEnabled = f.kafka
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if set("metrics-textfile") {
		cfg.MetricsTextfile = f.metricsTextfile
	}
	return cfg.Validate()
}

// runStudy wires the stages from cfg and executes one run. Logs go to
// logOut; the summary table goes to out.
func runStudy(ctx context.Context, cfg *config.Config, out, logOut io.Writer) (err error) {
	logger := observability.NewLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	if cfg.MetricsTextfile != "" {
		defer func() {
			if werr := metrics.WriteTextfile(cfg.MetricsTextfile); werr != nil {
				logger.Error("failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", werr)
			}
		}()
	}

	sinks, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeSinks()) }()

	p := pipeline.New(
		loader.New(logger, metrics),
		analysis.New(analysis.Options{
			DamageThreshold:     cfg.DamageThreshold,
			BaselineMonths:      cfg.BaselineMonths,
			MaxLagMonths:        cfg.MaxLagMonths,
			NoBaselinePctChange: cfg.NoBaselinePctChange,
		}, logger, metrics),
		sinks,
		pipeline.Options{
			Paths: loader.Paths{
				Storms:    cfg.StormEventsPath,
				Mortality: cfg.MortalityPath,
				CDCWonder: cfg.CDCWonderPath,
			},
			SignificanceLevel:  cfg.SignificanceLevel,
			MortalityCachePath: cfg.MortalityPath,
			CacheWriter:        file.WriteMortality,
		},
		logger, metrics,
	)

	outcome, err := p.Run(ctx)
	if err != nil {
		return err
	}
	return report.RenderText(out, outcome.Summary)
}

func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]pipeline.Sink, func() error, error) {
	sinks := []pipeline.Sink{file.NewWriter(cfg.ResultsDir, logger)}
	var closers []io.Closer
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}

	if cfg.DuckDBPath != "" {
		store, err := duckdb.Open(ctx, cfg.DuckDBPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("duckdb sink: %w", err)
		}
		sinks = append(sinks, store)
		closers = append(closers, store)
		logger.Info("duckdb sink enabled", "path", cfg.DuckDBPath)
	}
	if cfg.KafkaEnabled {
		w := kafka.NewWriter(cfg, logger)
		sinks = append(sinks, w)
		closers = append(closers, w)
		logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Debug("kafka sink disabled")
	}
	return sinks, closeAll, nil
}
