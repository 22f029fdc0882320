package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-overdose-lag/internal/analysis"
	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/loader"
	"github.com/couchcryptid/storm-overdose-lag/internal/observability"
	"github.com/couchcryptid/storm-overdose-lag/internal/report"
)

// ErrNoResults is returned when loading succeeded but no storm produced a
// lag row, usually because county codes or date ranges do not overlap.
var ErrNoResults = report.ErrNoResults

// InputLoader reads and normalizes both input datasets.
type InputLoader interface {
	Load(paths loader.Paths) (loader.Inputs, error)
}

// Analyzer turns storms and mortality into lag rows.
type Analyzer interface {
	Analyze(storms []domain.StormEvent, mortality []domain.MortalityRecord) ([]domain.LagResult, analysis.Stats)
}

// Sink persists the output of a run.
type Sink interface {
	Name() string
	Store(ctx context.Context, results []domain.LagResult, summary report.Summary) error
}

// CacheWriter saves normalized mortality so later runs skip raw parsing.
type CacheWriter func(path string, records []domain.MortalityRecord) error

// Options configure one run.
type Options struct {
	Paths              loader.Paths
	SignificanceLevel  float64
	MortalityCachePath string // written when mortality came from the raw export; empty disables
	CacheWriter        CacheWriter
}

// Outcome describes a completed run.
type Outcome struct {
	Storms          int
	MortalityRows   int
	MortalitySource string
	Stats           analysis.Stats
	Summary         report.Summary
	Results         []domain.LagResult
	Duration        time.Duration
}

// Pipeline runs load, analyze, summarize and store once.
type Pipeline struct {
	loader   InputLoader
	analyzer Analyzer
	sinks    []Sink
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Pipeline with the given stages and observability.
func New(l InputLoader, a Analyzer, sinks []Sink, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		loader:   l,
		analyzer: a,
		sinks:    sinks,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run executes the study. Missing inputs return an error wrapping
// loader.ErrMissingInput and an empty join returns ErrNoResults; in both
// cases nothing is written.
func (p *Pipeline) Run(ctx context.Context) (Outcome, error) {
	start := domain.Now()
	p.metrics.LastRunSuccess.Set(0)
	defer func() {
		p.metrics.RunDurationSeconds.Set(domain.Since(start).Seconds())
	}()

	p.logger.Info("loading data")
	in, err := p.loader.Load(p.opts.Paths)
	if err != nil {
		return Outcome{}, fmt.Errorf("load inputs: %w", err)
	}
	out := Outcome{
		Storms:          len(in.Storms),
		MortalityRows:   len(in.Mortality),
		MortalitySource: in.MortalitySource,
	}

	if in.MortalitySource == loader.SourceCDCWonder {
		p.cacheMortality(in.Mortality)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	p.logger.Info("analyzing lag patterns")
	results, stats := p.analyzer.Analyze(in.Storms, in.Mortality)
	out.Stats = stats
	out.Results = results

	summary, err := report.Summarize(results, p.opts.SignificanceLevel)
	if err != nil {
		if errors.Is(err, report.ErrNoResults) {
			p.logger.Warn("no matching records found for analysis", "storms", len(in.Storms), "qualifying", stats.Qualifying, "skipped", stats.Skipped)
		}
		return out, err
	}
	out.Summary = summary
	p.logSummary(summary)
	p.metrics.SignificantLags.Set(float64(len(summary.Significant())))

	for _, s := range p.sinks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := s.Store(ctx, results, summary); err != nil {
			return out, fmt.Errorf("store to %s: %w", s.Name(), err)
		}
	}

	out.Duration = domain.Since(start)
	p.metrics.LastRunSuccess.Set(1)
	p.logger.Info("done", "results", len(results), "duration", out.Duration)
	return out, nil
}

func (p *Pipeline) cacheMortality(records []domain.MortalityRecord) {
	if p.opts.MortalityCachePath == "" || p.opts.CacheWriter == nil {
		return
	}
	if err := p.opts.CacheWriter(p.opts.MortalityCachePath, records); err != nil {
		p.logger.Warn("failed to cache processed mortality data", "path", p.opts.MortalityCachePath, "error", err)
		return
	}
	p.logger.Info("saved processed mortality data", "path", p.opts.MortalityCachePath, "rows", len(records))
}

func (p *Pipeline) logSummary(s report.Summary) {
	for _, l := range s.Lags {
		p.logger.Info("lag window",
			"lag_months", l.LagMonths,
			"n", l.N,
			"mean_pct_change", l.Mean,
			"p_value", l.PValue,
			"significant", l.Significant,
		)
	}
	p.logger.Info("optimal lag", "lag_months", s.OptimalLag)
}
