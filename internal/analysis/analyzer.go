// Package analysis joins storms to county-month mortality and measures the
// change in overdose deaths in the months after each qualifying storm.
package analysis

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/observability"
)

// Skip reasons reported in Stats and the storms_skipped_total metric.
const (
	SkipUnjoinable     = "unjoinable_county"
	SkipUnknownCounty  = "county_not_in_mortality"
	SkipNoBaseline     = "no_baseline"
	SkipProcessingFail = "error"
)

var errNoBeginTime = errors.New("storm has no begin time")

// Options control qualification, the baseline window and the lag range.
type Options struct {
	DamageThreshold     float64
	BaselineMonths      int
	MaxLagMonths        int
	NoBaselinePctChange float64
}

// DefaultOptions returns the study's standard parameters.
func DefaultOptions() Options {
	return Options{
		DamageThreshold:     domain.DefaultDamageThreshold,
		BaselineMonths:      domain.DefaultBaselineMonths,
		MaxLagMonths:        domain.DefaultMaxLagMonths,
		NoBaselinePctChange: domain.DefaultNoBaselinePctChange,
	}
}

// Stats summarizes one Analyze call.
type Stats struct {
	Storms     int
	Qualifying int
	Skipped    map[string]int
	Duplicates int
	Results    int
}

// Analyzer computes LagResults.
type Analyzer struct {
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an Analyzer.
func New(opts Options, logger *slog.Logger, metrics *observability.Metrics) *Analyzer {
	return &Analyzer{opts: opts, logger: logger, metrics: metrics}
}

type key struct {
	county string
	month  time.Time
}

// mortalityIndex is the (county, month) lookup built once per run.
type mortalityIndex struct {
	counts   map[key]domain.Count
	counties map[string]struct{}
}

// buildIndex indexes mortality rows. A (county, month) seen more than once
// has no single value and is treated as missing.
func buildIndex(records []domain.MortalityRecord) (mortalityIndex, int) {
	idx := mortalityIndex{
		counts:   make(map[key]domain.Count, len(records)),
		counties: make(map[string]struct{}),
	}
	seen := make(map[key]int, len(records))
	dups := 0
	for _, r := range records {
		k := key{county: r.CountyFIPS, month: domain.MonthStart(r.Month)}
		seen[k]++
		switch seen[k] {
		case 1:
			idx.counts[k] = r.Deaths
		case 2:
			idx.counts[k] = domain.Missing
			dups++
		}
		idx.counties[r.CountyFIPS] = struct{}{}
	}
	return idx, dups
}

func (idx mortalityIndex) lookup(county string, month time.Time) domain.Count {
	return idx.counts[key{county: county, month: month}]
}

// Analyze produces LagResults in storm input order, lags ascending. A storm
// is skipped, not fatal, when it cannot be joined or has no valid baseline.
func (a *Analyzer) Analyze(storms []domain.StormEvent, mortality []domain.MortalityRecord) ([]domain.LagResult, Stats) {
	stats := Stats{Storms: len(storms), Skipped: make(map[string]int)}

	idx, dups := buildIndex(mortality)
	stats.Duplicates = dups
	if dups > 0 {
		a.logger.Warn("duplicate county-month mortality rows treated as missing", "keys", dups)
	}

	var results []domain.LagResult
	for _, storm := range storms {
		if !domain.Qualifies(storm, a.opts.DamageThreshold) {
			continue
		}
		stats.Qualifying++

		rows, reason, err := a.analyzeStorm(storm, idx)
		if err != nil {
			a.logger.Warn("skipping storm after processing error", "storm_id", storm.ID, "error", err)
			reason = SkipProcessingFail
		}
		if reason != "" {
			stats.Skipped[reason]++
			a.metrics.StormsSkipped.WithLabelValues(reason).Inc()
			continue
		}
		results = append(results, rows...)
	}

	stats.Results = len(results)
	a.metrics.StormsQualifying.Add(float64(stats.Qualifying))
	a.metrics.ResultsProduced.Add(float64(stats.Results))
	a.logger.Info("lag analysis complete",
		"storms", stats.Storms,
		"qualifying", stats.Qualifying,
		"results", stats.Results,
		"skipped", stats.Skipped,
	)
	return results, stats
}

// analyzeStorm returns the storm's lag rows, or the reason it produced none.
func (a *Analyzer) analyzeStorm(storm domain.StormEvent, idx mortalityIndex) (rows []domain.LagResult, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			rows, reason, err = nil, "", fmt.Errorf("panic: %v", r)
		}
	}()

	if !storm.Joinable() {
		a.logger.Debug("storm has no county", "storm_id", storm.ID)
		return nil, SkipUnjoinable, nil
	}
	if _, ok := idx.counties[storm.CountyFIPS]; !ok {
		a.logger.Debug("storm county has no mortality data", "storm_id", storm.ID, "county_fips", storm.CountyFIPS)
		return nil, SkipUnknownCounty, nil
	}
	if storm.BeginTime.IsZero() {
		return nil, "", errNoBeginTime
	}

	stormMonth := domain.MonthStart(storm.BeginTime)

	sum, valid := 0.0, 0
	for i := 1; i <= a.opts.BaselineMonths; i++ {
		if c := idx.lookup(storm.CountyFIPS, domain.AddMonths(stormMonth, -i)); c.Valid {
			sum += c.Value
			valid++
		}
	}
	if valid == 0 {
		a.logger.Debug("storm has no valid baseline months", "storm_id", storm.ID, "county_fips", storm.CountyFIPS)
		return nil, SkipNoBaseline, nil
	}
	baseline := sum / float64(valid)

	rows = make([]domain.LagResult, 0, a.opts.MaxLagMonths)
	for lag := 1; lag <= a.opts.MaxLagMonths; lag++ {
		// Missing lag months count as zero deaths, unlike the baseline.
		lagDeaths := 0.0
		if c := idx.lookup(storm.CountyFIPS, domain.AddMonths(stormMonth, lag)); c.Valid {
			lagDeaths = c.Value
		}
		rows = append(rows, domain.LagResult{
			StormID:           storm.ID,
			CountyFIPS:        storm.CountyFIPS,
			StormDate:         storm.BeginTime,
			StormType:         storm.EventType,
			LagMonths:         lag,
			BaselineDeathsAvg: baseline,
			LagDeaths:         lagDeaths,
			PctChange:         domain.PercentChange(baseline, lagDeaths, a.opts.NoBaselinePctChange),
			Damage:            storm.DamageProperty,
			DirectDeaths:      storm.DeathsDirect,
		})
	}
	return rows, "", nil
}
