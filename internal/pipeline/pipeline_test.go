package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/storm-overdose-lag/internal/adapter/file"
	"github.com/couchcryptid/storm-overdose-lag/internal/analysis"
	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/loader"
	"github.com/couchcryptid/storm-overdose-lag/internal/observability"
	"github.com/couchcryptid/storm-overdose-lag/internal/pipeline"
	"github.com/couchcryptid/storm-overdose-lag/internal/report"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockLoader struct {
	inputs loader.Inputs
	err    error
}

func (m *mockLoader) Load(loader.Paths) (loader.Inputs, error) {
	return m.inputs, m.err
}

type mockAnalyzer struct {
	results []domain.LagResult
}

func (m *mockAnalyzer) Analyze([]domain.StormEvent, []domain.MortalityRecord) ([]domain.LagResult, analysis.Stats) {
	return m.results, analysis.Stats{Results: len(m.results)}
}

type mockSink struct {
	name    string
	err     error
	stored  []domain.LagResult
	summary report.Summary
	calls   int
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) Store(_ context.Context, results []domain.LagResult, summary report.Summary) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.stored, m.summary = results, summary
	return nil
}

func sampleResults() []domain.LagResult {
	return []domain.LagResult{
		{StormID: "s1", CountyFIPS: "01073", LagMonths: 1, PctChange: 50},
		{StormID: "s2", CountyFIPS: "48201", LagMonths: 1, PctChange: 30},
		{StormID: "s1", CountyFIPS: "01073", LagMonths: 2, PctChange: -10},
		{StormID: "s2", CountyFIPS: "48201", LagMonths: 2, PctChange: 5},
	}
}

func defaultOpts() pipeline.Options {
	return pipeline.Options{SignificanceLevel: domain.DefaultSignificanceLevel}
}

// --- tests ---

func TestPipeline_Run_EndToEnd(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })

	resultsDir := t.TempDir()
	metrics := observability.NewMetrics()
	logger := slog.Default()
	opts := pipeline.Options{
		Paths: loader.Paths{
			Storms:    filepath.Join("testdata", "storms.csv"),
			Mortality: filepath.Join("testdata", "mortality.csv"),
		},
		SignificanceLevel: domain.DefaultSignificanceLevel,
	}
	p := pipeline.New(
		loader.New(logger, metrics),
		analysis.New(analysis.DefaultOptions(), logger, metrics),
		[]pipeline.Sink{file.NewWriter(resultsDir, logger)},
		opts, logger, metrics,
	)

	out, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, out.Storms)
	assert.Equal(t, loader.SourceProcessed, out.MortalitySource)
	assert.Equal(t, 3, out.Stats.Qualifying)
	assert.Equal(t, 1, out.Stats.Skipped[analysis.SkipUnknownCounty])
	require.Len(t, out.Results, 12)
	assert.InDelta(t, 50.0, out.Results[0].PctChange, 1e-9)
	assert.InDelta(t, 47.0, out.Results[6].BaselineDeathsAvg, 1e-9)

	require.Len(t, out.Summary.Lags, 6)
	assert.Equal(t, clock.Now(), out.Summary.GeneratedAt)

	for _, name := range []string{file.ResultsFile, file.ReportFile, file.SeverityFile} {
		_, err := os.Stat(filepath.Join(resultsDir, name))
		assert.NoError(t, err, name)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LastRunSuccess))
	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.ResultsProduced))
}

func TestPipeline_Run_MissingInputWritesNothing(t *testing.T) {
	dir := t.TempDir()
	sink := &mockSink{name: "mock"}
	metrics := observability.NewMetrics()
	opts := defaultOpts()
	opts.Paths = loader.Paths{
		Storms:    filepath.Join("testdata", "storms.csv"),
		Mortality: filepath.Join(dir, "absent.csv"),
		CDCWonder: filepath.Join(dir, "absent.txt"),
	}
	p := pipeline.New(loader.New(slog.Default(), metrics), &mockAnalyzer{}, []pipeline.Sink{sink}, opts, slog.Default(), metrics)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, loader.ErrMissingInput)
	assert.Contains(t, err.Error(), "overdose mortality")
	assert.Zero(t, sink.calls)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LastRunSuccess))
}

func TestPipeline_Run_NoResults(t *testing.T) {
	sink := &mockSink{name: "mock"}
	p := pipeline.New(&mockLoader{}, &mockAnalyzer{}, []pipeline.Sink{sink}, defaultOpts(), slog.Default(), observability.NewMetrics())

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrNoResults)
	assert.False(t, errors.Is(err, loader.ErrMissingInput))
	assert.Zero(t, sink.calls)
}

func TestPipeline_Run_StoresToEverySink(t *testing.T) {
	first := &mockSink{name: "first"}
	second := &mockSink{name: "second"}
	metrics := observability.NewMetrics()
	p := pipeline.New(&mockLoader{}, &mockAnalyzer{results: sampleResults()}, []pipeline.Sink{first, second}, defaultOpts(), slog.Default(), metrics)

	out, err := p.Run(context.Background())
	require.NoError(t, err)

	for _, s := range []*mockSink{first, second} {
		assert.Equal(t, 1, s.calls)
		assert.Equal(t, sampleResults(), s.stored)
		assert.Equal(t, out.Summary, s.summary)
	}
	assert.Equal(t, 1, out.Summary.OptimalLag)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LastRunSuccess))
}

func TestPipeline_Run_SinkError(t *testing.T) {
	failing := &mockSink{name: "duckdb", err: errors.New("disk full")}
	after := &mockSink{name: "kafka"}
	metrics := observability.NewMetrics()
	p := pipeline.New(&mockLoader{}, &mockAnalyzer{results: sampleResults()}, []pipeline.Sink{failing, after}, defaultOpts(), slog.Default(), metrics)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store to duckdb")
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, after.calls)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LastRunSuccess))
}

func TestPipeline_Run_CachesRawMortality(t *testing.T) {
	records := []domain.MortalityRecord{{CountyFIPS: "01073", Month: time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), Deaths: domain.Known(3)}}
	ldr := &mockLoader{inputs: loader.Inputs{Mortality: records, MortalitySource: loader.SourceCDCWonder}}

	var cachedPath string
	var cached []domain.MortalityRecord
	opts := defaultOpts()
	opts.MortalityCachePath = "processed.csv"
	opts.CacheWriter = func(path string, r []domain.MortalityRecord) error {
		cachedPath, cached = path, r
		return nil
	}
	p := pipeline.New(ldr, &mockAnalyzer{results: sampleResults()}, nil, opts, slog.Default(), observability.NewMetrics())

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "processed.csv", cachedPath)
	assert.Equal(t, records, cached)
}

func TestPipeline_Run_CacheFailureIsNotFatal(t *testing.T) {
	ldr := &mockLoader{inputs: loader.Inputs{MortalitySource: loader.SourceCDCWonder}}
	opts := defaultOpts()
	opts.MortalityCachePath = "processed.csv"
	opts.CacheWriter = func(string, []domain.MortalityRecord) error { return errors.New("read-only") }
	p := pipeline.New(ldr, &mockAnalyzer{results: sampleResults()}, nil, opts, slog.Default(), observability.NewMetrics())

	_, err := p.Run(context.Background())
	require.NoError(t, err)
}

func TestPipeline_Run_ProcessedMortalityIsNotCached(t *testing.T) {
	ldr := &mockLoader{inputs: loader.Inputs{MortalitySource: loader.SourceProcessed}}
	called := false
	opts := defaultOpts()
	opts.MortalityCachePath = "processed.csv"
	opts.CacheWriter = func(string, []domain.MortalityRecord) error {
		called = true
		return nil
	}
	p := pipeline.New(ldr, &mockAnalyzer{results: sampleResults()}, nil, opts, slog.Default(), observability.NewMetrics())

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
}

func TestPipeline_Run_CancelledContext(t *testing.T) {
	sink := &mockSink{name: "mock"}
	p := pipeline.New(&mockLoader{}, &mockAnalyzer{results: sampleResults()}, []pipeline.Sink{sink}, defaultOpts(), slog.Default(), observability.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sink.calls)
}

func TestPipeline_Run_RecordsDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })

	metrics := observability.NewMetrics()
	slow := &advancingSink{clock: clock, by: 3 * time.Second}
	p := pipeline.New(&mockLoader{}, &mockAnalyzer{results: sampleResults()}, []pipeline.Sink{slow}, defaultOpts(), slog.Default(), metrics)

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, out.Duration)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.RunDurationSeconds))
}

// advancingSink moves the fake clock forward to simulate a slow write.
type advancingSink struct {
	clock *clockwork.FakeClock
	by    time.Duration
}

func (a *advancingSink) Name() string { return "slow" }

func (a *advancingSink) Store(context.Context, []domain.LagResult, report.Summary) error {
	a.clock.Advance(a.by)
	return nil
}
