// Package file writes run artifacts to the results directory.
package file

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/report"
)

// Artifact file names inside the results directory.
const (
	ResultsFile     = "lag_analysis.csv"
	ReportFile      = "statistical_report.md"
	SeverityFile    = "severity_vs_spike.csv"
	MortalityCache  = "overdose_deaths_county_monthly.csv"
	mortalityLayout = "2006-01-02"
)

// Writer persists results, the report and chart data as files.
// It implements pipeline.Sink.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string, logger *slog.Logger) *Writer {
	return &Writer{dir: dir, logger: logger}
}

// Name identifies the sink in logs.
func (w *Writer) Name() string { return "file" }

// Store writes the result table, the markdown report and the severity scatter
// data. Existing files are overwritten.
func (w *Writer) Store(_ context.Context, results []domain.LagResult, summary report.Summary) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	resultsPath := filepath.Join(w.dir, ResultsFile)
	if err := writeCSV(resultsPath, domain.LagResultColumns, resultRows(results)); err != nil {
		return err
	}
	w.logger.Info("saved analysis results", "path", resultsPath, "rows", len(results))

	reportPath := filepath.Join(w.dir, ReportFile)
	if err := writeReport(reportPath, summary); err != nil {
		return err
	}
	w.logger.Info("saved statistical report", "path", reportPath)

	severityPath := filepath.Join(w.dir, SeverityFile)
	rows := severityRows(results, summary.OptimalLag)
	if err := writeCSV(severityPath, []string{"storm_id", "county_fips", "lag_months", "damage", "pct_change"}, rows); err != nil {
		return err
	}
	w.logger.Info("saved severity scatter data", "path", severityPath, "lag_months", summary.OptimalLag, "rows", len(rows))
	return nil
}

// WriteMortality writes normalized mortality records in the processed layout
// read by loader.LoadMortality. Missing counts are written as blanks.
func WriteMortality(path string, records []domain.MortalityRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create mortality cache dir: %w", err)
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		deaths := ""
		if r.Deaths.Valid {
			deaths = formatFloat(r.Deaths.Value)
		}
		rows = append(rows, []string{r.CountyFIPS, r.Month.Format(mortalityLayout), deaths})
	}
	return writeCSV(path, []string{"COUNTY_FIPS", "Date", "Deaths"}, rows)
}

func resultRows(results []domain.LagResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.StormID,
			r.CountyFIPS,
			r.StormDate.Format(domain.StormDateLayout),
			r.StormType,
			strconv.Itoa(r.LagMonths),
			formatFloat(r.BaselineDeathsAvg),
			formatFloat(r.LagDeaths),
			formatFloat(r.PctChange),
			formatFloat(r.Damage),
			strconv.Itoa(r.DirectDeaths),
		})
	}
	return rows
}

func severityRows(results []domain.LagResult, lag int) [][]string {
	var rows [][]string
	for _, r := range results {
		if r.LagMonths != lag {
			continue
		}
		rows = append(rows, []string{
			r.StormID,
			r.CountyFIPS,
			strconv.Itoa(r.LagMonths),
			formatFloat(r.Damage),
			formatFloat(r.PctChange),
		})
	}
	return rows
}

func writeCSV(path string, header []string, rows [][]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeReport(path string, summary report.Summary) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	bw := bufio.NewWriter(f)
	if err := report.RenderMarkdown(bw, summary); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
