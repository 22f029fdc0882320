// Command validate performs integrity checks on a produced lag result table:
// column layout, one row per lag for every storm, the percent-change rule,
// parity with a fresh recomputation from the inputs and, optionally, agreement
// with the statistical report.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -results data/analysis/lag_analysis.csv \
//	  -storms data/raw/storms/storm_events_2015_2023.csv \
//	  -mortality data/raw/storms/overdose_deaths_county_monthly.csv \
//	  -report data/analysis/statistical_report.md
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/storm-overdose-lag/internal/analysis"
	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/loader"
	"github.com/couchcryptid/storm-overdose-lag/internal/observability"
	"github.com/couchcryptid/storm-overdose-lag/internal/report"
)

// tolerance absorbs float formatting round trips through CSV.
const tolerance = 1e-6

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type inputs struct {
	results    string
	storms     string
	mortality  string
	cdcWonder  string
	reportPath string
	opts       analysis.Options
	alpha      float64
}

func main() {
	in := inputs{opts: analysis.DefaultOptions()}
	flag.StringVar(&in.results, "results", "", "lag result CSV to validate")
	flag.StringVar(&in.storms, "storms", "", "storm events CSV used for the run")
	flag.StringVar(&in.mortality, "mortality", "", "processed mortality CSV used for the run")
	flag.StringVar(&in.cdcWonder, "cdc-wonder", "", "raw CDC WONDER export, when no processed file was used")
	flag.StringVar(&in.reportPath, "report", "", "statistical report to cross-check (optional)")
	flag.Float64Var(&in.opts.DamageThreshold, "damage-threshold", in.opts.DamageThreshold, "damage threshold used for the run")
	flag.IntVar(&in.opts.BaselineMonths, "baseline-months", in.opts.BaselineMonths, "baseline months used for the run")
	flag.IntVar(&in.opts.MaxLagMonths, "max-lag", in.opts.MaxLagMonths, "last lag month used for the run")
	flag.Float64Var(&in.alpha, "alpha", domain.DefaultSignificanceLevel, "significance level used for the run")
	flag.Parse()

	if in.results == "" || in.storms == "" || (in.mortality == "" && in.cdcWonder == "") {
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(in, os.Stdout))
}

func run(in inputs, w io.Writer) int {
	fmt.Fprintln(w, "=== Lag Result Integrity Validation ===")
	fmt.Fprintln(w)

	rows, header, err := loadResults(in.results)
	if err != nil {
		fmt.Fprintf(w, "FATAL: load results: %v\n", err)
		return 1
	}

	quiet := slog.New(slog.DiscardHandler)
	metrics := observability.NewMetrics()
	data, err := loader.New(quiet, metrics).Load(loader.Paths{Storms: in.storms, Mortality: in.mortality, CDCWonder: in.cdcWonder})
	if err != nil {
		fmt.Fprintf(w, "FATAL: load inputs: %v\n", err)
		return 1
	}
	expected, _ := analysis.New(in.opts, quiet, metrics).Analyze(data.Storms, data.Mortality)

	phases := []*phase{
		validateShape(header, rows, in.opts.MaxLagMonths),
		validatePercentRule(rows, in.opts.NoBaselinePctChange),
		validateParity(rows, expected),
	}
	if in.reportPath != "" {
		phases = append(phases, validateReport(in.reportPath, rows, in.alpha))
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(w, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Rows: %d in results, %d recomputed (%d storms, %d county-months)\n",
		len(rows), len(expected), len(data.Storms), len(data.Mortality))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return 1
}

// ── Data loading ──

// resultRow is a parsed result line; err is set when a field failed to parse.
type resultRow struct {
	lineNum int
	result  domain.LagResult
	err     error
}

func loadResults(path string) ([]resultRow, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("empty file %s", path)
	}

	header := all[0]
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	rows := make([]resultRow, 0, len(all)-1)
	for i, rec := range all[1:] {
		r, err := parseResult(rec, idx)
		rows = append(rows, resultRow{lineNum: i + 2, result: r, err: err})
	}
	return rows, header, nil
}

func parseResult(rec []string, idx map[string]int) (domain.LagResult, error) {
	get := func(col string) string {
		if i, ok := idx[col]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	var r domain.LagResult
	var err error
	r.StormID = get("storm_id")
	r.CountyFIPS = get("county_fips")
	r.StormType = get("storm_type")
	if r.StormDate, err = time.Parse(domain.StormDateLayout, get("storm_date")); err != nil {
		return r, fmt.Errorf("storm_date: %w", err)
	}
	if r.LagMonths, err = strconv.Atoi(get("lag_months")); err != nil {
		return r, fmt.Errorf("lag_months: %w", err)
	}
	if r.DirectDeaths, err = strconv.Atoi(get("direct_deaths")); err != nil {
		return r, fmt.Errorf("direct_deaths: %w", err)
	}
	floats := []struct {
		col string
		dst *float64
	}{
		{"baseline_deaths_avg", &r.BaselineDeathsAvg},
		{"lag_deaths", &r.LagDeaths},
		{"pct_change", &r.PctChange},
		{"damage", &r.Damage},
	}
	for _, fl := range floats {
		if *fl.dst, err = strconv.ParseFloat(get(fl.col), 64); err != nil {
			return r, fmt.Errorf("%s: %w", fl.col, err)
		}
	}
	return r, nil
}

func resultKey(r domain.LagResult) string {
	return r.StormID + "-" + strconv.Itoa(r.LagMonths)
}

// ── Phase 1: Shape ──
// Validates columns, field parsing and one row per lag for every storm.

func validateShape(header []string, rows []resultRow, maxLag int) *phase {
	p := &phase{name: "Phase 1: Table Shape"}

	if !slices.Equal(header, domain.LagResultColumns) {
		p.errorf("columns = %v, want %v", header, domain.LagResultColumns)
	}

	lags := make(map[string][]int)
	var order []string
	for _, row := range rows {
		if row.err != nil {
			p.errorf("line %d: %v", row.lineNum, row.err)
			continue
		}
		r := row.result
		if r.StormID == "" {
			p.errorf("line %d: empty storm_id", row.lineNum)
		}
		if len(r.CountyFIPS) != 5 {
			p.errorf("line %d: county_fips %q is not 5 digits", row.lineNum, r.CountyFIPS)
		}
		if r.BaselineDeathsAvg < 0 || r.LagDeaths < 0 {
			p.errorf("line %d: negative death count", row.lineNum)
		}
		if _, ok := lags[r.StormID]; !ok {
			order = append(order, r.StormID)
		}
		lags[r.StormID] = append(lags[r.StormID], r.LagMonths)
	}

	for _, id := range order {
		got := lags[id]
		want := make([]int, maxLag)
		for i := range want {
			want[i] = i + 1
		}
		if !slices.Equal(got, want) {
			p.errorf("storm %s: lags %v, want %v", id, got, want)
		}
	}
	return p
}

// ── Phase 2: Percent rule ──

func validatePercentRule(rows []resultRow, noBaseline float64) *phase {
	p := &phase{name: "Phase 2: Percent Change Rule"}
	for _, row := range rows {
		if row.err != nil {
			continue
		}
		r := row.result
		want := domain.PercentChange(r.BaselineDeathsAvg, r.LagDeaths, noBaseline)
		if math.Abs(want-r.PctChange) > tolerance {
			p.errorf("line %d (%s): pct_change %g, want %g from baseline %g and lag %g",
				row.lineNum, resultKey(r), r.PctChange, want, r.BaselineDeathsAvg, r.LagDeaths)
		}
	}
	return p
}

// ── Phase 3: Recomputation parity ──
// Validates that the table matches a fresh run over the same inputs.

func validateParity(rows []resultRow, expected []domain.LagResult) *phase {
	p := &phase{name: "Phase 3: Recomputation Parity"}

	want := make(map[string]domain.LagResult, len(expected))
	for _, r := range expected {
		want[resultKey(r)] = r
	}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.err != nil {
			continue
		}
		got := row.result
		key := resultKey(got)
		if seen[key] {
			p.errorf("line %d: duplicate row %s", row.lineNum, key)
			continue
		}
		seen[key] = true

		exp, ok := want[key]
		if !ok {
			p.errorf("line %d: unexpected row %s", row.lineNum, key)
			continue
		}
		if got.CountyFIPS != exp.CountyFIPS {
			p.errorf("%s: county_fips %s, want %s", key, got.CountyFIPS, exp.CountyFIPS)
		}
		if !got.StormDate.Equal(exp.StormDate.Truncate(time.Second)) {
			p.errorf("%s: storm_date %s, want %s", key, got.StormDate, exp.StormDate)
		}
		for _, c := range []struct {
			name      string
			got, want float64
		}{
			{"baseline_deaths_avg", got.BaselineDeathsAvg, exp.BaselineDeathsAvg},
			{"lag_deaths", got.LagDeaths, exp.LagDeaths},
			{"pct_change", got.PctChange, exp.PctChange},
			{"damage", got.Damage, exp.Damage},
		} {
			if math.Abs(c.got-c.want) > tolerance {
				p.errorf("%s: %s %g, want %g", key, c.name, c.got, c.want)
			}
		}
	}
	for _, r := range expected {
		if !seen[resultKey(r)] {
			p.errorf("missing row %s", resultKey(r))
		}
	}
	return p
}

// ── Phase 4: Report ──
// Validates that every lag row in the report matches the table's statistics.

func validateReport(path string, rows []resultRow, alpha float64) *phase {
	p := &phase{name: "Phase 4: Statistical Report"}

	data, err := os.ReadFile(path)
	if err != nil {
		p.errorf("read report: %v", err)
		return p
	}
	results := make([]domain.LagResult, 0, len(rows))
	for _, row := range rows {
		if row.err == nil {
			results = append(results, row.result)
		}
	}
	summary, err := report.Summarize(results, alpha)
	if err != nil {
		p.errorf("summarize results: %v", err)
		return p
	}

	var want strings.Builder
	if err := report.RenderMarkdown(&want, summary); err != nil {
		p.errorf("render report: %v", err)
		return p
	}
	reportText := string(data)
	for _, line := range strings.Split(want.String(), "\n") {
		if strings.HasPrefix(line, "| ") && strings.Contains(line, " months |") && !strings.Contains(reportText, line) {
			p.errorf("report is missing row %q", line)
		}
	}
	return p
}
