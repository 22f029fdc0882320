// Package loader reads the storm event and mortality tables into typed,
// join-ready domain records.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/observability"
)

// ErrMissingInput is wrapped by every MissingInputError.
var ErrMissingInput = errors.New("required input missing")

// MissingInputError names the dataset whose input file could not be found.
type MissingInputError struct {
	Dataset string
	Paths   []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s data not found: %s", e.Dataset, strings.Join(e.Paths, ", "))
}

func (e *MissingInputError) Unwrap() error { return ErrMissingInput }

// Mortality sources.
const (
	SourceProcessed = "processed"
	SourceCDCWonder = "cdc_wonder"
)

// Paths locates the input files of one run.
type Paths struct {
	Storms    string
	Mortality string // processed county-month CSV, preferred when present
	CDCWonder string // raw CDC WONDER export, used when Mortality is absent
}

// Inputs are the loaded, normalized tables.
type Inputs struct {
	Storms          []domain.StormEvent
	Mortality       []domain.MortalityRecord
	MortalitySource string
}

var (
	stormTimeLayouts = []string{
		"02-Jan-06 15:04:05", // NOAA details: "01-APR-15 14:30:00"
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		time.RFC3339,
		"2006-01-02 15:04",
		"01/02/2006 15:04:05",
		"1/2/2006 15:04",
		"2006-01-02",
	}
	monthLayouts = []string{
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006/01",
		"2006-01",
		"2006/01/02",
	}
	// monthNameCleanRe strips punctuation and digits from WONDER month labels: "Jan., 2018" -> "Jan".
	monthNameCleanRe = regexp.MustCompile(`[.,\d]`)
)

// Loader reads input tables, logging and counting rows it cannot use.
type Loader struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Loader.
func New(logger *slog.Logger, metrics *observability.Metrics) *Loader {
	return &Loader{logger: logger, metrics: metrics}
}

// Load resolves and reads both datasets. The storm table must exist. For
// mortality the processed CSV wins over the raw CDC WONDER export. When a
// dataset is missing nothing is read and the error names every missing one.
func (l *Loader) Load(paths Paths) (Inputs, error) {
	var missing []error
	if !fileExists(paths.Storms) {
		missing = append(missing, &MissingInputError{Dataset: "storm events", Paths: []string{paths.Storms}})
	}
	source := ""
	switch {
	case paths.Mortality != "" && fileExists(paths.Mortality):
		source = SourceProcessed
	case paths.CDCWonder != "" && fileExists(paths.CDCWonder):
		source = SourceCDCWonder
	default:
		missing = append(missing, &MissingInputError{
			Dataset: "overdose mortality",
			Paths:   nonEmpty(paths.Mortality, paths.CDCWonder),
		})
	}
	if len(missing) > 0 {
		return Inputs{}, errors.Join(missing...)
	}

	storms, err := l.LoadStorms(paths.Storms)
	if err != nil {
		return Inputs{}, err
	}

	var mortality []domain.MortalityRecord
	if source == SourceProcessed {
		l.logger.Info("using processed mortality data", "path", paths.Mortality)
		mortality, err = l.LoadMortality(paths.Mortality)
	} else {
		l.logger.Info("processing raw CDC WONDER data", "path", paths.CDCWonder)
		mortality, err = l.LoadCDCWonder(paths.CDCWonder)
	}
	if err != nil {
		return Inputs{}, err
	}

	return Inputs{Storms: storms, Mortality: mortality, MortalitySource: source}, nil
}

// LoadStorms reads a NOAA storm events table (.csv or .csv.gz).
func (l *Loader) LoadStorms(path string) ([]domain.StormEvent, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("open storm events: %w", err)
	}
	defer f.Close()

	t, err := readTable(f, ',')
	if err != nil {
		return nil, fmt.Errorf("parse storm events %s: %w", path, err)
	}
	if !t.has("BEGIN_DATE_TIME") {
		return nil, fmt.Errorf("parse storm events %s: missing BEGIN_DATE_TIME column", path)
	}

	events := make([]domain.StormEvent, 0, len(t.rows))
	unjoinable := 0
	for i, row := range t.rows {
		event, ok := l.parseStorm(t, row, i+2)
		if !ok {
			continue
		}
		if !event.Joinable() {
			unjoinable++
		}
		events = append(events, event)
	}
	if unjoinable > 0 {
		l.metrics.RecordsRejected.WithLabelValues("storms", "unjoinable_county").Add(float64(unjoinable))
	}
	l.metrics.StormsLoaded.Add(float64(len(events)))
	l.logger.Info("loaded storm events", "path", path, "count", len(events), "unjoinable", unjoinable)
	return events, nil
}

func (l *Loader) parseStorm(t *table, row []string, line int) (domain.StormEvent, bool) {
	begin, ok := parseTime(t.get(row, "BEGIN_DATE_TIME"), stormTimeLayouts)
	if !ok {
		l.logger.Debug("skipping storm with unparseable begin time",
			"line", line, "value", t.get(row, "BEGIN_DATE_TIME"))
		l.metrics.RecordsRejected.WithLabelValues("storms", "bad_begin_time").Inc()
		return domain.StormEvent{}, false
	}

	county, ok := domain.NormalizeFIPS(t.get(row, "COUNTY_FIPS"))
	if !ok && t.get(row, "COUNTY_FIPS") == "" {
		county, _ = domain.CountyFromZone(t.get(row, "STATE_FIPS"), t.get(row, "CZ_TYPE"), t.get(row, "CZ_FIPS"))
	}

	damage, ok := domain.ParseDamage(t.get(row, "DAMAGE_PROPERTY_NUM"))
	if !ok {
		damage, _ = domain.ParseDamage(t.get(row, "DAMAGE_PROPERTY"))
	}

	deaths := 0
	if v, err := strconv.ParseFloat(t.get(row, "DEATHS_DIRECT"), 64); err == nil && v > 0 {
		deaths = int(v)
	}

	event := domain.StormEvent{
		ID:             t.get(row, "EVENT_ID"),
		EventType:      t.get(row, "EVENT_TYPE"),
		BeginTime:      begin,
		CountyFIPS:     county,
		DamageProperty: damage,
		DeathsDirect:   deaths,
	}
	if event.ID == "" {
		event.ID = domain.GenerateStormID(event.EventType, county, begin, damage)
	}
	return event, true
}

// LoadMortality reads the processed county-month mortality CSV.
func (l *Loader) LoadMortality(path string) ([]domain.MortalityRecord, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("open mortality: %w", err)
	}
	defer f.Close()

	t, err := readTable(f, ',')
	if err != nil {
		return nil, fmt.Errorf("parse mortality %s: %w", path, err)
	}
	countyCol := "COUNTY_FIPS"
	if !t.has(countyCol) {
		countyCol = "County Code"
	}
	for _, col := range []string{countyCol, "Date", "Deaths"} {
		if !t.has(col) {
			return nil, fmt.Errorf("parse mortality %s: missing %s column", path, col)
		}
	}

	return l.collectMortality(t, countyCol, func(row []string) (time.Time, bool) {
		return parseMonth(t.get(row, "Date"))
	}), nil
}

// LoadCDCWonder reads a raw tab-delimited CDC WONDER export.
func (l *Loader) LoadCDCWonder(path string) ([]domain.MortalityRecord, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("open CDC WONDER export: %w", err)
	}
	defer f.Close()

	data, err := cutAtNotes(f)
	if err != nil {
		return nil, fmt.Errorf("read CDC WONDER export %s: %w", path, err)
	}
	t, err := readTable(data, '\t')
	if err != nil {
		return nil, fmt.Errorf("parse CDC WONDER export %s: %w", path, err)
	}
	for _, col := range []string{"County Code", "Deaths"} {
		if !t.has(col) {
			return nil, fmt.Errorf("parse CDC WONDER export %s: missing %s column", path, col)
		}
	}

	var month func([]string) (time.Time, bool)
	switch {
	case t.has("Month Code"):
		month = func(row []string) (time.Time, bool) {
			return parseMonth(t.get(row, "Month Code"))
		}
	case t.has("Year") && t.has("Month"):
		month = func(row []string) (time.Time, bool) {
			return parseYearMonth(t.get(row, "Year"), t.get(row, "Month"))
		}
	default:
		return nil, fmt.Errorf("parse CDC WONDER export %s: needs Month Code or Year and Month columns", path)
	}

	return l.collectMortality(t, "County Code", month), nil
}

func (l *Loader) collectMortality(t *table, countyCol string, month func([]string) (time.Time, bool)) []domain.MortalityRecord {
	records := make([]domain.MortalityRecord, 0, len(t.rows))
	suppressed := 0
	for i, row := range t.rows {
		if t.get(row, "Notes") == "Total" {
			continue
		}
		county, ok := domain.NormalizeFIPS(t.get(row, countyCol))
		if !ok {
			l.logger.Debug("skipping mortality row without county", "line", i+2, "value", t.get(row, countyCol))
			l.metrics.RecordsRejected.WithLabelValues("mortality", "unjoinable_county").Inc()
			continue
		}
		m, ok := month(row)
		if !ok {
			l.logger.Debug("skipping mortality row with unparseable month", "line", i+2, "county", county)
			l.metrics.RecordsRejected.WithLabelValues("mortality", "bad_month").Inc()
			continue
		}
		deaths := domain.ParseCount(t.get(row, "Deaths"))
		if !deaths.Valid {
			suppressed++
		}
		records = append(records, domain.MortalityRecord{CountyFIPS: county, Month: m, Deaths: deaths})
	}
	l.metrics.MortalityRecordsLoaded.Add(float64(len(records)))
	l.metrics.SuppressedCounts.Add(float64(suppressed))
	l.logger.Info("loaded overdose mortality", "count", len(records), "suppressed", suppressed)
	return records
}

func parseTime(s string, layouts []string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseMonth(s string) (time.Time, bool) {
	t, ok := parseTime(s, monthLayouts)
	if !ok {
		return time.Time{}, false
	}
	return domain.MonthStart(t), true
}

// parseYearMonth combines WONDER's Year column with a month label such as
// "January", "Jan." or "Jan., 2018".
func parseYearMonth(year, month string) (time.Time, bool) {
	name := strings.TrimSpace(monthNameCleanRe.ReplaceAllString(month, ""))
	if year == "" || name == "" {
		return time.Time{}, false
	}
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil {
		return time.Time{}, false
	}
	for _, layout := range []string{"January", "Jan"} {
		if t, err := time.Parse(layout, name); err == nil {
			return time.Date(y, t.Month(), 1, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
