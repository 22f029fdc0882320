// Command genmock generates deterministic synthetic inputs for the lag study:
// a storm events table, a processed county-month mortality table and,
// optionally, the same mortality in raw CDC WONDER export form. Major storms
// can be given an injected overdose spike at a chosen lag so the analysis has
// a known signal to recover.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -out-dir data/mock \
//	  -counties 40 -storms 120 -seed 7 \
//	  -spike-lag 2 -spike-pct 35 -cdc -gzip
package main

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/couchcryptid/storm-overdose-lag/internal/adapter/file"
	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
)

const (
	stormsFile    = "storm_events.csv"
	cdcWonderFile = "cdc_wonder_drug_deaths.txt"
)

var (
	stateFIPS  = []int{1, 6, 12, 13, 22, 28, 37, 45, 48, 51}
	stormTypes = []string{"Hurricane", "Tornado", "Flash Flood", "Hail", "High Wind", "Winter Storm", "Wildfire"}
)

type options struct {
	outDir       string
	counties     int
	storms       int
	seed         uint64
	start        time.Time
	months       int
	suppressRate float64
	spikeLag     int
	spikePct     float64
	cdc          bool
	gzip         bool
}

// series is one county's monthly deaths; valid is false where suppressed.
type series struct {
	county string
	deaths []float64
	valid  []bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	mortality := generateMortality(rng, opts)
	storms := generateStorms(rng, opts, mortality)
	spiked := injectSpikes(opts, storms, mortality)

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	stormsPath := filepath.Join(opts.outDir, stormsFile)
	if opts.gzip {
		stormsPath += ".gz"
	}
	if err := writeStorms(stormsPath, storms, opts.gzip); err != nil {
		return fmt.Errorf("writing storms: %w", err)
	}
	fmt.Fprintf(stdout, "wrote %d storms: %s\n", len(storms), stormsPath)

	records := toRecords(opts, mortality)
	mortalityPath := filepath.Join(opts.outDir, file.MortalityCache)
	if err := file.WriteMortality(mortalityPath, records); err != nil {
		return fmt.Errorf("writing mortality: %w", err)
	}
	fmt.Fprintf(stdout, "wrote %d county-months: %s\n", len(records), mortalityPath)

	if opts.cdc {
		cdcPath := filepath.Join(opts.outDir, cdcWonderFile)
		if err := writeCDCWonder(cdcPath, records); err != nil {
			return fmt.Errorf("writing CDC WONDER export: %w", err)
		}
		fmt.Fprintf(stdout, "wrote CDC WONDER export: %s\n", cdcPath)
	}

	if opts.spikeLag > 0 {
		fmt.Fprintf(stdout, "injected +%.0f%% at lag %d after %d major storms\n", opts.spikePct, opts.spikeLag, spiked)
	}
	return nil
}

func parseFlags(args []string) (options, error) {
	var opts options
	var start string
	fs := flag.NewFlagSet("genmock", flag.ContinueOnError)
	fs.StringVar(&opts.outDir, "out-dir", "data/mock", "output directory")
	fs.IntVar(&opts.counties, "counties", 25, "number of counties")
	fs.IntVar(&opts.storms, "storms", 80, "number of storm events")
	fs.Uint64Var(&opts.seed, "seed", 1, "random seed")
	fs.StringVar(&start, "start", "2018-01", "first month (YYYY-MM)")
	fs.IntVar(&opts.months, "months", 36, "number of months of mortality")
	fs.Float64Var(&opts.suppressRate, "suppress-rate", 0.3, "chance that a count below 10 is suppressed")
	fs.IntVar(&opts.spikeLag, "spike-lag", 0, "lag month that receives an injected spike after major storms (0 disables)")
	fs.Float64Var(&opts.spikePct, "spike-pct", 30, "size of the injected spike in percent")
	fs.BoolVar(&opts.cdc, "cdc", false, "also write a raw CDC WONDER export")
	fs.BoolVar(&opts.gzip, "gzip", false, "gzip the storm events file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	t, err := time.Parse("2006-01", start)
	if err != nil {
		return opts, fmt.Errorf("invalid -start %q: %w", start, err)
	}
	opts.start = t.UTC()

	switch {
	case opts.counties < 1:
		return opts, errors.New("-counties must be positive")
	case opts.storms < 0:
		return opts, errors.New("-storms must not be negative")
	case opts.months < domain.DefaultBaselineMonths+domain.DefaultMaxLagMonths+1:
		return opts, fmt.Errorf("-months must be at least %d", domain.DefaultBaselineMonths+domain.DefaultMaxLagMonths+1)
	case opts.spikeLag < 0 || opts.spikeLag > domain.DefaultMaxLagMonths:
		return opts, fmt.Errorf("-spike-lag must be between 0 and %d", domain.DefaultMaxLagMonths)
	}
	return opts, nil
}

func generateMortality(rng *rand.Rand, opts options) []*series {
	seen := make(map[string]bool, opts.counties)
	out := make([]*series, 0, opts.counties)
	for len(out) < opts.counties {
		state := stateFIPS[rng.IntN(len(stateFIPS))]
		county := fmt.Sprintf("%05d", state*1000+2*rng.IntN(100)+1)
		if seen[county] {
			continue
		}
		seen[county] = true

		base := 3 + rng.Float64()*45
		s := &series{county: county, deaths: make([]float64, opts.months), valid: make([]bool, opts.months)}
		for m := range opts.months {
			v := math.Max(0, math.Round(base+rng.NormFloat64()*math.Sqrt(base)))
			s.deaths[m] = v
			// CDC suppresses counts of 1-9.
			s.valid[m] = !(v > 0 && v < 10 && rng.Float64() < opts.suppressRate)
		}
		out = append(out, s)
	}
	return out
}

func generateStorms(rng *rand.Rand, opts options, mortality []*series) []domain.StormEvent {
	storms := make([]domain.StormEvent, 0, opts.storms)
	// Leave room for the baseline before and the lags after each storm.
	first := domain.DefaultBaselineMonths
	span := opts.months - domain.DefaultBaselineMonths - domain.DefaultMaxLagMonths
	for i := range opts.storms {
		month := domain.AddMonths(opts.start, first+rng.IntN(span))
		begin := month.Add(time.Duration(rng.IntN(28*24)) * time.Hour).Add(time.Duration(rng.IntN(60)) * time.Minute)

		damage := math.Round(rng.Float64() * 5_000_000)
		if rng.Float64() < 0.5 {
			damage = math.Round(domain.DefaultDamageThreshold + rng.Float64()*490_000_000)
		}
		deaths := 0
		if rng.Float64() < 0.1 {
			deaths = 1 + rng.IntN(3)
		}

		storms = append(storms, domain.StormEvent{
			ID:             strconv.Itoa(5_000_000 + i),
			EventType:      stormTypes[rng.IntN(len(stormTypes))],
			BeginTime:      begin,
			CountyFIPS:     mortality[rng.IntN(len(mortality))].county,
			DamageProperty: damage,
			DeathsDirect:   deaths,
		})
	}
	return storms
}

// injectSpikes raises deaths spikeLag months after each qualifying storm and
// returns how many storms received a spike.
func injectSpikes(opts options, storms []domain.StormEvent, mortality []*series) int {
	if opts.spikeLag == 0 {
		return 0
	}
	byCounty := make(map[string]*series, len(mortality))
	for _, s := range mortality {
		byCounty[s.county] = s
	}
	spiked := 0
	for _, storm := range storms {
		if !domain.Qualifies(storm, domain.DefaultDamageThreshold) {
			continue
		}
		s := byCounty[storm.CountyFIPS]
		idx := monthIndex(opts.start, domain.MonthStart(storm.BeginTime)) + opts.spikeLag
		if idx >= len(s.deaths) {
			continue
		}
		s.deaths[idx] = math.Round(s.deaths[idx]*(1+opts.spikePct/100)) + 1
		s.valid[idx] = true
		spiked++
	}
	return spiked
}

func monthIndex(start, month time.Time) int {
	return (month.Year()-start.Year())*12 + int(month.Month()-start.Month())
}

func toRecords(opts options, mortality []*series) []domain.MortalityRecord {
	records := make([]domain.MortalityRecord, 0, len(mortality)*opts.months)
	for _, s := range mortality {
		for m, v := range s.deaths {
			c := domain.Known(v)
			if !s.valid[m] {
				c = domain.Missing
			}
			records = append(records, domain.MortalityRecord{CountyFIPS: s.county, Month: domain.AddMonths(opts.start, m), Deaths: c})
		}
	}
	return records
}

func writeStorms(path string, storms []domain.StormEvent, compress bool) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	var w io.Writer = f
	if compress {
		gz := gzip.NewWriter(f)
		defer func() { err = errors.Join(err, gz.Close()) }()
		w = gz
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"EVENT_ID", "EVENT_TYPE", "BEGIN_DATE_TIME", "COUNTY_FIPS", "DAMAGE_PROPERTY_NUM", "DEATHS_DIRECT"}); err != nil {
		return err
	}
	for _, s := range storms {
		if err := cw.Write([]string{
			s.ID,
			s.EventType,
			s.BeginTime.Format(domain.StormDateLayout),
			s.CountyFIPS,
			strconv.FormatFloat(s.DamageProperty, 'f', -1, 64),
			strconv.Itoa(s.DeathsDirect),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeCDCWonder writes records the way WONDER exports them: tab-delimited,
// unpadded county codes, "Suppressed" markers, a Total row and trailing notes.
func writeCDCWonder(path string, records []domain.MortalityRecord) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	cw := csv.NewWriter(f)
	cw.Comma = '\t'
	if err := cw.Write([]string{"Notes", "County", "County Code", "Month", "Month Code", "Deaths"}); err != nil {
		return err
	}
	total := 0.0
	for _, r := range records {
		code, _ := strconv.Atoi(r.CountyFIPS)
		deaths := "Suppressed"
		if r.Deaths.Valid {
			deaths = strconv.FormatFloat(r.Deaths.Value, 'f', -1, 64)
			total += r.Deaths.Value
		}
		if err := cw.Write([]string{
			"",
			"County " + r.CountyFIPS,
			strconv.Itoa(code),
			r.Month.Format("Jan., 2006"),
			r.Month.Format("2006/01"),
			deaths,
		}); err != nil {
			return err
		}
	}
	if err := cw.Write([]string{"Total", "", "", "", "", strconv.FormatFloat(total, 'f', -1, 64)}); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	_, err = io.WriteString(f, "---\n\"Dataset: Multiple Cause of Death (synthetic)\"\n\"Suppressed: counts of 1-9 are withheld.\"\n")
	return err
}
