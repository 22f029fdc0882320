// Package report aggregates lag results into per-lag statistics and renders
// the statistical report.
package report

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNoResults means the analysis produced no rows to summarize.
var ErrNoResults = errors.New("no lag results: check that storm and mortality county codes and date ranges overlap")

// LagStats describes the distribution of percent changes at one lag.
type LagStats struct {
	LagMonths   int     `json:"lag_months"`
	N           int     `json:"n"`
	Mean        float64 `json:"mean_pct_change"`
	Median      float64 `json:"median_pct_change"`
	StdDev      float64 `json:"std_dev"`
	TStat       float64 `json:"t_stat"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
}

// Summary is the full statistical report of a run.
type Summary struct {
	Lags        []LagStats
	OptimalLag  int // lag with the largest mean change; 0 when none is defined
	Alpha       float64
	TotalRows   int
	Storms      int
	GeneratedAt time.Time
}

// Significant returns the lags whose p-value is below alpha.
func (s Summary) Significant() []LagStats {
	var out []LagStats
	for _, l := range s.Lags {
		if l.Significant {
			out = append(out, l)
		}
	}
	return out
}

// Summarize groups results by lag and tests each lag's mean percent change
// against zero.
func Summarize(results []domain.LagResult, alpha float64) (Summary, error) {
	if len(results) == 0 {
		return Summary{}, ErrNoResults
	}

	byLag := make(map[int][]float64)
	storms := make(map[string]struct{})
	for _, r := range results {
		storms[r.StormID] = struct{}{}
		if math.IsNaN(r.PctChange) {
			continue
		}
		byLag[r.LagMonths] = append(byLag[r.LagMonths], r.PctChange)
	}
	// Lags whose values were all NaN still get a row.
	for _, r := range results {
		if _, ok := byLag[r.LagMonths]; !ok {
			byLag[r.LagMonths] = nil
		}
	}

	lags := make([]int, 0, len(byLag))
	for lag := range byLag {
		lags = append(lags, lag)
	}
	sort.Ints(lags)

	s := Summary{Alpha: alpha, TotalRows: len(results), Storms: len(storms), GeneratedAt: domain.Now()}
	for _, lag := range lags {
		s.Lags = append(s.Lags, describe(lag, byLag[lag], alpha))
	}
	s.OptimalLag = optimalLag(s.Lags)
	return s, nil
}

func describe(lag int, sample []float64, alpha float64) LagStats {
	ls := LagStats{
		LagMonths: lag,
		N:         len(sample),
		Mean:      math.NaN(),
		Median:    math.NaN(),
		StdDev:    math.NaN(),
	}
	if len(sample) > 0 {
		ls.Mean, _ = stats.Mean(sample)
		ls.Median, _ = stats.Median(sample)
	}
	if len(sample) > 1 {
		ls.StdDev, _ = stats.StandardDeviationSample(sample)
	}
	ls.TStat, ls.PValue = OneSampleTTest(sample, 0)
	ls.Significant = !math.IsNaN(ls.PValue) && ls.PValue < alpha
	return ls
}

// OneSampleTTest returns the t statistic and two-sided p-value for the null
// hypothesis that sample's mean equals popMean. Fewer than two values give
// NaN. A zero-variance sample gives NaN when its mean equals popMean and an
// infinite t with p = 0 otherwise.
func OneSampleTTest(sample []float64, popMean float64) (t, p float64) {
	n := len(sample)
	if n < 2 {
		return math.NaN(), math.NaN()
	}
	mean, _ := stats.Mean(sample)
	sd, _ := stats.StandardDeviationSample(sample)
	diff := mean - popMean
	if sd == 0 {
		if diff == 0 {
			return math.NaN(), math.NaN()
		}
		return math.Inf(sign(diff)), 0
	}

	t = diff / (sd / math.Sqrt(float64(n)))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	p = 2 * dist.Survival(math.Abs(t))
	return t, math.Min(p, 1)
}

// optimalLag picks the lag with the largest mean; ties go to the shorter lag.
func optimalLag(lags []LagStats) int {
	best, bestMean := 0, math.Inf(-1)
	for _, l := range lags {
		if math.IsNaN(l.Mean) {
			continue
		}
		if l.Mean > bestMean {
			best, bestMean = l.LagMonths, l.Mean
		}
	}
	return best
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}
