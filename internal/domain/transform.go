package domain

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Defaults for the lag study.
const (
	DefaultDamageThreshold     = 10_000_000.0
	DefaultBaselineMonths      = 3
	DefaultMaxLagMonths        = 6
	DefaultSignificanceLevel   = 0.05
	DefaultNoBaselinePctChange = 100.0
)

var (
	// digitsRe extracts the first run of digits from identifiers such as
	// "01073" or "County 1073".
	digitsRe = regexp.MustCompile(`\d+`)
	// damageRe parses NOAA damage strings: "10.00K", "2.5M", "1B", "500".
	damageRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([KMBkmb]?)$`)
)

// NormalizeFIPS reduces a county identifier to five zero-padded digits.
// It returns false when the identifier cannot be joined.
func NormalizeFIPS(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	var n int
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		n = int(v)
	} else {
		digits := digitsRe.FindString(raw)
		if digits == "" {
			return "", false
		}
		parsed, err := strconv.Atoi(digits)
		if err != nil {
			return "", false
		}
		n = parsed
	}
	if n < 0 || n > 99999 {
		return "", false
	}
	return fmt.Sprintf("%05d", n), true
}

// CountyFromZone builds a county FIPS from the NOAA state and zone columns.
// Only county-type zones ("C") map onto counties.
func CountyFromZone(stateFIPS, zoneType, zoneFIPS string) (string, bool) {
	if !strings.EqualFold(strings.TrimSpace(zoneType), "C") {
		return "", false
	}
	state, err := strconv.ParseFloat(strings.TrimSpace(stateFIPS), 64)
	if err != nil || state < 0 || state > 99 {
		return "", false
	}
	zone, err := strconv.ParseFloat(strings.TrimSpace(zoneFIPS), 64)
	if err != nil || zone < 0 || zone > 999 {
		return "", false
	}
	return NormalizeFIPS(strconv.Itoa(int(state)*1000 + int(zone)))
}

// ParseCount converts a death count cell to a Count. Non-numeric markers such
// as "Suppressed", "Missing" or "Unreliable" and blanks become Missing.
func ParseCount(raw string) Count {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Missing
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Missing
	}
	return Known(v)
}

// ParseDamage converts a NOAA property damage value to currency units.
func ParseDamage(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}
	m := damageRe.FindStringSubmatch(raw)
	if len(m) != 3 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToUpper(m[2]) {
	case "K":
		v *= 1e3
	case "M":
		v *= 1e6
	case "B":
		v *= 1e9
	}
	return v, true
}

// MonthStart truncates t to midnight UTC on the first day of its month.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// AddMonths shifts a month start by n calendar months.
func AddMonths(month time.Time, n int) time.Time {
	return time.Date(month.Year(), month.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
}

// Qualifies reports whether a storm is major enough to analyze: damage strictly
// above the threshold, or at least one direct death.
func Qualifies(e StormEvent, damageThreshold float64) bool {
	return e.DamageProperty > damageThreshold || e.DeathsDirect > 0
}

// PercentChange compares a lag month's deaths to the baseline average.
// A zero baseline has no defined ratio: a positive lag count reports
// noBaseline and a zero lag count reports 0.
func PercentChange(baselineAvg, lagDeaths, noBaseline float64) float64 {
	switch {
	case baselineAvg > 0:
		return (lagDeaths - baselineAvg) / baselineAvg * 100
	case lagDeaths > 0:
		return noBaseline
	default:
		return 0.0
	}
}
