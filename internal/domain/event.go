package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// StormEvent is one row of the NOAA storm events table after normalization.
type StormEvent struct {
	ID             string    `json:"id"`
	EventType      string    `json:"type"`
	BeginTime      time.Time `json:"begin_time"`
	CountyFIPS     string    `json:"county_fips,omitempty"` // "" when unjoinable
	DamageProperty float64   `json:"damage_property"`
	DeathsDirect   int       `json:"deaths_direct"`
}

// Joinable reports whether the event carries a usable county key.
func (e StormEvent) Joinable() bool {
	return e.CountyFIPS != ""
}

// Count is a death count that may be suppressed or unknown.
type Count struct {
	Value float64
	Valid bool
}

// Known wraps a reported count.
func Known(v float64) Count {
	return Count{Value: v, Valid: true}
}

// Missing is the suppressed/unknown count.
var Missing = Count{}

// MortalityRecord is one county-month of overdose deaths.
type MortalityRecord struct {
	CountyFIPS string
	Month      time.Time
	Deaths     Count
}

// LagResult compares mortality LagMonths after a storm against its baseline.
type LagResult struct {
	StormID           string    `json:"storm_id"`
	CountyFIPS        string    `json:"county_fips"`
	StormDate         time.Time `json:"storm_date"`
	StormType         string    `json:"storm_type"`
	LagMonths         int       `json:"lag_months"`
	BaselineDeathsAvg float64   `json:"baseline_deaths_avg"`
	LagDeaths         float64   `json:"lag_deaths"`
	PctChange         float64   `json:"pct_change"`
	Damage            float64   `json:"damage"`
	DirectDeaths      int       `json:"direct_deaths"`
}

// LagResultColumns is the column order of the persisted result table.
var LagResultColumns = []string{
	"storm_id",
	"county_fips",
	"storm_date",
	"storm_type",
	"lag_months",
	"baseline_deaths_avg",
	"lag_deaths",
	"pct_change",
	"damage",
	"direct_deaths",
}

// StormDateLayout formats storm timestamps in persisted results.
const StormDateLayout = "2006-01-02 15:04:05"

// GenerateStormID produces a deterministic ID for events that arrive without
// an EVENT_ID, so reruns over the same file yield the same rows.
func GenerateStormID(eventType, countyFIPS string, begin time.Time, damage float64) string {
	if math.IsNaN(damage) {
		damage = 0
	}
	input := fmt.Sprintf("%s|%s|%s|%g", eventType, countyFIPS, begin.UTC().Format(time.RFC3339), damage)
	hash := sha256.Sum256([]byte(input))
	return "gen-" + hex.EncodeToString(hash[:8])
}
