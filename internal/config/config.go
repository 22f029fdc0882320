package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Config holds all run settings, populated from environment variables and an
// optional .env file in the working directory.
type Config struct {
	StormEventsPath string
	MortalityPath   string
	CDCWonderPath   string
	ResultsDir      string

	DamageThreshold     float64
	BaselineMonths      int
	MaxLagMonths        int
	SignificanceLevel   float64
	NoBaselinePctChange float64

	LogLevel  string
	LogFormat string

	// Optional sinks.
	DuckDBPath   string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaEnabled bool

	MetricsTextfile string
}

// Load reads configuration from the environment, applying defaults where unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	damageThreshold, err := parseFloat("DAMAGE_THRESHOLD", 10_000_000)
	if err != nil {
		return nil, err
	}
	baselineMonths, err := parseInt("BASELINE_MONTHS", 3)
	if err != nil {
		return nil, err
	}
	maxLagMonths, err := parseInt("MAX_LAG_MONTHS", 6)
	if err != nil {
		return nil, err
	}
	significance, err := parseFloat("SIGNIFICANCE_LEVEL", 0.05)
	if err != nil {
		return nil, err
	}
	noBaseline, err := parseFloat("NO_BASELINE_PCT_CHANGE", 100)
	if err != nil {
		return nil, err
	}

	brokers := parseBrokers(os.Getenv("KAFKA_BROKERS"))
	kafkaEnabled := len(brokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		StormEventsPath: sharedcfg.EnvOrDefault("STORM_EVENTS_PATH", "data/raw/storms/storm_events_2015_2023.csv"),
		MortalityPath:   sharedcfg.EnvOrDefault("MORTALITY_PATH", "data/raw/storms/overdose_deaths_county_monthly.csv"),
		CDCWonderPath:   sharedcfg.EnvOrDefault("CDC_WONDER_PATH", "data/raw/storms/cdc_wonder_drug_deaths.txt"),
		ResultsDir:      sharedcfg.EnvOrDefault("RESULTS_DIR", "data/analysis"),

		DamageThreshold:     damageThreshold,
		BaselineMonths:      baselineMonths,
		MaxLagMonths:        maxLagMonths,
		SignificanceLevel:   significance,
		NoBaselinePctChange: noBaseline,

		LogLevel:  sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: sharedcfg.EnvOrDefault("LOG_FORMAT", "text"),

		DuckDBPath:   os.Getenv("DUCKDB_PATH"),
		KafkaBrokers: brokers,
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "storm-overdose-lag-results"),
		KafkaEnabled: kafkaEnabled,

		MetricsTextfile: os.Getenv("METRICS_TEXTFILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is called by Load and again
// after command-line overrides are applied.
func (c *Config) Validate() error {
	if c.StormEventsPath == "" {
		return errors.New("STORM_EVENTS_PATH is required")
	}
	if c.MortalityPath == "" && c.CDCWonderPath == "" {
		return errors.New("MORTALITY_PATH or CDC_WONDER_PATH is required")
	}
	if c.ResultsDir == "" {
		return errors.New("RESULTS_DIR is required")
	}
	if c.DamageThreshold < 0 {
		return errors.New("invalid DAMAGE_THRESHOLD: must not be negative")
	}
	if c.BaselineMonths < 1 || c.BaselineMonths > 24 {
		return errors.New("invalid BASELINE_MONTHS: must be between 1 and 24")
	}
	if c.MaxLagMonths < 1 || c.MaxLagMonths > 24 {
		return errors.New("invalid MAX_LAG_MONTHS: must be between 1 and 24")
	}
	if c.SignificanceLevel <= 0 || c.SignificanceLevel >= 1 {
		return errors.New("invalid SIGNIFICANCE_LEVEL: must be in (0, 1)")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: must be json or text", c.LogFormat)
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if c.KafkaEnabled && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when Kafka is enabled")
	}
	return nil
}

func parseBrokers(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, b := range sharedcfg.ParseBrokers(raw) {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func parseFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
