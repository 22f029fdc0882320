// Package duckdb stores lag results and the per-lag summary in a DuckDB
// database for ad hoc analysis.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/couchcryptid/storm-overdose-lag/internal/domain"
	"github.com/couchcryptid/storm-overdose-lag/internal/report"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

const (
	createResults = `CREATE OR REPLACE TABLE lag_results (
	storm_id            VARCHAR NOT NULL,
	county_fips         VARCHAR NOT NULL,
	storm_date          TIMESTAMP NOT NULL,
	storm_type          VARCHAR,
	lag_months          INTEGER NOT NULL,
	baseline_deaths_avg DOUBLE,
	lag_deaths          DOUBLE,
	pct_change          DOUBLE,
	damage              DOUBLE,
	direct_deaths       INTEGER
)`
	createSummary = `CREATE OR REPLACE TABLE lag_summary (
	lag_months      INTEGER PRIMARY KEY,
	n               INTEGER NOT NULL,
	mean_change     DOUBLE,
	median_change   DOUBLE,
	std_dev         DOUBLE,
	t_stat          DOUBLE,
	p_value         DOUBLE,
	significant     BOOLEAN NOT NULL,
	optimal         BOOLEAN NOT NULL,
	generated_at    TIMESTAMP
)`
	insertResult  = `INSERT INTO lag_results VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	insertSummary = `INSERT INTO lag_summary VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Store writes run output to DuckDB. It implements pipeline.Sink.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open connects to the database at path. An empty path or ":memory:" opens
// an in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb %s: %w", path, err)
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

// Name identifies the sink in logs.
func (s *Store) Name() string { return "duckdb" }

// DB exposes the connection for queries over stored results.
func (s *Store) DB() *sql.DB { return s.db }

// Store replaces lag_results and lag_summary with this run's output in one
// transaction.
func (s *Store) Store(ctx context.Context, results []domain.LagResult, summary report.Summary) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin duckdb transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	for _, stmt := range []string{createResults, createSummary} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create duckdb tables: %w", err)
		}
	}

	if err := insertResults(ctx, tx, results); err != nil {
		return err
	}
	if err := insertSummaryRows(ctx, tx, summary); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit duckdb transaction: %w", err)
	}
	s.logger.Info("stored lag results in duckdb", "path", s.path, "rows", len(results), "lags", len(summary.Lags))
	return nil
}

func insertResults(ctx context.Context, tx *sql.Tx, results []domain.LagResult) error {
	stmt, err := tx.PrepareContext(ctx, insertResult)
	if err != nil {
		return fmt.Errorf("prepare lag_results insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx,
			r.StormID,
			r.CountyFIPS,
			r.StormDate,
			r.StormType,
			r.LagMonths,
			nullable(r.BaselineDeathsAvg),
			nullable(r.LagDeaths),
			nullable(r.PctChange),
			nullable(r.Damage),
			r.DirectDeaths,
		); err != nil {
			return fmt.Errorf("insert lag result %s lag %d: %w", r.StormID, r.LagMonths, err)
		}
	}
	return nil
}

func insertSummaryRows(ctx context.Context, tx *sql.Tx, summary report.Summary) error {
	stmt, err := tx.PrepareContext(ctx, insertSummary)
	if err != nil {
		return fmt.Errorf("prepare lag_summary insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range summary.Lags {
		if _, err := stmt.ExecContext(ctx,
			l.LagMonths,
			l.N,
			nullable(l.Mean),
			nullable(l.Median),
			nullable(l.StdDev),
			nullable(l.TStat),
			nullable(l.PValue),
			l.Significant,
			l.LagMonths == summary.OptimalLag,
			summary.GeneratedAt,
		); err != nil {
			return fmt.Errorf("insert lag summary %d: %w", l.LagMonths, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// nullable maps NaN and infinities to SQL NULL.
func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
