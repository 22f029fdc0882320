package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/couchcryptid/storm-overdose-lag/internal/adapter/file"
	"github.com/couchcryptid/storm-overdose-lag/internal/loader"
	"github.com/couchcryptid/storm-overdose-lag/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtures = filepath.Join("..", "..", "internal", "pipeline", "testdata")

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lagstudy dev\n", stdout)
}

func TestRunCommand(t *testing.T) {
	resultsDir := t.TempDir()
	metricsPath := filepath.Join(t.TempDir(), "lagstudy.prom")

	stdout, stderr, err := execute(t, "run",
		"--storms", filepath.Join(fixtures, "storms.csv"),
		"--mortality", filepath.Join(fixtures, "mortality.csv"),
		"--results-dir", resultsDir,
		"--duckdb", filepath.Join(resultsDir, "lag.duckdb"),
		"--metrics-textfile", metricsPath,
		"--log-format", "json",
	)
	require.NoError(t, err, stderr)

	assert.Contains(t, stdout, "Lag Window")
	assert.Contains(t, stdout, "6 months")
	assert.Contains(t, stderr, `"msg":"done"`)

	for _, name := range []string{file.ResultsFile, file.ReportFile, file.SeverityFile, "lag.duckdb"} {
		_, err := os.Stat(filepath.Join(resultsDir, name))
		assert.NoError(t, err, name)
	}

	metrics, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "storm_overdose_lag_results_total 12")
	assert.Contains(t, string(metrics), "storm_overdose_last_run_success 1")
}

func TestRunCommand_Quiet(t *testing.T) {
	stdout, _, err := execute(t, "run", "-q",
		"--storms", filepath.Join(fixtures, "storms.csv"),
		"--mortality", filepath.Join(fixtures, "mortality.csv"),
		"--results-dir", t.TempDir(),
	)
	require.NoError(t, err)
	assert.Empty(t, stdout)
}

func TestRunCommand_MissingInput(t *testing.T) {
	resultsDir := t.TempDir()
	_, _, err := execute(t, "run",
		"--storms", filepath.Join(fixtures, "storms.csv"),
		"--mortality", filepath.Join(resultsDir, "absent.csv"),
		"--cdc-wonder", filepath.Join(resultsDir, "absent.txt"),
		"--results-dir", resultsDir,
	)
	require.ErrorIs(t, err, loader.ErrMissingInput)

	_, statErr := os.Stat(filepath.Join(resultsDir, file.ResultsFile))
	assert.True(t, os.IsNotExist(statErr), "no results are written when an input is missing")
}

func TestRunCommand_NoResults(t *testing.T) {
	_, _, err := execute(t, "run",
		"--storms", filepath.Join(fixtures, "storms.csv"),
		"--mortality", filepath.Join(fixtures, "mortality.csv"),
		"--results-dir", t.TempDir(),
		"--damage-threshold", "1e12",
	)
	// The Tornado with a direct death still qualifies.
	require.NoError(t, err)

	dir := t.TempDir()
	storms := filepath.Join(dir, "storms.csv")
	require.NoError(t, os.WriteFile(storms, []byte(
		"EVENT_ID,EVENT_TYPE,BEGIN_DATE_TIME,COUNTY_FIPS,DAMAGE_PROPERTY_NUM,DEATHS_DIRECT\n"+
			"1,Flood,2018-06-01 00:00:00,12345,40000000,0\n"), 0o600))

	_, _, err = execute(t, "run",
		"--storms", storms,
		"--mortality", filepath.Join(fixtures, "mortality.csv"),
		"--results-dir", dir,
	)
	require.ErrorIs(t, err, pipeline.ErrNoResults)
}

func TestRunCommand_InvalidFlag(t *testing.T) {
	_, _, err := execute(t, "run", "--max-lag", "0", "--results-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_LAG_MONTHS")
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "missing input",
			err:  fmt.Errorf("load inputs: %w", &loader.MissingInputError{Dataset: "storm events", Paths: []string{"storms.csv"}}),
			want: "Cannot proceed without both datasets: load inputs: storm events data not found: storms.csv",
		},
		{
			name: "no results",
			err:  pipeline.ErrNoResults,
			want: "No matching records found for analysis (check FIPS matching or date ranges).",
		},
		{
			name: "other",
			err:  errors.New("boom"),
			want: "lagstudy: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeError(tt.err))
		})
	}
}
