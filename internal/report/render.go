package report

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

var header = table.Row{"Lag Window", "N", "Mean Change", "Median Change", "t", "P-Value", "Significant?"}

// RenderMarkdown writes the statistical report as a markdown document.
func RenderMarkdown(w io.Writer, s Summary) error {
	if _, err := fmt.Fprintf(w, "# Storm-Overdose Lag Analysis\n\n"+
		"Generated %s from %d storms and %d lag rows.\n"+
		"One-sample t-test of percent change against 0, significance level %s.\n\n",
		s.GeneratedAt.UTC().Format("2006-01-02 15:04:05 MST"), s.Storms, s.TotalRows, formatFloat(s.Alpha, 2)); err != nil {
		return err
	}

	if _, err := io.WriteString(w, newTable(s, table.StyleDefault).RenderMarkdown()+"\n"); err != nil {
		return err
	}

	_, err := io.WriteString(w, "\n"+optimalLine(s)+"\n")
	return err
}

// RenderText writes the report table for a terminal.
func RenderText(w io.Writer, s Summary) error {
	t := newTable(s, table.StyleLight)
	if _, err := io.WriteString(w, t.Render()+"\n"); err != nil {
		return err
	}
	_, err := io.WriteString(w, optimalLine(s)+"\n")
	return err
}

func newTable(s Summary, style table.Style) table.Writer {
	style.Format.Header = text.FormatDefault
	t := table.NewWriter()
	t.SetStyle(style)
	t.AppendHeader(header)
	for _, l := range s.Lags {
		sig := "NO"
		if l.Significant {
			sig = "YES"
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("%d months", l.LagMonths),
			l.N,
			formatFloat(l.Mean, 2) + "%",
			formatFloat(l.Median, 2) + "%",
			formatFloat(l.TStat, 3),
			formatFloat(l.PValue, 4),
			sig,
		})
	}
	return t
}

func optimalLine(s Summary) string {
	for _, l := range s.Lags {
		if l.LagMonths == s.OptimalLag {
			return fmt.Sprintf("Optimal lag: %d months (mean change %s%%)", l.LagMonths, formatFloat(l.Mean, 2))
		}
	}
	return "Optimal lag: none"
}

func formatFloat(v float64, prec int) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}
