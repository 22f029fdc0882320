// Command lagstudy measures how county overdose deaths change in the months
// after major storms.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/storm-overdose-lag/internal/loader"
	"github.com/couchcryptid/storm-overdose-lag/internal/pipeline"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lagstudy",
		Short: "Storm to overdose mortality lag study",
		Long: `lagstudy joins NOAA storm events with monthly county overdose deaths
and tests whether deaths rise in the 1-6 months after major storms.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "lagstudy %s\n", Version)
		},
	}
}

// describeError turns the two expected failure modes into operator guidance.
func describeError(err error) string {
	switch {
	case errors.Is(err, loader.ErrMissingInput):
		return fmt.Sprintf("Cannot proceed without both datasets: %v", err)
	case errors.Is(err, pipeline.ErrNoResults):
		return "No matching records found for analysis (check FIPS matching or date ranges)."
	default:
		return fmt.Sprintf("lagstudy: %v", err)
	}
}
