package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stha-sanket/RPA-App/internal/executor"
	"github.com/stha-sanket/RPA-App/internal/results"
	"github.com/stha-sanket/RPA-App/internal/runs"
)

var flagHistoryLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs from the local history",
	Args:  cobra.NoArgs,
	RunE:  doHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "number of runs to list (0 for all)")
}

func doHistory(cmd *cobra.Command, _ []string) error {
	store, err := results.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open run history (is serve running?): %w", err)
	}
	defer store.Close()

	recs, err := store.Recent(flagHistoryLimit)
	if err != nil {
		return err
	}
	return printHistory(cmd.OutOrStdout(), recs)
}

func printHistory(w io.Writer, recs []*results.Record) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSCRIPT\tSOURCE\tSTARTED\tDURATION")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s %s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			runs.Indicator(executor.Status(rec.Status)), rec.Status,
			rec.ScriptName,
			rec.Source,
			rec.StartedAt.Local().Format(time.DateTime),
			(time.Duration(rec.DurationMs) * time.Millisecond).String(),
		)
	}
	return tw.Flush()
}
