package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"alerthook/internal/history"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyDBPath string
	historyLimit  int
	historyStatus string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently received alerts",
	Long: `List alerts recorded in the SQLite history, newest first.

History is only written when the server runs with --db or ALERTHOOK_DB.

Example:
  alerthook history --db ./alerts.db --limit 20 --status firing`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDBPath, "db", getEnvOrDefault("ALERTHOOK_DB", "./alerts.db"), "Path to SQLite alert history")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of alerts to show")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only show alerts with this status (firing or resolved)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", historyLimit)
	}
	if _, err := os.Stat(historyDBPath); err != nil {
		return fmt.Errorf("alert history not found: %w", err)
	}

	hist, err := history.NewHistory(historyDBPath)
	if err != nil {
		return fmt.Errorf("failed to open alert history: %w", err)
	}
	defer hist.Close()

	ctx := context.Background()

	records, err := hist.RecentAlerts(ctx, historyStatus, historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No alerts recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tSTATUS\tALERTS\tCLIENT\tREQUEST\tSUMMARY")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			humanize.Time(r.ReceivedAt), r.Status, r.AlertCount, r.ClientIP, r.RequestID, r.Summary)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	counts, err := hist.CountByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s firing, %s resolved in total\n",
		humanize.Comma(counts["firing"]), humanize.Comma(counts["resolved"]))

	return nil
}
