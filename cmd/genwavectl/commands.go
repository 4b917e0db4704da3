package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ofirs1988/genwave-sub001/app"
	"github.com/ofirs1988/genwave-sub001/app/models"

	"github.com/spf13/cobra"
)

var (
	usageDays       int
	usageJSONOutput bool
	syncRequestID   int64
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := app.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s); schema at version %d\n", n, app.LatestSchemaVersion())
		return nil
	},
}

var connectionCmd = &cobra.Command{
	Use:   "connection",
	Short: "Show the site's Gen Wave connection and remaining credits",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		conn, err := app.LoadConnection(cmd.Context())
		if errors.Is(err, app.ErrNotConnected) {
			fmt.Fprintln(out, "not connected")
			return nil
		}
		if err != nil {
			return err
		}

		svc, err := app.NewService(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		printConnection(out, conn)
		credits, err := svc.Credits(cmd.Context())
		if err != nil {
			fmt.Fprintf(out, "credits:      unavailable (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "credits:      %.2f remaining, %.2f used\n", credits.Remaining, credits.Used)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Summarize token usage",
	Example: `  genwavectl usage            # last 30 days
  genwavectl usage --days 7   # last week
  genwavectl usage --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if usageDays < 1 || usageDays > app.MaxUsageDays {
			return fmt.Errorf("--days must be between 1 and %d", app.MaxUsageDays)
		}
		summary, err := app.UsageSummary(cmd.Context(), time.Now(), usageDays)
		if err != nil {
			return err
		}
		if usageJSONOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		printUsage(cmd.OutOrStdout(), summary)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Poll the backend for generations still in flight",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := app.NewService(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if cfg.QueueURL != "" {
			client, err := app.NewSQSClient(cmd.Context())
			if err != nil {
				return err
			}
			svc.UseDispatcher(app.NewSQSDispatcher(client, cfg.QueueURL))
		}
		var n int
		if syncRequestID > 0 {
			n, err = svc.SyncRequest(cmd.Context(), syncRequestID)
		} else {
			n, err = svc.SyncAll(cmd.Context())
		}
		// stale batches redispatched in-process must finish before exit
		svc.WaitDispatched()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "updated %d item(s)\n", n)
		return nil
	},
}

func init() {
	usageCmd.Flags().IntVarP(&usageDays, "days", "d", app.DefaultUsageDays, "reporting window in days")
	usageCmd.Flags().BoolVar(&usageJSONOutput, "json", false, "output as JSON")
	syncCmd.Flags().Int64Var(&syncRequestID, "request", 0, "only sync this request id")
}

func printConnection(w io.Writer, conn models.Connection) {
	fmt.Fprintf(w, "license key:  %s\n", conn.MaskedLicenseKey())
	fmt.Fprintf(w, "account:      %s\n", conn.Email)
	fmt.Fprintf(w, "plan:         %s\n", conn.Plan)
	fmt.Fprintf(w, "connected at: %s\n", conn.ConnectedAt.Format(time.RFC3339))
}

func printUsage(w io.Writer, s models.UsageSummary) {
	fmt.Fprintf(w, "since %s: %d items, %d tokens (%d prompt / %d completion), %.4f credits\n\n",
		s.Since.Format("2006-01-02"), s.Totals.Items, s.Totals.TotalTokens,
		s.Totals.PromptTokens, s.Totals.CompletionTokens, s.Totals.Credits)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tITEMS\tTOKENS\tCREDITS")
	for _, f := range s.ByField {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", f.Field, f.Items, f.TotalTokens, strconv.FormatFloat(f.Credits, 'f', 4, 64))
	}
	tw.Flush()
}
