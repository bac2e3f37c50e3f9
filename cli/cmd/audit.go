package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/coffer/audit"
)

var (
	auditSince   string
	auditUntil   string
	auditAction  string
	auditVaultID string
	auditKeyID   string
	auditLimit   int
	auditOutput  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long:  `Query and analyze the audit trail of manifest saves, snapshots, conflict resolutions and key lifecycle changes.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long:  `Query audit events filtered by time range, action, vault or key.`,
	RunE:  runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	RunE:  runAuditFailures,
}

var auditLifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Show key lifecycle events",
	Long:  `Show audit events related to key lifecycle changes: transitions, deactivations, restores, compromises and reconciliation runs.`,
	RunE:  runAuditLifecycle,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events as JSON",
	RunE:  runAuditExport,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit event statistics",
	Long:  `Show per-action counts and failure rates over the selected time range.`,
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditLifecycleCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditStatsCmd)

	for _, c := range []*cobra.Command{auditQueryCmd, auditFailuresCmd, auditLifecycleCmd, auditExportCmd, auditStatsCmd} {
		c.Flags().StringVar(&auditSince, "since", "", "Only events after this time (RFC3339 or duration like 24h)")
		c.Flags().StringVar(&auditUntil, "until", "", "Only events before this time (RFC3339)")
		c.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events")
	}

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action name")
	auditQueryCmd.Flags().StringVar(&auditVaultID, "vault", "", "Filter by vault ID")
	auditQueryCmd.Flags().StringVar(&auditKeyID, "key", "", "Filter by key ID")
	auditQueryCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	auditExportCmd.Flags().StringVarP(&auditOutput, "output", "o", "", "Output file (default stdout)")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	options.Action = auditAction
	options.VaultID = auditVaultID
	options.KeyID = auditKeyID

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("audit query failed: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(result), started)
	}

	return auditCmdComplete(cmd, printAuditEvents(result), started)
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	failed := false
	options.Success = &failed

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("audit query failed: %w", err), started)
	}

	if len(result.Events) == 0 {
		fmt.Println("No failures found.")
		return auditCmdComplete(cmd, nil, started)
	}

	return auditCmdComplete(cmd, printAuditEvents(result), started)
}

func runAuditLifecycle(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	options.LifecycleOnly = true

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("audit query failed: %w", err), started)
	}

	if len(result.Events) == 0 {
		fmt.Println("No lifecycle events found.")
		return auditCmdComplete(cmd, nil, started)
	}

	return auditCmdComplete(cmd, printAuditEvents(result), started)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("audit query failed: %w", err), started)
	}

	out := os.Stdout
	if auditOutput != "" {
		out, err = os.Create(auditOutput)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to create output file: %w", err), started)
		}
		defer out.Close()
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err = encoder.Encode(result.Events); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to export events: %w", err), started)
	}

	if auditOutput != "" {
		fmt.Printf("Exported %d event(s) to %s\n", len(result.Events), auditOutput)
	}
	return auditCmdComplete(cmd, nil, started)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	options.Limit = 0 // stats want everything in range

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("audit query failed: %w", err), started)
	}

	type actionStats struct {
		total    int
		failures int
	}
	stats := make(map[string]*actionStats)
	for _, event := range result.Events {
		s := stats[event.Action]
		if s == nil {
			s = &actionStats{}
			stats[event.Action] = s
		}
		s.total++
		if !event.Success {
			s.failures++
		}
	}

	actions := make([]string, 0, len(stats))
	for action := range stats {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ACTION\tCOUNT\tFAILURES\n")
	for _, action := range actions {
		s := stats[action]
		fmt.Fprintf(w, "%s\t%d\t%d\n", action, s.total, s.failures)
	}
	if err = w.Flush(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("\nTotal events: %d\n", len(result.Events))
	return auditCmdComplete(cmd, nil, started)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{Limit: auditLimit}

	if auditSince != "" {
		since, err := parseTimeOrDuration(auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid --since value %q: %w", auditSince, err)
		}
		options.Since = &since
	}

	if auditUntil != "" {
		until, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid --until value %q: %w", auditUntil, err)
		}
		options.Until = &until
	}

	return options, nil
}

// parseTimeOrDuration accepts an RFC3339 timestamp or a duration relative
// to now, such as "24h" or "30m".
func parseTimeOrDuration(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a timestamp or duration")
	}
	return time.Now().Add(-d), nil
}

func printAuditEvents(result audit.QueryResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TIMESTAMP\tACTION\tOK\tVAULT\tKEY\tERROR\n")

	for _, event := range result.Events {
		errMsg := event.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			event.Success,
			event.VaultID,
			event.KeyID,
			strings.TrimSpace(errMsg),
		)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	if result.HasMore {
		fmt.Printf("\nShowing %d of %d matching events. Raise --limit to see more.\n",
			len(result.Events), result.Filtered)
	}
	return nil
}
