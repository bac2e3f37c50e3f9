package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/coffer/internal/backup"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage manifest snapshots",
	Long:  `Manage manifest snapshots including manual creation, listing, pruning and restore inspection. Snapshots are also taken automatically before every manifest save.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <vault-id>",
	Short: "Snapshot the current manifest of a vault",
	Long:  `Take a snapshot of the current manifest for a vault. Snapshots past the retention cap are pruned oldest first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <vault-id>",
	Short: "List snapshots for a vault",
	Long:  `List the retained manifest snapshots for a vault, newest first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotList,
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune <vault-id>",
	Short: "Prune snapshots past the retention cap",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotPrune,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <vault-id> <timestamp>",
	Short: "Show the manifest stored in a snapshot",
	Long:  `Parse and display the manifest stored in a snapshot. Nothing is written back; applying the snapshot is a separate, deliberate save.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runSnapshotShow,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)

	snapshotListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	snapshotShowCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	vaultID := args[0]

	m, err := cofferSvc.Manifests().Load(vaultID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to load vault %s: %w", vaultID, err), started)
	}

	if err = cofferSvc.Retention().Snapshot(m); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to snapshot vault %s: %w", vaultID, err), started)
	}

	fmt.Printf("Snapshot taken for vault %s at revision %d.\n", vaultID, m.Revision)
	return auditCmdComplete(cmd, nil, started)
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	vaultID := args[0]

	snapshots, err := cofferSvc.Retention().ListSnapshots(vaultID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list snapshots for vault %s: %w", vaultID, err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(snapshots), started)
	}

	if len(snapshots) == 0 {
		fmt.Printf("No snapshots found for vault %s.\n", vaultID)
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TIMESTAMP\tSIZE\tCHECKSUM\n")
	for _, s := range snapshots {
		checksum := s.Checksum
		if len(checksum) > 12 {
			checksum = checksum[:12]
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n",
			s.Timestamp.Format(backup.SnapshotTimestampLayout), s.FileSize, checksum)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}

func runSnapshotPrune(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	vaultID := args[0]

	pruned, err := cofferSvc.Retention().Prune(vaultID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to prune snapshots for vault %s: %w", vaultID, err), started)
	}

	fmt.Printf("Pruned %d snapshot(s) for vault %s (keeping at most %d).\n",
		pruned, vaultID, cofferSvc.Retention().MaxKeep())
	return auditCmdComplete(cmd, nil, started)
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	vaultID := args[0]

	ts, err := backup.ParseSnapshotTimestamp(args[1])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("invalid snapshot timestamp %q: %w", args[1], err), started)
	}

	m, err := cofferSvc.Retention().Restore(vaultID, ts)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read snapshot: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(m), started)
	}

	fmt.Printf("Snapshot of vault %s taken %s\n", m.VaultID, ts.Format(time.RFC3339))
	fmt.Printf("Label: %s\n", m.Label)
	fmt.Printf("Revision: %d\n", m.Revision)
	fmt.Printf("Files: %d (%d bytes)\n", m.FileCount, m.TotalSize)
	fmt.Printf("Recipients: %d\n", len(m.Recipients))
	fmt.Println("\nTo apply this snapshot, save it as the current manifest with a bumped revision.")

	return auditCmdComplete(cmd, nil, started)
}
