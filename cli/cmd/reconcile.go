package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile the key registry against vault manifests",
	Long: `Scan all vault manifests and merge their recipients into the key registry.
The merge is additive: unknown keys are registered, known keys gain missing
vault associations and metadata, and nothing is ever removed. Running it
twice changes nothing. A missing or unreadable registry is rebuilt from the
manifests alone.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	registry, warnings, err := cofferSvc.Registry().Bootstrap()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("reconciliation failed: %w", err), started)
	}

	for _, warning := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}

	fmt.Printf("Registry reconciled: %d key(s) tracked.\n", len(registry.Keys))
	return auditCmdComplete(cmd, nil, started)
}
