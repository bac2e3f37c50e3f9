package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/coffer"
)

var vaultsCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vault manifests",
	Long:  `Manage vault manifests including listing, creation, inspection, revision bumps and conflict resolution against manifests arriving from other devices.`,
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all vault manifests",
	Long:  `List all vault manifests in the store with their revision, file count and last encryption metadata. Corrupt manifests are reported as warnings and skipped.`,
	RunE:  runVaultList,
}

var vaultShowCmd = &cobra.Command{
	Use:   "show <vault-id>",
	Short: "Show a vault manifest",
	Long:  `Display the full manifest for a vault including recipients, file summary and last-writer information.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultShow,
}

var vaultCreateCmd = &cobra.Command{
	Use:   "create <label>",
	Short: "Create a new vault manifest",
	Long:  `Create a manifest for a new vault at revision 1. The vault ID is derived from the label; recipients can be attached later through reconciliation.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultCreate,
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete <vault-id>",
	Short: "Delete a vault manifest",
	Long:  `Delete a vault manifest from the store. Snapshots of the manifest are kept and remain restorable.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultDelete,
}

var vaultBumpCmd = &cobra.Command{
	Use:   "bump <vault-id>",
	Short: "Increment a vault manifest revision",
	Long:  `Increment the manifest revision and stamp this device as the last writer, then save. A snapshot of the previous manifest is taken automatically before the save.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultBump,
}

var vaultResolveCmd = &cobra.Command{
	Use:   "resolve <vault-id> <manifest-file>",
	Short: "Resolve a manifest conflict",
	Long: `Resolve a conflict between the local manifest and a manifest file arriving
from another device. The higher revision wins; on a tie the later encryption
timestamp wins. When the incoming manifest replaces the local one, the local
manifest is snapshotted first. An incoming manifest with a lower revision is
rejected with a rollback warning and nothing is persisted.`,
	Args: cobra.ExactArgs(2),
	RunE: runVaultResolve,
}

var (
	vaultDescription string
	forceDelete      bool
)

func init() {
	rootCmd.AddCommand(vaultsCmd)

	vaultsCmd.AddCommand(vaultListCmd)
	vaultsCmd.AddCommand(vaultShowCmd)
	vaultsCmd.AddCommand(vaultCreateCmd)
	vaultsCmd.AddCommand(vaultDeleteCmd)
	vaultsCmd.AddCommand(vaultBumpCmd)
	vaultsCmd.AddCommand(vaultResolveCmd)

	vaultListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	vaultShowCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	vaultResolveCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	vaultCreateCmd.Flags().StringVar(&vaultDescription, "description", "", "Vault description")
	vaultDeleteCmd.Flags().BoolVar(&forceDelete, "force", false, "Skip confirmation prompt")
}

func runVaultList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	manifests, warnings, err := cofferSvc.Manifests().List()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list vaults: %w", err), started)
	}

	for _, warning := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(manifests), started)
	}

	if len(manifests) == 0 {
		fmt.Println("No vaults found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VAULT ID\tLABEL\tREVISION\tFILES\tSIZE\tLAST ENCRYPTED\n")
	for _, m := range manifests {
		lastEncrypted := "never"
		if m.LastEncryptedAt != nil {
			lastEncrypted = m.LastEncryptedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			m.VaultID, m.Label, m.Revision, m.FileCount, m.TotalSize, lastEncrypted)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}

func runVaultShow(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	vaultID := args[0]

	m, err := cofferSvc.Manifests().Load(vaultID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to load vault %s: %w", vaultID, err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(m), started)
	}

	fmt.Printf("Vault: %s\n", m.VaultID)
	fmt.Printf("Label: %s\n", m.Label)
	if m.Description != "" {
		fmt.Printf("Description: %s\n", m.Description)
	}
	fmt.Printf("Revision: %d\n", m.Revision)
	fmt.Printf("Created: %s\n", m.CreatedAt.Format(time.RFC3339))
	if m.LastEncryptedAt != nil {
		fmt.Printf("Last Encrypted: %s\n", m.LastEncryptedAt.Format(time.RFC3339))
	}
	if m.LastEncryptedBy != nil {
		fmt.Printf("Last Encrypted By: %s (%s)\n", m.LastEncryptedBy.MachineLabel, m.LastEncryptedBy.MachineID)
	}
	fmt.Printf("Files: %d (%d bytes)\n", m.FileCount, m.TotalSize)

	fmt.Printf("Recipients:\n")
	for _, r := range m.Recipients {
		fmt.Printf("  %s\t%s\t%s\n", r.KeyID, r.Kind, r.Label)
	}

	return auditCmdComplete(cmd, nil, started)
}

func runVaultCreate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	label := args[0]

	m, err := coffer.NewManifest(coffer.NewVaultID(label), label, nil)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create manifest: %w", err), started)
	}
	m.Description = vaultDescription

	if err = cofferSvc.Manifests().Save(m); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to save manifest: %w", err), started)
	}

	fmt.Printf("Created vault %s at revision %d\n", m.VaultID, m.Revision)
	return auditCmdComplete(cmd, nil, started)
}

func runVaultDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	vaultID := args[0]

	if !forceDelete {
		if !promptConfirmation(fmt.Sprintf("Delete manifest for vault %s? Snapshots are kept", vaultID)) {
			fmt.Println("Deletion cancelled.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	if err := cofferSvc.Manifests().Delete(vaultID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete vault %s: %w", vaultID, err), started)
	}

	fmt.Printf("Deleted manifest for vault %s.\n", vaultID)
	return auditCmdComplete(cmd, nil, started)
}

func runVaultBump(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	vaultID := args[0]

	m, err := cofferSvc.Manifests().Load(vaultID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to load vault %s: %w", vaultID, err), started)
	}

	identity, err := cofferSvc.DeviceIdentity()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to resolve device identity: %w", err), started)
	}

	bumped := cofferSvc.Manifests().IncrementRevision(m, identity)
	if err = cofferSvc.Manifests().Save(bumped); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to save manifest: %w", err), started)
	}

	fmt.Printf("Vault %s is now at revision %d\n", vaultID, bumped.Revision)
	return auditCmdComplete(cmd, nil, started)
}

func runVaultResolve(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	vaultID, manifestFile := args[0], args[1]

	data, err := os.ReadFile(manifestFile)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read manifest file: %w", err), started)
	}

	incoming, err := coffer.ParseManifest(data)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to parse manifest file: %w", err), started)
	}

	if incoming.VaultID != vaultID {
		err = fmt.Errorf("manifest file is for vault %s, not %s", incoming.VaultID, vaultID)
		return auditCmdComplete(cmd, err, started)
	}

	outcome, err := cofferSvc.Conflicts().Resolve(incoming)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to resolve conflict: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(outcome), started)
	}

	fmt.Println(outcome.Message())
	if outcome.BackupCreated {
		fmt.Println("A snapshot of the previous manifest was taken.")
	}
	if outcome.NeedsReconcile {
		fmt.Println("Run 'coffer reconcile' to merge new recipients into the key registry.")
	}

	return auditCmdComplete(cmd, nil, started)
}
