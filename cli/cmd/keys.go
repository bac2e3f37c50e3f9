package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/coffer"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage registered keys and their lifecycle",
	Long:  `Manage the key registry including listing, lifecycle transitions, vault associations and hardware token observations.`,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered keys",
	Long:  `List all keys in the registry with their kind, lifecycle status and vault associations.`,
	RunE:  runKeyList,
}

var keyInfoCmd = &cobra.Command{
	Use:   "info <key-id>",
	Short: "Show detailed information about a specific key",
	Long:  `Display detailed information about a registered key including its lifecycle history and vault associations.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyInfo,
}

var keyTransitionCmd = &cobra.Command{
	Use:   "transition <key-id> <status>",
	Short: "Request a lifecycle transition for a key",
	Long: `Request a lifecycle transition for a registered key. Valid statuses are
pre_activation, active, suspended, deactivated, destroyed and compromised.
Requesting the current status is a no-op. Illegal transitions, such as
leaving the destroyed state, are rejected.`,
	Args: cobra.ExactArgs(2),
	RunE: runKeyTransition,
}

var keyDeactivateCmd = &cobra.Command{
	Use:   "deactivate <key-id>",
	Short: "Deactivate a key",
	Long:  `Move a key to the deactivated state. A deactivated key can still be restored until it is destroyed.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyDeactivate,
}

var keyRestoreCmd = &cobra.Command{
	Use:   "restore <key-id>",
	Short: "Restore a deactivated key",
	Long:  `Restore a key from the deactivated state to the state it held before deactivation.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRestore,
}

var keyAttachCmd = &cobra.Command{
	Use:   "attach <key-id> <vault-id>",
	Short: "Associate a key with a vault",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeyAttach,
}

var keyDetachCmd = &cobra.Command{
	Use:   "detach <key-id> <vault-id>",
	Short: "Remove a key's association with a vault",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeyDetach,
}

var keyObserveTokenCmd = &cobra.Command{
	Use:   "observe-token <serial> <slot>",
	Short: "Record a hardware token seen on this device",
	Long:  `Record that a hardware token was observed on this device. An unknown token gets a pre-activation registry entry; a known one only has its last-used time refreshed.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runKeyObserveToken,
}

// Flags
var (
	jsonOutput       bool
	transitionReason string
	tokenLabel       string
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyInfoCmd)
	keysCmd.AddCommand(keyTransitionCmd)
	keysCmd.AddCommand(keyDeactivateCmd)
	keysCmd.AddCommand(keyRestoreCmd)
	keysCmd.AddCommand(keyAttachCmd)
	keysCmd.AddCommand(keyDetachCmd)
	keysCmd.AddCommand(keyObserveTokenCmd)

	// Add flags
	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyInfoCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyTransitionCmd.Flags().StringVar(&transitionReason, "reason", "", "Reason recorded in the status history")
	keyDeactivateCmd.Flags().StringVar(&transitionReason, "reason", "", "Reason recorded in the status history")
	keyObserveTokenCmd.Flags().StringVar(&tokenLabel, "label", "", "Label for a newly registered token")
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	registry, err := cofferSvc.Registry().LoadRegistry()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to load registry: %w", err), started)
	}

	if jsonOutput {
		entries := make([]*coffer.KeyRegistryEntry, 0, len(registry.Keys))
		for _, keyID := range registry.KeyIDs() {
			entries = append(entries, registry.Entry(keyID))
		}
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(entries), started)
	}

	if len(registry.Keys) == 0 {
		fmt.Println("No keys registered.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "KEY ID\tKIND\tLABEL\tSTATUS\tVAULTS\tCREATED\n")
	for _, keyID := range registry.KeyIDs() {
		entry := registry.Entry(keyID)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			entry.KeyID,
			entry.Kind,
			entry.Label,
			entry.LifecycleStatus,
			len(entry.VaultAssociations),
			entry.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeyInfo(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID := args[0]

	registry, err := cofferSvc.Registry().LoadRegistry()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to load registry: %w", err), started)
	}

	entry := registry.Entry(keyID)
	if entry == nil {
		return auditCmdComplete(cmd, fmt.Errorf("key %s not found", keyID), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(entry), started)
	}

	fmt.Printf("Key ID: %s\n", entry.KeyID)
	fmt.Printf("Kind: %s\n", entry.Kind)
	fmt.Printf("Label: %s\n", entry.Label)
	fmt.Printf("Status: %s\n", entry.LifecycleStatus)
	fmt.Printf("Created: %s\n", entry.CreatedAt.Format(time.RFC3339))
	if entry.LastUsed != nil {
		fmt.Printf("Last Used: %s\n", entry.LastUsed.Format(time.RFC3339))
	}
	if entry.Token != nil {
		fmt.Printf("Token Serial: %s (slot %d)\n", entry.Token.Serial, entry.Token.Slot)
	}
	if entry.Passphrase != nil && entry.Passphrase.KeyFilename != "" {
		fmt.Printf("Key File: %s\n", entry.Passphrase.KeyFilename)
	}

	fmt.Printf("Vault Associations (%d):\n", len(entry.VaultAssociations))
	for _, vaultID := range entry.VaultAssociations {
		fmt.Printf("  %s\n", vaultID)
	}

	if len(entry.StatusHistory) > 0 {
		fmt.Printf("Status History:\n")
		for _, h := range entry.StatusHistory {
			line := fmt.Sprintf("  %s  %s", h.Timestamp.Format(time.RFC3339), h.Status)
			if h.Reason != "" {
				line += fmt.Sprintf("  (%s)", h.Reason)
			}
			fmt.Println(line)
		}
	}

	return auditCmdComplete(cmd, nil, started)
}

func runKeyTransition(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID := args[0]
	target := coffer.LifecycleStatus(strings.ToLower(args[1]))

	if !coffer.IsValidStatus(target) {
		err := fmt.Errorf("invalid status %q. Valid statuses: %v", args[1], coffer.ValidStatuses())
		return auditCmdComplete(cmd, err, started)
	}

	changed, err := cofferSvc.Registry().TransitionKey(keyID, target, transitionReason, cliContext.UserID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("transition rejected: %w", err), started)
	}

	if !changed {
		fmt.Printf("Key %s is already %s.\n", keyID, target)
		return auditCmdComplete(cmd, nil, started)
	}

	fmt.Printf("Key %s is now %s.\n", keyID, target)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyDeactivate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID := args[0]

	if err := cofferSvc.Registry().DeactivateKey(keyID, transitionReason); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to deactivate key %s: %w", keyID, err), started)
	}

	fmt.Printf("Key %s deactivated. It can be restored until it is destroyed.\n", keyID)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyRestore(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID := args[0]

	restored, err := cofferSvc.Registry().RestoreKey(keyID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore key %s: %w", keyID, err), started)
	}

	fmt.Printf("Key %s restored to %s.\n", keyID, restored)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyAttach(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID, vaultID := args[0], args[1]

	if err := cofferSvc.Registry().AttachKey(keyID, vaultID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to attach key %s to vault %s: %w", keyID, vaultID, err), started)
	}

	fmt.Printf("Key %s attached to vault %s.\n", keyID, vaultID)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyDetach(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	keyID, vaultID := args[0], args[1]

	if err := cofferSvc.Registry().DetachKey(keyID, vaultID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to detach key %s from vault %s: %w", keyID, vaultID, err), started)
	}

	fmt.Printf("Key %s detached from vault %s.\n", keyID, vaultID)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyObserveToken(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	serial := args[0]

	slot, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("invalid slot %q: %w", args[1], err), started)
	}

	label := tokenLabel
	if label == "" {
		label = fmt.Sprintf("token %s", serial)
	}

	entry, err := cofferSvc.Registry().NoteObservedToken(label, coffer.TokenParams{
		Serial: serial,
		Slot:   uint8(slot),
	})
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to record token observation: %w", err), started)
	}

	fmt.Printf("Recorded token %s (key %s, status %s).\n", serial, entry.KeyID, entry.LifecycleStatus)
	return auditCmdComplete(cmd, nil, started)
}
